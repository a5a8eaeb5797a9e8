// Package semstreams publishes streaming column data as an OPC UA address
// space.
//
// Producers write one sample per column to NATS. The OPC UA output keeps the
// latest value of every column and a synchronization loop mirrors that table
// into an OPC UA server, so any OPC UA client can browse and read the values
// without knowing about NATS.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│       Column Producers              │  input/generator or any
//	│  (columns.<source>.<field>)         │  external publisher
//	└─────────────────────────────────────┘
//	           ↓ NATS subjects + JetStream KV
//	┌─────────────────────────────────────┐
//	│          OPC UA Output              │  Ingest pool, column table,
//	│        (output/opcua)               │  KV seeding
//	└─────────────────────────────────────┘
//	           ↓ every interval
//	┌─────────────────────────────────────┐
//	│       Synchronization Loop          │  Diff table against nodes,
//	│        (opcua/syncloop)             │  create, update, report
//	└─────────────────────────────────────┘
//	           ↓ stack.Server
//	┌─────────────────────────────────────┐
//	│         OPC UA Stack                │  gopcua server or the
//	│  (gopcuastack, memstack)            │  in-memory stack for tests
//	└─────────────────────────────────────┘
//
// # Address Space
//
// Every source becomes an object below the Objects folder and every column
// of that source becomes a variable of the object. Node identifiers are
// derived from the names, so a restarted bridge serves the same node IDs.
// Variables whose column disappears keep their last value.
//
// # Security
//
// The server offers the configured security policies and user identity
// tokens. Client application certificates are checked against a trust store
// directory, user passwords against a YAML file of bcrypt hashes. Use
//
//	semstreams-opcua -hash-password < password.txt
//
// to produce a hash for that file.
//
// These checks run in the in-memory stack. The gopcua server offers no hook
// for them, so with stack "gopcua" only SecurityPolicy None with anonymous
// tokens is accepted and any other security setting is refused at startup.
//
// # Packages
//
//   - column: samples, primitive types and the concurrent latest-value table
//   - opcua: bridge parameters and lifecycle
//   - opcua/addrspace: node identifiers and variable creation
//   - opcua/security: policies, trust store and user authentication
//   - opcua/syncloop: the table to address space synchronization
//   - opcua/stack: the server abstraction and its implementations
//   - output/opcua: the component wiring NATS to the bridge
//   - input/generator: a test signal producing every primitive type
//   - cmd/semstreams-opcua: the service binary
//
// Component lifecycle, health, metrics, configuration and the NATS client
// follow the semstreams component framework.
package semstreams
