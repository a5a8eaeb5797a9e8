package component

import (
	"encoding/json"
	"fmt"

	"github.com/c360/semstreams-opcua/errors"
)

// Direction for data flow
type Direction string

// Direction constants for port data flow
const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Port describes any I/O interface
type Port struct {
	Name        string    `json:"name"`
	Direction   Direction `json:"direction"`
	Required    bool      `json:"required"`
	Description string    `json:"description"`
	Config      Portable  `json:"config"`
}

// Portable is the resource behind a port.
type Portable interface {
	ResourceID() string // Unique identifier for conflict detection
	IsExclusive() bool  // Whether multiple components can share
	Type() string       // Port type identifier
}

// MarshalJSON emits the port with its config tagged by port type.
func (p Port) MarshalJSON() ([]byte, error) {
	type portAlias Port
	wrapper := struct {
		portAlias
		Config json.RawMessage `json:"config"`
	}{portAlias: portAlias(p)}

	if p.Config != nil {
		data, err := json.Marshal(struct {
			Type string `json:"type"`
			Data any    `json:"data"`
		}{Type: p.Config.Type(), Data: p.Config})
		if err != nil {
			return nil, errors.Wrap(err, "Port", "MarshalJSON", "config marshaling")
		}
		wrapper.Config = data
	}
	return json.Marshal(wrapper)
}

// NATSPort - NATS pub/sub
type NATSPort struct {
	Subject string `json:"subject"`
	Queue   string `json:"queue,omitempty"`
}

func (n NATSPort) ResourceID() string { return fmt.Sprintf("nats:%s", n.Subject) }
func (n NATSPort) IsExclusive() bool  { return false }
func (n NATSPort) Type() string       { return "nats" }

// KVWatchPort - NATS KV Watch for state observation
type KVWatchPort struct {
	Bucket string   `json:"bucket"`
	Keys   []string `json:"keys,omitempty"` // empty = all
}

func (k KVWatchPort) ResourceID() string { return fmt.Sprintf("kvwatch:%s", k.Bucket) }
func (k KVWatchPort) IsExclusive() bool  { return false }
func (k KVWatchPort) Type() string       { return "kvwatch" }

// NetworkPort is a listening socket. Two components can never bind the
// same one.
type NetworkPort struct {
	Protocol string `json:"protocol"` // "tcp", "opc.tcp"
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

func (n NetworkPort) ResourceID() string {
	return fmt.Sprintf("%s:%s:%d", n.Protocol, n.Host, n.Port)
}
func (n NetworkPort) IsExclusive() bool { return true }
func (n NetworkPort) Type() string      { return "network" }
