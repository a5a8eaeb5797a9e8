// Package security decides who may talk to the OPC UA server.
//
// A Manager is loaded once before the server accepts connections. It holds the
// server key pair, a trust store of directly trusted client certificates, and a
// CredentialVerifier for username tokens. Each connection attempt goes through
// Admit: the client certificate is validated first for signed policies, and
// only then is the user identity mapped to a Role.
//
// Credentials live in a YAML file with bcrypt hashes:
//
//	users:
//	  - username: operator
//	    password_hash: $2a$10$7EqJtq98hPqEX7fNZaFWoO...
//	    role: admin
//
// Use HashPassword, or the -hash-password flag of the bridge binary, to produce
// hashes.
package security
