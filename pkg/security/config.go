// Package security holds the platform TLS settings shared by outbound clients.
package security

// ClientTLSConfig configures TLS for connections the bridge opens, such as
// the NATS connection. The system CA bundle is always trusted; CAFiles add to it.
type ClientTLSConfig struct {
	Enabled            bool     `json:"enabled"`
	CAFiles            []string `json:"ca_files,omitempty"`
	CertFile           string   `json:"cert_file,omitempty"` // client certificate for mTLS
	KeyFile            string   `json:"key_file,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty"` // test setups only
	MinVersion         string   `json:"min_version,omitempty"`          // "1.2" or "1.3"
}
