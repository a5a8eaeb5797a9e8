package opcua

import "github.com/c360/semstreams-opcua/component"

var opcuaSchema = component.ConfigSchema{
	Properties: map[string]component.PropertySchema{
		"endpoint": {
			Type:        "string",
			Description: "Listening address as host:port (opc.tcp:// is added)",
			Category:    "basic",
		},
		"server_name": {
			Type:        "string",
			Description: "Application name announced to clients",
			Category:    "basic",
		},
		"namespace_uri": {
			Type:        "string",
			Description: "URI of the namespace holding the published nodes",
			Category:    "basic",
		},
		"interval": {
			Type:        "duration",
			Description: "Pause between synchronization passes",
			Default:     "1s",
			Category:    "basic",
		},
		"subjects": {
			Type:        "array",
			Description: "NATS subjects carrying column samples",
			Default:     []string{DefaultSubject},
			Category:    "basic",
		},
		"kv_bucket": {
			Type:        "string",
			Description: "JetStream KV bucket with the last sample of every column",
			Category:    "basic",
		},
		"security_policies": {
			Type:        "array",
			Description: "Offered policies, e.g. None or Basic256Sha256_SignAndEncrypt; the gopcua stack serves None only",
			Category:    "advanced",
		},
		"auth_modes": {
			Type:        "array",
			Description: "Accepted user identity tokens; the gopcua stack serves anonymous only",
			Enum:        []string{"anonymous", "username", "certificate"},
			Category:    "advanced",
		},
		"server_cert": {
			Type:        "string",
			Description: "PEM or DER server certificate",
			Category:    "advanced",
		},
		"server_key": {
			Type:        "string",
			Description: "PEM private key matching server_cert",
			Category:    "advanced",
		},
		"trust_store": {
			Type:        "array",
			Description: "Directories with trusted client certificates, not supported by the gopcua stack",
			Category:    "advanced",
		},
		"credentials_file": {
			Type:        "string",
			Description: "YAML file with bcrypt hashed user credentials",
			Category:    "advanced",
		},
		"application_uri": {
			Type:        "string",
			Description: "Application URI, must match the certificate; gopcua advertises the certificate URI",
			Category:    "advanced",
		},
		"operation_timeout": {
			Type:        "duration",
			Description: "Deadline for a single stack operation",
			Default:     "5s",
			Category:    "advanced",
		},
		"conflict_warn_after": {
			Type:        "int",
			Description: "Consecutive conflicting passes before a node is reported",
			Default:     10,
			Category:    "advanced",
		},
		"conflict_fail_after": {
			Type:        "int",
			Description: "Consecutive conflicting passes before the loop stops, 0 never",
			Default:     0,
			Category:    "advanced",
		},
		"stack": {
			Type:        "string",
			Description: "Protocol stack implementation; only memory enforces the trust store and credentials",
			Default:     "gopcua",
			Enum:        []string{"gopcua", "memory"},
			Category:    "advanced",
		},
		"instance": {
			Type:        "string",
			Description: "Metrics label, defaults to server_name",
			Category:    "advanced",
		},
		"workers": {
			Type:        "int",
			Description: "Goroutines decoding column samples",
			Default:     defaultWorkers,
			Category:    "advanced",
		},
		"queue_size": {
			Type:        "int",
			Description: "Samples buffered before new ones are dropped",
			Default:     defaultQueueSize,
			Category:    "advanced",
		},
	},
	Required: []string{"endpoint", "server_name", "namespace_uri"},
}
