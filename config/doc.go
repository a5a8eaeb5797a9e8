// Package config loads the bridge configuration.
//
// A configuration is a JSON document with four sections:
//
//	{
//	  "platform":   {"org": "acme", "id": "plant-7"},
//	  "nats":       {"urls": ["nats://localhost:4222"], "reconnect_wait": "2s"},
//	  "metrics":    {"enabled": true, "port": 9090},
//	  "components": {
//	    "opcua": {"type": "output", "name": "opcua", "enabled": true, "config": {...}}
//	  }
//	}
//
// Loader starts from built-in defaults, deep merges every layer on top in
// the order added, then applies SEMSTREAMS_OPCUA_* environment overrides:
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.json")
//	loader.AddLayer("configs/plant-7.json")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Component sections stay raw JSON; each component factory decodes its own.
// The Get* helpers read values out of such decoded maps without panicking on
// unexpected types.
package config
