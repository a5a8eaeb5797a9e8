package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-opcua/types"
)

func writeJSON(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const baseConfig = `{
  "platform": {"org": "ACME", "id": "plant-7"},
  "nats": {"urls": ["nats://broker:4222"], "reconnect_wait": "5s"},
  "components": {
    "opcua": {
      "type": "output",
      "name": "opcua",
      "enabled": true,
      "config": {"endpoint": "0.0.0.0:4840", "server_name": "Plant", "namespace_uri": "urn:plant", "interval": "1s"}
    }
  }
}`

func TestLoader_LoadFile(t *testing.T) {
	path := writeJSON(t, t.TempDir(), "base.json", baseConfig)

	loader := NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.Platform.Org, "org is normalized")
	assert.Equal(t, "plant-7", cfg.GetPlatform())
	assert.Equal(t, []string{"nats://broker:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 5*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, -1, cfg.NATS.MaxReconnects, "defaults survive the merge")
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)

	comp, ok := cfg.Components["opcua"]
	require.True(t, ok)
	assert.Equal(t, types.ComponentTypeOutput, comp.Type)

	var params map[string]any
	require.NoError(t, json.Unmarshal(comp.Config, &params))
	assert.Equal(t, "urn:plant", GetString(params, "namespace_uri", ""))
}

func TestLoader_Layers(t *testing.T) {
	dir := t.TempDir()
	base := writeJSON(t, dir, "base.json", baseConfig)
	override := writeJSON(t, dir, "override.json", `{
  "platform": {"instance_id": "line-a"},
  "metrics": {"port": 9191},
  "components": {
    "opcua": {"config": {"endpoint": "0.0.0.0:4841", "server_name": "Override", "namespace_uri": "urn:override"}}
  }
}`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(override)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "plant-7", cfg.Platform.ID)
	assert.Equal(t, "line-a", cfg.GetPlatform())
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.True(t, cfg.Metrics.Enabled)

	comp := cfg.Components["opcua"]
	assert.Equal(t, "opcua", comp.Name, "component entry is merged")
	var params map[string]any
	require.NoError(t, json.Unmarshal(comp.Config, &params))
	assert.Equal(t, "urn:override", params["namespace_uri"])
	assert.NotContains(t, params, "interval", "component parameters are replaced as a whole")
}

func TestLoader_EnvOverrides(t *testing.T) {
	path := writeJSON(t, t.TempDir(), "base.json", baseConfig)
	t.Setenv("SEMSTREAMS_OPCUA_NATS_URLS", "nats://a:4222,nats://b:4222")
	t.Setenv("SEMSTREAMS_OPCUA_NATS_PASSWORD", "hunter2")
	t.Setenv("SEMSTREAMS_OPCUA_PLATFORM_ID", "plant-9")
	t.Setenv("SEMSTREAMS_OPCUA_METRICS_PORT", "9300")

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "plant-9", cfg.Platform.ID)
	assert.Equal(t, 9300, cfg.Metrics.Port)
	assert.Equal(t, "hunter2", cfg.NATS.Password)
	assert.NotContains(t, cfg.String(), "hunter2")

	t.Setenv("SEMSTREAMS_OPCUA_METRICS_PORT", "ninety")
	_, err = NewLoader().LoadFile(path)
	assert.Error(t, err)
}

func TestLoader_Rejects(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "absent.json")},
		{"not json extension", writeJSON(t, dir, "config.yaml", baseConfig)},
		{"malformed", writeJSON(t, dir, "bad.json", `{"platform": `)},
		{"too deep", writeJSON(t, dir, "deep.json", `{"a":`+strings.Repeat("[", 200)+strings.Repeat("]", 200)+`}`)},
		{"bad duration", writeJSON(t, dir, "wait.json", `{"nats": {"reconnect_wait": "soon"}}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().LoadFile(tt.path)
			assert.Error(t, err)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Platform: PlatformConfig{Org: "acme", ID: "plant-7"},
			Components: ComponentConfigs{
				"gen": {Type: types.ComponentTypeInput, Name: "column-generator", Enabled: true},
			},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing org", func(c *Config) { c.Platform.Org = "" }},
		{"org with spaces", func(c *Config) { c.Platform.Org = "ac me" }},
		{"missing id", func(c *Config) { c.Platform.ID = "" }},
		{"bad metrics port", func(c *Config) { c.Metrics = MetricsConfig{Enabled: true, Port: 70000} }},
		{"tls key without cert", func(c *Config) {
			c.NATS.TLS.Enabled = true
			c.NATS.TLS.KeyFile = "k.pem"
		}},
		{"tls missing ca", func(c *Config) {
			c.NATS.TLS.Enabled = true
			c.NATS.TLS.CAFiles = []string{"/nonexistent/ca.pem"}
		}},
		{"tls version", func(c *Config) {
			c.NATS.TLS.Enabled = true
			c.NATS.TLS.MinVersion = "1.0"
		}},
		{"component without type", func(c *Config) {
			c.Components["gen"] = types.ComponentConfig{Name: "column-generator"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_Clone(t *testing.T) {
	cfg := &Config{
		Platform: PlatformConfig{Org: "acme", ID: "plant-7"},
		NATS:     NATSConfig{URLs: []string{"nats://a:4222"}},
	}
	clone := cfg.Clone()
	clone.NATS.URLs[0] = "nats://b:4222"
	assert.Equal(t, "nats://a:4222", cfg.NATS.URLs[0])

	var nilCfg *Config
	assert.NotNil(t, nilCfg.Clone())
}

func TestHelpers(t *testing.T) {
	m := map[string]any{
		"s":      "text",
		"i":      float64(42),
		"n":      json.Number("7"),
		"list":   []any{"a", "b"},
		"mixed":  []any{"a", 1},
		"typed":  []string{"x"},
		"wrong":  struct{}{},
		"ratio":  json.Number("0.5"),
		"intval": 3,
	}

	assert.Equal(t, "text", GetString(m, "s", "d"))
	assert.Equal(t, "d", GetString(m, "i", "d"))
	assert.Equal(t, 42, GetInt(m, "i", 0))
	assert.Equal(t, 7, GetInt(m, "n", 0))
	assert.Equal(t, 9, GetInt(m, "wrong", 9))
	assert.Equal(t, 0.5, GetFloat64(m, "ratio", 0))
	assert.Equal(t, 3.0, GetFloat64(m, "intval", 0))
	assert.Equal(t, []string{"a", "b"}, GetStringSlice(m, "list", nil))
	assert.Equal(t, []string{"x"}, GetStringSlice(m, "typed", nil))
	assert.Nil(t, GetStringSlice(m, "mixed", nil))
	assert.Equal(t, []string{"d"}, GetStringSlice(m, "absent", []string{"d"}))
}
