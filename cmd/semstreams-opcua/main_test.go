package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-opcua/config"
	"github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/health"
	"github.com/c360/semstreams-opcua/output/opcua"
	"github.com/c360/semstreams-opcua/pkg/retry"
	"github.com/c360/semstreams-opcua/testutil"
	"github.com/c360/semstreams-opcua/types"
)

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{"-config", "a.json, b.json", "-log-format", "text", "-metrics-port", "9200"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json", "b.json"}, cfg.ConfigPaths)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 9200, cfg.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)

	t.Setenv("SEMSTREAMS_OPCUA_SHUTDOWN_TIMEOUT", "5")
	cfg, err = parseFlags(nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)

	_, err = parseFlags([]string{"-unknown"}, io.Discard)
	assert.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))
	valid := func() *CLIConfig {
		return &CLIConfig{ConfigPaths: []string{path}, LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second}
	}
	require.NoError(t, validateFlags(valid()))

	for name, mutate := range map[string]func(*CLIConfig){
		"missing file": func(c *CLIConfig) { c.ConfigPaths = []string{path + ".missing"} },
		"no file":      func(c *CLIConfig) { c.ConfigPaths = nil },
		"log level":    func(c *CLIConfig) { c.LogLevel = "trace" },
		"log format":   func(c *CLIConfig) { c.LogFormat = "xml" },
		"metrics port": func(c *CLIConfig) { c.MetricsPort = 70000 },
		"timeout":      func(c *CLIConfig) { c.ShutdownTimeout = 0 },
	} {
		cfg := valid()
		mutate(cfg)
		assert.Error(t, validateFlags(cfg), name)
	}

	assert.NoError(t, validateFlags(&CLIConfig{ShowVersion: true}))
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger("warn", "json", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, appName, entry["service"])
	assert.Equal(t, Version, entry["version"])
}

func TestRun_VersionAndHash(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"-version"}, nil, &out, io.Discard))
	assert.Contains(t, out.String(), Version)

	out.Reset()
	require.NoError(t, run([]string{"-hash-password"}, strings.NewReader("s3cret\n"), &out, io.Discard))
	assert.True(t, strings.HasPrefix(out.String(), "$2"), "bcrypt hash, got %q", out.String())

	assert.Error(t, run([]string{"-hash-password"}, strings.NewReader(""), io.Discard, io.Discard))
}

func TestRun_Validate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opcua.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "platform": {"org": "acme", "id": "plant-7"},
  "components": {
    "bridge": {"type": "output", "name": "opcua", "enabled": true,
      "config": {"endpoint": "0.0.0.0:4840", "server_name": "Plant", "namespace_uri": "urn:plant"}}
  }
}`), 0o600))
	require.NoError(t, run([]string{"-config", path, "-validate"}, nil, io.Discard, io.Discard))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"platform": {"id": "plant-7"}}`), 0o600))
	assert.Error(t, run([]string{"-config", bad, "-validate"}, nil, io.Discard, io.Discard))

	params := filepath.Join(dir, "params.json")
	require.NoError(t, os.WriteFile(params, []byte(`{
  "components": {"bridge": {"config": {"endpoint": "0.0.0.0"}}}
}`), 0o600))
	err := run([]string{"-config", path + "," + params, "-validate"}, nil, io.Discard, io.Discard)
	assert.ErrorIs(t, err, errors.ErrParameter, "component parameters are checked too")
}

func bridgeConfig(t *testing.T, natsURL string) *config.Config {
	t.Helper()
	raw := func(v map[string]any) json.RawMessage {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		return data
	}
	return &config.Config{
		Platform: config.PlatformConfig{Org: "acme", ID: "plant-7"},
		NATS:     config.NATSConfig{URLs: []string{natsURL}, MaxReconnects: -1},
		Components: config.ComponentConfigs{
			"bridge": {
				Type: types.ComponentTypeOutput, Name: "opcua", Enabled: true,
				Config: raw(map[string]any{
					"endpoint":          "127.0.0.1:4840",
					"server_name":       "Plant",
					"namespace_uri":     "urn:plant",
					"interval":          "10ms",
					"stack":             "memory",
					"security_policies": "None",
					"auth_modes":        "anonymous",
				}),
			},
			"gen": {
				Type: types.ComponentTypeInput, Name: "column-generator", Enabled: true,
				Config: raw(map[string]any{"interval_ms": 20, "source": "lineA"}),
			},
			"spare": {Type: types.ComponentTypeInput, Name: "column-generator", Enabled: false},
		},
	}
}

func TestApp_GeneratorFeedsBridge(t *testing.T) {
	srv := testutil.StartNATSServer(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := newApp(bridgeConfig(t, srv.ClientURL()), logger)
	require.NoError(t, err)
	a.connectRetry = retry.Quick()
	ctx := context.Background()
	require.NoError(t, a.connectNATS(ctx))
	t.Cleanup(func() { a.close(ctx) })

	require.NoError(t, a.createComponents())
	require.Len(t, a.components, 2, "disabled component is skipped")
	require.NoError(t, a.start(ctx, time.Second))
	assert.Equal(t, "bridge", a.started[0].name, "outputs start before inputs")

	out := a.registry.Component("bridge").(*opcua.Output)
	testutil.WaitFor(t, 3*time.Second, func() bool {
		status := out.Bridge().Status()
		return status.Components == 1 && status.Variables == 13
	}, "all generator columns published")

	healthy, body := a.health()
	assert.True(t, healthy)
	agg := body.(health.Status)
	assert.Len(t, agg.SubStatuses, 3, "nats plus two components")

	require.NoError(t, a.stop(time.Second))
	assert.Nil(t, a.registry.Component("bridge"))
	assert.Empty(t, a.components)
}

func TestServe_StopsOnCancel(t *testing.T) {
	srv := testutil.StartNATSServer(t)
	cfg := bridgeConfig(t, srv.ClientURL())
	cfg.Metrics = config.MetricsConfig{Enabled: true, Port: 0, Path: "/metrics"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, logger, 2*time.Second) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
