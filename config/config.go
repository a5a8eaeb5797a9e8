package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/c360/semstreams-opcua/pkg/security"
	"github.com/c360/semstreams-opcua/types"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SEMSTREAMS_OPCUA"

// ComponentConfigs holds component instance configurations keyed by
// instance name. Only enabled entries whose factory is registered are
// created.
type ComponentConfigs map[string]types.ComponentConfig

// Config represents the complete application configuration.
type Config struct {
	Platform   PlatformConfig   `json:"platform"`
	NATS       NATSConfig       `json:"nats"`
	Metrics    MetricsConfig    `json:"metrics"`
	Components ComponentConfigs `json:"components"`
}

// PlatformConfig identifies the deployment.
type PlatformConfig struct {
	Org         string `json:"org"`                   // Organization namespace (e.g., "acme")
	ID          string `json:"id"`                    // Platform identifier (e.g., "plant-7")
	InstanceID  string `json:"instance_id,omitempty"` // e.g., "line-a", "dev-local"
	Environment string `json:"environment,omitempty"` // "prod", "dev", "test"
}

// NATSConfig defines NATS connection settings. An empty URL list disables
// NATS; components that need it then fail to start.
type NATSConfig struct {
	URLs          []string                 `json:"urls,omitempty"`
	MaxReconnects int                      `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration            `json:"reconnect_wait,omitempty"`
	Username      string                   `json:"username,omitempty"`
	Password      string                   `json:"password,omitempty"`
	Token         string                   `json:"token,omitempty"`
	TLS           security.ClientTLSConfig `json:"tls,omitempty"`
}

// MetricsConfig controls the Prometheus and health endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Validate checks the configuration and normalizes platform.org to lower
// case.
func (c *Config) Validate() error {
	if c.Platform.Org == "" {
		return errors.New("platform.org is required")
	}
	c.Platform.Org = strings.ToLower(c.Platform.Org)
	if !isValidNATSSubjectPart(c.Platform.Org) {
		return fmt.Errorf(
			"platform.org '%s' is not valid for NATS subjects (must be alphanumeric with dots, dashes, underscores)",
			c.Platform.Org,
		)
	}
	if c.Platform.ID == "" {
		return errors.New("platform.id is required")
	}

	if err := c.validateNATS(); err != nil {
		return fmt.Errorf("nats configuration: %w", err)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}

	for instanceName, config := range c.Components {
		if instanceName == "" {
			return errors.New("component instance name cannot be empty")
		}
		if err := config.Validate(); err != nil {
			return fmt.Errorf("component %s: %w", instanceName, err)
		}
	}
	return nil
}

// isValidNATSSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

func (c *Config) validateNATS() error {
	tls := c.NATS.TLS
	if !tls.Enabled {
		return nil
	}
	if (tls.CertFile == "") != (tls.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file must be set together")
	}
	for i, caFile := range tls.CAFiles {
		if _, err := os.Stat(caFile); err != nil {
			return fmt.Errorf("tls.ca_files[%d]: %w", i, err)
		}
	}
	if tls.InsecureSkipVerify {
		_, _ = fmt.Fprintf(
			os.Stderr,
			"WARNING: TLS certificate verification is disabled (insecure_skip_verify=true). This should only be used in development/testing!\n",
		)
	}
	if tls.MinVersion != "" {
		if err := validateTLSVersion(tls.MinVersion); err != nil {
			return fmt.Errorf("tls.min_version: %w", err)
		}
	}
	return nil
}

// validateTLSVersion checks if a TLS version string is valid
func validateTLSVersion(version string) error {
	switch version {
	case "1.2", "1.3":
		return nil
	default:
		return fmt.Errorf("invalid TLS version %q (must be \"1.2\" or \"1.3\")", version)
	}
}

// GetPlatform returns the platform identifier, preferring instance_id.
func (c *Config) GetPlatform() string {
	if c.Platform.InstanceID != "" {
		return c.Platform.InstanceID
	}
	return c.Platform.ID
}

// String returns an indented JSON representation with secrets masked.
func (c *Config) String() string {
	redacted := c.Clone()
	if redacted.NATS.Password != "" {
		redacted.NATS.Password = "***"
	}
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(redacted, "", "  ")
	return string(data)
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{envPrefix: EnvPrefix}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := l.getDefaults()

	for _, path := range l.layers {
		rawConfig, err := l.loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		if cfg, err = l.mergeFromMap(cfg, rawConfig); err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// getDefaults returns default configuration
func (l *Loader) getDefaults() *Config {
	return &Config{
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Components: ComponentConfigs{},
	}
}

// loadRawJSON loads configuration from a JSON file as a map
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return nil, err
	}
	if err := l.parseDurations(rawConfig); err != nil {
		return nil, err
	}
	return rawConfig, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields
// present in the map.
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(l.deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking
// precedence. Component config payloads are replaced, not merged, so a
// layer fully owns the parameters it sets.
func (l *Loader) deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if k != "config" {
			if baseMap, ok := base[k].(map[string]any); ok {
				if overrideMap, ok := v.(map[string]any); ok {
					result[k] = l.deepMergeMaps(baseMap, overrideMap)
					continue
				}
			}
		}
		result[k] = v
	}
	return result
}

// parseDurations converts duration strings to nanoseconds for json
// unmarshaling.
func (l *Loader) parseDurations(data map[string]any) error {
	nats, ok := data["nats"].(map[string]any)
	if !ok {
		return nil
	}
	if wait, ok := nats["reconnect_wait"].(string); ok {
		d, err := time.ParseDuration(wait)
		if err != nil {
			return fmt.Errorf("nats.reconnect_wait: %w", err)
		}
		nats["reconnect_wait"] = d.Nanoseconds()
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	env := func(name string) (string, error) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		return val, checkEnvValue(key, val)
	}

	for _, o := range []struct {
		name string
		dst  *string
	}{
		{"PLATFORM_ORG", &cfg.Platform.Org},
		{"PLATFORM_ID", &cfg.Platform.ID},
		{"PLATFORM_INSTANCE_ID", &cfg.Platform.InstanceID},
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
	} {
		val, err := env(o.name)
		if err != nil {
			return err
		}
		if val != "" {
			*o.dst = val
		}
	}

	val, err := env("NATS_URLS")
	if err != nil {
		return err
	}
	if val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}

	val, err = env("METRICS_PORT")
	if err != nil {
		return err
	}
	if val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_METRICS_PORT: %w", l.envPrefix, err)
		}
		cfg.Metrics.Port = port
	}
	return nil
}
