// Package opcua exposes a column source as an OPC UA address space. Parameters
// describes the server endpoint, its security settings and the loop timing;
// Bridge assembles the security manager, a protocol stack and the
// synchronization loop from them.
package opcua

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c360/semstreams-opcua/config"
	"github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/opcua/security"
	"github.com/c360/semstreams-opcua/opcua/stack/gopcuastack"
	"github.com/c360/semstreams-opcua/opcua/syncloop"
)

// Stack names accepted by the "stack" parameter.
const (
	StackGopcua = "gopcua"
	StackMemory = "memory"
)

// EndpointScheme prefixes the host:port given in the "endpoint" parameter.
const EndpointScheme = "opc.tcp://"

// Parameters is the validated startup configuration of the bridge.
type Parameters struct {
	Endpoint       string // opc.tcp://host:port
	ServerName     string
	NamespaceURI   string
	ApplicationURI string

	Interval         time.Duration
	OperationTimeout time.Duration

	ServerCert      string
	ServerKey       string
	TrustStore      []string
	CredentialsFile string
	Policies        []security.Policy
	AuthModes       []security.AuthMode

	ConflictWarnAfter int
	ConflictFailAfter int

	Stack string
}

// ParseParameters builds Parameters from a decoded configuration map. Every
// problem is reported as a *errors.ParameterError naming the key.
//
// Durations accept a Go duration string ("500ms") or a number of seconds.
// trust_store, security_policies and auth_modes accept a single string or a
// list of strings. The gopcua stack defaults to the None policy with
// anonymous sessions, the only settings it can serve without peer checks.
func ParseParameters(raw any) (Parameters, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Parameters{}, errors.NewParameterError("", "expected a key/value mapping, got %T", raw)
	}

	var p Parameters
	endpoint, err := requiredString(m, "endpoint")
	if err != nil {
		return Parameters{}, err
	}
	if p.ServerName, err = requiredString(m, "server_name"); err != nil {
		return Parameters{}, err
	}
	if p.NamespaceURI, err = requiredString(m, "namespace_uri"); err != nil {
		return Parameters{}, err
	}
	p.Endpoint = EndpointScheme + strings.TrimPrefix(endpoint, EndpointScheme)

	for _, s := range []struct {
		key string
		dst *string
	}{
		{"application_uri", &p.ApplicationURI},
		{"server_cert", &p.ServerCert},
		{"server_key", &p.ServerKey},
		{"credentials_file", &p.CredentialsFile},
		{"stack", &p.Stack},
	} {
		if err := checkType[string](m, s.key, "a string"); err != nil {
			return Parameters{}, err
		}
		*s.dst = config.GetString(m, s.key, "")
	}
	if p.ApplicationURI == "" {
		p.ApplicationURI = DefaultApplicationURI()
	}
	if p.Stack == "" {
		p.Stack = StackGopcua
	}

	if p.Interval, err = duration(m, "interval", syncloop.DefaultInterval); err != nil {
		return Parameters{}, err
	}
	if p.OperationTimeout, err = duration(m, "operation_timeout", syncloop.DefaultOperationTimeout); err != nil {
		return Parameters{}, err
	}
	if p.ConflictWarnAfter, err = count(m, "conflict_warn_after", syncloop.DefaultConflictWarnAfter); err != nil {
		return Parameters{}, err
	}
	if p.ConflictFailAfter, err = count(m, "conflict_fail_after", 0); err != nil {
		return Parameters{}, err
	}

	if p.TrustStore, err = stringList(m, "trust_store"); err != nil {
		return Parameters{}, err
	}
	policies, err := stringList(m, "security_policies")
	if err != nil {
		return Parameters{}, err
	}
	for _, s := range policies {
		pol, err := security.ParsePolicy(s)
		if err != nil {
			return Parameters{}, errors.NewParameterError("security_policies", "%v", err)
		}
		p.Policies = append(p.Policies, pol)
	}
	modes, err := stringList(m, "auth_modes")
	if err != nil {
		return Parameters{}, err
	}
	for _, s := range modes {
		mode, err := security.ParseAuthMode(s)
		if err != nil {
			return Parameters{}, errors.NewParameterError("auth_modes", "%v", err)
		}
		p.AuthModes = append(p.AuthModes, mode)
	}

	if p.Stack == StackGopcua {
		if len(p.Policies) == 0 {
			p.Policies = []security.Policy{{Name: security.PolicyNone, Mode: security.ModeNone}}
		}
		if len(p.AuthModes) == 0 {
			p.AuthModes = []security.AuthMode{security.AuthAnonymous}
		}
	}

	if err := p.Validate(); err != nil {
		return Parameters{}, err
	}
	return p, nil
}

// Validate checks the cross-field rules that ParseParameters cannot express
// per key. It is also useful for Parameters assembled in code.
func (p Parameters) Validate() error {
	if _, _, err := gopcuastack.SplitEndpoint(p.Endpoint); err != nil {
		return errors.NewParameterError("endpoint", "%v", err)
	}
	if p.ServerName == "" {
		return errors.NewParameterError("server_name", "must not be empty")
	}
	if p.NamespaceURI == "" {
		return errors.NewParameterError("namespace_uri", "must not be empty")
	}
	if p.Interval <= 0 {
		return errors.NewParameterError("interval", "must be positive, got %s", p.Interval)
	}
	if p.OperationTimeout <= 0 {
		return errors.NewParameterError("operation_timeout", "must be positive, got %s", p.OperationTimeout)
	}
	if p.ConflictWarnAfter < 0 {
		return errors.NewParameterError("conflict_warn_after", "must not be negative")
	}
	if p.ConflictFailAfter < 0 {
		return errors.NewParameterError("conflict_fail_after", "must not be negative")
	}
	if (p.ServerCert == "") != (p.ServerKey == "") {
		return errors.NewParameterError("server_key", "server_cert and server_key must be given together")
	}
	switch p.Stack {
	case StackGopcua:
		return p.validateGopcua()
	case StackMemory:
	default:
		return errors.NewParameterError("stack", "unknown stack %q, expected %s or %s", p.Stack, StackGopcua, StackMemory)
	}
	return nil
}

// validateGopcua rejects settings the gopcua stack would silently leave
// unchecked. An empty policy or auth mode list would fall back to the
// secure manager defaults, so both must be set.
func (p Parameters) validateGopcua() error {
	if len(p.Policies) == 0 {
		return errors.NewParameterError("security_policies", "the gopcua stack needs an explicit policy list")
	}
	if len(p.AuthModes) == 0 {
		return errors.NewParameterError("auth_modes", "the gopcua stack needs an explicit auth mode list")
	}
	if err := gopcuastack.CheckSecurity(p.Policies, nil); err != nil {
		return errors.NewParameterError("security_policies", "%v", err)
	}
	if err := gopcuastack.CheckSecurity(nil, p.AuthModes); err != nil {
		return errors.NewParameterError("auth_modes", "%v", err)
	}
	if len(p.TrustStore) > 0 {
		return errors.NewParameterError("trust_store", "the gopcua stack cannot check client certificates, use the memory stack or remove trust_store")
	}
	if p.CredentialsFile != "" {
		return errors.NewParameterError("credentials_file", "the gopcua stack cannot check user credentials, use the memory stack or remove credentials_file")
	}
	return nil
}

// SecurityConfig returns the security manager configuration.
func (p Parameters) SecurityConfig() security.Config {
	return security.Config{
		CertFile:        p.ServerCert,
		KeyFile:         p.ServerKey,
		TrustDirs:       p.TrustStore,
		CredentialsFile: p.CredentialsFile,
		Policies:        p.Policies,
		AuthModes:       p.AuthModes,
	}
}

// LoopConfig returns the synchronization loop configuration.
func (p Parameters) LoopConfig() syncloop.Config {
	return syncloop.Config{
		NamespaceURI:      p.NamespaceURI,
		Interval:          p.Interval,
		OperationTimeout:  p.OperationTimeout,
		ConflictWarnAfter: p.ConflictWarnAfter,
		ConflictFailAfter: p.ConflictFailAfter,
	}
}

// DefaultApplicationURI returns urn:<hostname>:semstreams:opcua.
func DefaultApplicationURI() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("urn:%s:semstreams:opcua", host)
}

func requiredString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", errors.NewParameterError(key, "required key missing")
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.NewParameterError(key, "expected a string, got %T", v)
	}
	if strings.TrimSpace(s) == "" {
		return "", errors.NewParameterError(key, "must not be empty")
	}
	return s, nil
}

// checkType reports a ParameterError when key is present with a type other
// than T.
func checkType[T any](m map[string]any, key, want string) error {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	if _, ok := v.(T); !ok {
		return errors.NewParameterError(key, "expected %s, got %T", want, v)
	}
	return nil
}

func duration(m map[string]any, key string, def time.Duration) (time.Duration, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, errors.NewParameterError(key, "invalid duration %q", t)
		}
		return d, nil
	case float64, int, int64, json.Number:
		return time.Duration(config.GetFloat64(m, key, 0) * float64(time.Second)), nil
	default:
		return 0, errors.NewParameterError(key, "expected a duration string or seconds, got %T", v)
	}
}

func count(m map[string]any, key string, def int) (int, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case int, int64:
	case json.Number:
		if _, err := t.Int64(); err != nil {
			return 0, errors.NewParameterError(key, "expected a whole number, got %s", t)
		}
	case float64:
		if t != float64(int64(t)) {
			return 0, errors.NewParameterError(key, "expected a whole number, got %v", t)
		}
	default:
		return 0, errors.NewParameterError(key, "expected a number, got %T", v)
	}
	return config.GetInt(m, key, def), nil
}

func stringList(m map[string]any, key string) ([]string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		return []string{s}, nil
	}
	list := config.GetStringSlice(m, key, nil)
	if list == nil {
		return nil, errors.NewParameterError(key, "expected a string or a list of strings, got %T", v)
	}
	return list, nil
}
