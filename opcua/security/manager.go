package security

import (
	"crypto/x509"
	"fmt"
	"log/slog"
	"slices"

	"github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/pkg/tlsutil"
)

// Config lists the security material and the accepted endpoint settings.
type Config struct {
	CertFile        string
	KeyFile         string
	TrustDirs       []string
	CredentialsFile string
	Policies        []Policy
	AuthModes       []AuthMode
}

// Manager owns the server key pair, the trust store and the credential
// verifier. Load runs once at startup; afterwards the manager is read-only
// and safe for concurrent use.
type Manager struct {
	cfg      Config
	verifier CredentialVerifier
	logger   *slog.Logger

	keyPair *tlsutil.KeyPair
	trust   *TrustStore
	loaded  bool
}

// NewManager creates a manager. A nil verifier is replaced by a
// CredentialStore read from cfg.CredentialsFile during Load.
func NewManager(cfg Config, verifier CredentialVerifier, logger *slog.Logger) *Manager {
	if len(cfg.Policies) == 0 {
		cfg.Policies = DefaultPolicies()
	}
	if len(cfg.AuthModes) == 0 {
		cfg.AuthModes = DefaultAuthModes()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, verifier: verifier, logger: logger.With("component", "opcua-security")}
}

// Load reads key material, trust directories and credentials. Every failure
// is fatal and matches errors.ErrSecurityLoad.
func (m *Manager) Load() error {
	if m.loaded {
		return nil
	}

	needKeys := slices.ContainsFunc(m.cfg.Policies, Policy.Secure) || m.AcceptsAuth(AuthCertificate)
	if m.cfg.CertFile != "" || m.cfg.KeyFile != "" || needKeys {
		if m.cfg.CertFile == "" || m.cfg.KeyFile == "" {
			return loadErr(fmt.Errorf("server certificate and key are required for secure endpoints"), "Load", "key pair check")
		}
		kp, err := tlsutil.LoadKeyPair(m.cfg.CertFile, m.cfg.KeyFile)
		if err != nil {
			return loadErr(err, "Load", "load server key pair")
		}
		m.keyPair = kp
	}

	trust, err := LoadTrustStore(m.cfg.TrustDirs...)
	if err != nil {
		return err
	}
	m.trust = trust
	if needKeys && trust.Len() == 0 {
		m.logger.Warn("Trust store is empty, secure connections will be rejected",
			"trust_dirs", m.cfg.TrustDirs)
	}

	if m.verifier == nil && m.AcceptsAuth(AuthUsername) {
		if m.cfg.CredentialsFile == "" {
			return loadErr(fmt.Errorf("username authentication enabled without a credentials file"), "Load", "credentials check")
		}
		store, err := LoadCredentialStore(m.cfg.CredentialsFile)
		if err != nil {
			return err
		}
		m.verifier = store
		m.logger.Info("Loaded credentials", "users", store.Len())
	}

	m.loaded = true
	m.logger.Info("Security material loaded",
		"policies", len(m.cfg.Policies),
		"auth_modes", len(m.cfg.AuthModes),
		"trusted_certificates", trust.Len(),
		"has_key_pair", m.keyPair != nil)
	return nil
}

func loadErr(err error, method, action string) error {
	return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrSecurityLoad, err), "security", method, action)
}

// KeyPair returns the server certificate and key, or nil when only
// unsecured endpoints are configured.
func (m *Manager) KeyPair() *tlsutil.KeyPair {
	return m.keyPair
}

// Policies returns the accepted endpoint policies.
func (m *Manager) Policies() []Policy {
	return slices.Clone(m.cfg.Policies)
}

// AuthModes returns the accepted user token types.
func (m *Manager) AuthModes() []AuthMode {
	return slices.Clone(m.cfg.AuthModes)
}

// AcceptsPolicy reports whether p is offered.
func (m *Manager) AcceptsPolicy(p Policy) bool {
	return slices.Contains(m.cfg.Policies, p)
}

// AcceptsAuth reports whether mode is accepted.
func (m *Manager) AcceptsAuth(mode AuthMode) bool {
	return slices.Contains(m.cfg.AuthModes, mode)
}

// ValidatePeer checks a client certificate against the trust store.
func (m *Manager) ValidatePeer(cert *x509.Certificate) error {
	if m.trust == nil {
		return fmt.Errorf("%w: trust store not loaded", errors.ErrUntrustedPeer)
	}
	return m.trust.Validate(cert)
}

// Authenticate maps a session identity to a role.
func (m *Manager) Authenticate(id Identity, peer *x509.Certificate) (Role, error) {
	if !m.AcceptsAuth(id.Mode) {
		return RoleNone, fmt.Errorf("%w: %s authentication is not enabled", errors.ErrAuthentication, id.Mode)
	}

	switch id.Mode {
	case AuthAnonymous:
		return RoleUser, nil
	case AuthUsername:
		if m.verifier == nil {
			return RoleNone, fmt.Errorf("%w: no credential verifier", errors.ErrAuthentication)
		}
		if role := m.verifier.Verify(id.Username, id.Password); role != RoleNone {
			return role, nil
		}
		return RoleNone, fmt.Errorf("%w: invalid username or password", errors.ErrAuthentication)
	case AuthCertificate:
		if err := m.ValidatePeer(peer); err != nil {
			return RoleNone, fmt.Errorf("%w: %w", errors.ErrAuthentication, err)
		}
		return RoleUser, nil
	default:
		return RoleNone, fmt.Errorf("%w: unknown identity token", errors.ErrAuthentication)
	}
}

// Admit runs the handshake check followed by authentication. A peer that
// fails certificate validation is rejected before its credentials are
// looked at.
func (m *Manager) Admit(req ConnectRequest) (Role, error) {
	if !m.AcceptsPolicy(req.Policy) {
		return RoleNone, fmt.Errorf("%w: security policy %s is not offered", errors.ErrUntrustedPeer, req.Policy)
	}
	if req.Policy.Secure() {
		if err := m.ValidatePeer(req.PeerCertificate); err != nil {
			m.logger.Warn("Rejected client certificate", "policy", req.Policy.String(), "error", err)
			return RoleNone, err
		}
	}

	role, err := m.Authenticate(req.Identity, req.PeerCertificate)
	if err != nil {
		m.logger.Warn("Rejected session identity", "mode", req.Identity.Mode.String(), "username", req.Identity.Username)
		return RoleNone, err
	}
	m.logger.Debug("Session admitted", "policy", req.Policy.String(), "role", role.String())
	return role, nil
}
