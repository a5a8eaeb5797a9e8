package security

import (
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/c360/semstreams-opcua/errors"
)

// PolicyURIPrefix is the namespace of the standard OPC UA security policy URIs.
const PolicyURIPrefix = "http://opcfoundation.org/UA/SecurityPolicy#"

// Security policy names.
const (
	PolicyNone           = "None"
	PolicyBasic128Rsa15  = "Basic128Rsa15"
	PolicyBasic256       = "Basic256"
	PolicyBasic256Sha256 = "Basic256Sha256"
)

var policyNames = []string{PolicyNone, PolicyBasic128Rsa15, PolicyBasic256, PolicyBasic256Sha256}

// MessageMode is the message security mode of an endpoint.
type MessageMode int

const (
	ModeNone MessageMode = iota + 1
	ModeSign
	ModeSignAndEncrypt
)

func (m MessageMode) String() string {
	switch m {
	case ModeNone:
		return "None"
	case ModeSign:
		return "Sign"
	case ModeSignAndEncrypt:
		return "SignAndEncrypt"
	default:
		return "Invalid"
	}
}

// Policy pairs a security policy with a message security mode.
type Policy struct {
	Name string
	Mode MessageMode
}

// URI returns the policy URI advertised on the endpoint.
func (p Policy) URI() string {
	return PolicyURIPrefix + p.Name
}

func (p Policy) String() string {
	if p.Name == PolicyNone {
		return PolicyNone
	}
	return p.Name + "_" + p.Mode.String()
}

// Secure reports whether the policy signs messages and therefore exchanges
// certificates during the handshake.
func (p Policy) Secure() bool {
	return p.Name != PolicyNone
}

// DefaultPolicies returns the endpoint policies enabled when none are
// configured, strongest last.
func DefaultPolicies() []Policy {
	return []Policy{
		{PolicyNone, ModeNone},
		{PolicyBasic128Rsa15, ModeSign},
		{PolicyBasic128Rsa15, ModeSignAndEncrypt},
		{PolicyBasic256, ModeSign},
		{PolicyBasic256, ModeSignAndEncrypt},
		{PolicyBasic256Sha256, ModeSign},
		{PolicyBasic256Sha256, ModeSignAndEncrypt},
	}
}

// ParsePolicy accepts "None" or "<Policy>_<Mode>", for example
// "Basic256Sha256_SignAndEncrypt".
func ParsePolicy(s string) (Policy, error) {
	if strings.EqualFold(s, PolicyNone) {
		return Policy{PolicyNone, ModeNone}, nil
	}
	name, mode, ok := strings.Cut(s, "_")
	if !ok {
		return Policy{}, fmt.Errorf("%w: policy %q needs a _Sign or _SignAndEncrypt suffix", errors.ErrInvalidConfig, s)
	}
	p := Policy{}
	for _, n := range policyNames[1:] {
		if strings.EqualFold(n, name) {
			p.Name = n
		}
	}
	switch strings.ToLower(mode) {
	case "sign":
		p.Mode = ModeSign
	case "signandencrypt":
		p.Mode = ModeSignAndEncrypt
	}
	if p.Name == "" || p.Mode == 0 {
		return Policy{}, fmt.Errorf("%w: unknown security policy %q", errors.ErrInvalidConfig, s)
	}
	return p, nil
}

// AuthMode is a user identity token type accepted by the server.
type AuthMode int

const (
	AuthAnonymous AuthMode = iota + 1
	AuthUsername
	AuthCertificate
)

func (a AuthMode) String() string {
	switch a {
	case AuthAnonymous:
		return "anonymous"
	case AuthUsername:
		return "username"
	case AuthCertificate:
		return "certificate"
	default:
		return "invalid"
	}
}

// DefaultAuthModes returns anonymous and username authentication.
func DefaultAuthModes() []AuthMode {
	return []AuthMode{AuthAnonymous, AuthUsername}
}

// ParseAuthMode resolves an auth mode name.
func ParseAuthMode(s string) (AuthMode, error) {
	for _, m := range []AuthMode{AuthAnonymous, AuthUsername, AuthCertificate} {
		if strings.EqualFold(m.String(), s) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown auth mode %q", errors.ErrInvalidConfig, s)
}

// Role is the privilege level granted to a session.
type Role int

const (
	// RoleNone means the identity was rejected.
	RoleNone Role = iota
	RoleUser
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	default:
		return "none"
	}
}

// ParseRole resolves a role name. Only user and admin can be granted.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "user":
		return RoleUser, nil
	case "admin":
		return RoleAdmin, nil
	}
	return RoleNone, fmt.Errorf("%w: unknown role %q", errors.ErrInvalidConfig, s)
}

// Identity is the user token presented when a session is activated.
type Identity struct {
	Mode     AuthMode
	Username string
	Password string
}

// ConnectRequest describes one connection attempt.
type ConnectRequest struct {
	Policy          Policy
	PeerCertificate *x509.Certificate
	Identity        Identity
}
