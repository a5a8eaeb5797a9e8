package security

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/c360/semstreams-opcua/errors"
)

// CredentialVerifier maps a username/password pair to a role. RoleNone
// means the credentials were rejected.
type CredentialVerifier interface {
	Verify(username, password string) Role
}

// CredentialVerifierFunc adapts a function to CredentialVerifier.
type CredentialVerifierFunc func(username, password string) Role

func (f CredentialVerifierFunc) Verify(username, password string) Role { return f(username, password) }

// UserRecord is one entry of a credentials file.
type UserRecord struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"`
}

type credentialsFile struct {
	Users []UserRecord `yaml:"users"`
}

type credential struct {
	hash []byte
	role Role
}

// CredentialStore verifies passwords against bcrypt hashes.
type CredentialStore struct {
	users map[string]credential
	// compared against for unknown users so that lookups cost the same
	decoy []byte
}

// NewCredentialStore builds a store from records. The decoy hash uses the
// highest cost among the records, or bcrypt.DefaultCost for an empty store.
func NewCredentialStore(records []UserRecord) (*CredentialStore, error) {
	cs := &CredentialStore{users: make(map[string]credential, len(records))}
	decoyCost := 0
	for i, r := range records {
		if r.Username == "" {
			return nil, fmt.Errorf("%w: user %d has no username", errors.ErrInvalidConfig, i)
		}
		if _, dup := cs.users[r.Username]; dup {
			return nil, fmt.Errorf("%w: duplicate user %q", errors.ErrInvalidConfig, r.Username)
		}
		cost, err := bcrypt.Cost([]byte(r.PasswordHash))
		if err != nil {
			return nil, fmt.Errorf("%w: user %q: password_hash is not a bcrypt hash", errors.ErrInvalidConfig, r.Username)
		}
		decoyCost = max(decoyCost, cost)
		role, err := ParseRole(r.Role)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", r.Username, err)
		}
		cs.users[r.Username] = credential{hash: []byte(r.PasswordHash), role: role}
	}
	if decoyCost == 0 {
		decoyCost = bcrypt.DefaultCost
	}
	decoy, err := bcrypt.GenerateFromPassword([]byte("decoy"), decoyCost)
	if err != nil {
		return nil, err
	}
	cs.decoy = decoy
	return cs, nil
}

// LoadCredentialStore reads a YAML credentials file:
//
//	users:
//	  - username: operator
//	    password_hash: $2a$10$...
//	    role: admin
func LoadCredentialStore(path string) (*CredentialStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrSecurityLoad, err),
			"security", "LoadCredentialStore", "read credentials file")
	}
	var f credentialsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrSecurityLoad, err),
			"security", "LoadCredentialStore", "parse credentials file")
	}
	cs, err := NewCredentialStore(f.Users)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrSecurityLoad, err),
			"security", "LoadCredentialStore", "validate credentials file")
	}
	return cs, nil
}

// Verify implements CredentialVerifier.
func (cs *CredentialStore) Verify(username, password string) Role {
	c, ok := cs.users[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(cs.decoy, []byte(password))
		return RoleNone
	}
	if bcrypt.CompareHashAndPassword(c.hash, []byte(password)) != nil {
		return RoleNone
	}
	return c.role
}

// Len returns the number of users.
func (cs *CredentialStore) Len() int {
	return len(cs.users)
}

// HashPassword returns a bcrypt hash suitable for a credentials file.
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", fmt.Errorf("%w: empty password", errors.ErrInvalidData)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
