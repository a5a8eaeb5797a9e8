package security

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/testutil"
)

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"None", Policy{PolicyNone, ModeNone}, false},
		{"Basic256Sha256_SignAndEncrypt", Policy{PolicyBasic256Sha256, ModeSignAndEncrypt}, false},
		{"basic128rsa15_sign", Policy{PolicyBasic128Rsa15, ModeSign}, false},
		{"Basic256", Policy{}, true},
		{"Aes256_Sign", Policy{}, true},
		{"Basic256_Encrypt", Policy{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultPolicies(t *testing.T) {
	policies := DefaultPolicies()
	require.Len(t, policies, 7)
	assert.Equal(t, "None", policies[0].String())
	assert.Equal(t, "Basic256Sha256_SignAndEncrypt", policies[6].String())
	assert.Equal(t, "http://opcfoundation.org/UA/SecurityPolicy#Basic256", policies[3].URI())

	for _, p := range policies {
		round, err := ParsePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, round)
	}
}

func TestParseAuthModeAndRole(t *testing.T) {
	m, err := ParseAuthMode("Username")
	require.NoError(t, err)
	assert.Equal(t, AuthUsername, m)

	_, err = ParseAuthMode("kerberos")
	assert.Error(t, err)

	r, err := ParseRole("admin")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, r)

	_, err = ParseRole("none")
	assert.Error(t, err, "RoleNone cannot be granted")
}

func writeCredentials(t *testing.T, dir string) string {
	t.Helper()
	adminHash, err := HashPassword("admin-secret")
	require.NoError(t, err)
	userHash, err := HashPassword("user-secret")
	require.NoError(t, err)

	path := filepath.Join(dir, "users.yaml")
	content := "users:\n" +
		"  - username: admin\n    password_hash: " + adminHash + "\n    role: admin\n" +
		"  - username: user\n    password_hash: " + userHash + "\n    role: user\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCredentialStore(t *testing.T) {
	store, err := LoadCredentialStore(writeCredentials(t, t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())

	tests := []struct {
		user, pass string
		want       Role
	}{
		{"admin", "admin-secret", RoleAdmin},
		{"user", "user-secret", RoleUser},
		{"admin", "user-secret", RoleNone},
		{"ghost", "admin-secret", RoleNone},
		{"", "", RoleNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, store.Verify(tt.user, tt.pass), "%s/%s", tt.user, tt.pass)
	}
}

func TestCredentialStore_DecoyCost(t *testing.T) {
	empty, err := NewCredentialStore(nil)
	require.NoError(t, err)
	cost, err := bcrypt.Cost(empty.decoy)
	require.NoError(t, err)
	assert.Equal(t, bcrypt.DefaultCost, cost)

	// Unknown users must cost as much as the most expensive stored hash.
	cheap, err := bcrypt.GenerateFromPassword([]byte("a"), bcrypt.MinCost)
	require.NoError(t, err)
	dear, err := bcrypt.GenerateFromPassword([]byte("b"), bcrypt.DefaultCost+1)
	require.NoError(t, err)
	store, err := NewCredentialStore([]UserRecord{
		{Username: "a", PasswordHash: string(cheap), Role: "user"},
		{Username: "b", PasswordHash: string(dear), Role: "admin"},
	})
	require.NoError(t, err)
	cost, err = bcrypt.Cost(store.decoy)
	require.NoError(t, err)
	assert.Equal(t, bcrypt.DefaultCost+1, cost)
	assert.Equal(t, RoleNone, store.Verify("ghost", "b"))
}

func TestCredentialStore_Invalid(t *testing.T) {
	hash, err := HashPassword("pw")
	require.NoError(t, err)

	tests := []struct {
		name    string
		records []UserRecord
	}{
		{"plaintext password", []UserRecord{{Username: "a", PasswordHash: "pw", Role: "user"}}},
		{"unknown role", []UserRecord{{Username: "a", PasswordHash: hash, Role: "root"}}},
		{"duplicate", []UserRecord{{Username: "a", PasswordHash: hash, Role: "user"}, {Username: "a", PasswordHash: hash, Role: "admin"}}},
		{"no username", []UserRecord{{PasswordHash: hash, Role: "user"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCredentialStore(tt.records)
			assert.Error(t, err)
		})
	}

	_, err = LoadCredentialStore(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, errors.ErrSecurityLoad)
	assert.True(t, errors.IsFatal(err))
}

type fixture struct {
	manager *Manager
	trusted testutil.Cert
	strange testutil.Cert
}

func newFixture(t *testing.T, modes ...AuthMode) fixture {
	t.Helper()
	dir := t.TempDir()
	trustDir := filepath.Join(dir, "trusted")
	require.NoError(t, os.Mkdir(trustDir, 0o755))

	server := testutil.GenerateCert(t, dir, "server", testutil.CertOptions{})
	trusted := testutil.GenerateCert(t, trustDir, "client", testutil.CertOptions{ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}})
	strange := testutil.GenerateCert(t, dir, "stranger", testutil.CertOptions{})

	m := NewManager(Config{
		CertFile:        server.CertFile,
		KeyFile:         server.KeyFile,
		TrustDirs:       []string{trustDir},
		CredentialsFile: writeCredentials(t, dir),
		AuthModes:       modes,
	}, nil, nil)
	require.NoError(t, m.Load())
	return fixture{manager: m, trusted: trusted, strange: strange}
}

func TestManager_Load(t *testing.T) {
	f := newFixture(t)

	require.NotNil(t, f.manager.KeyPair())
	assert.Equal(t, "server", f.manager.KeyPair().Certificate.Subject.CommonName)
	assert.Len(t, f.manager.Policies(), 7)
	assert.True(t, f.manager.AcceptsAuth(AuthAnonymous))
	assert.True(t, f.manager.AcceptsAuth(AuthUsername))
	assert.False(t, f.manager.AcceptsAuth(AuthCertificate))
}

func TestManager_LoadFailures(t *testing.T) {
	dir := t.TempDir()
	server := testutil.GenerateCert(t, dir, "server", testutil.CertOptions{})
	creds := writeCredentials(t, dir)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing key for secure policy", Config{CertFile: server.CertFile, CredentialsFile: creds}},
		{"unreadable certificate", Config{CertFile: filepath.Join(dir, "nope.pem"), KeyFile: server.KeyFile, CredentialsFile: creds}},
		{"missing trust dir", Config{CertFile: server.CertFile, KeyFile: server.KeyFile, TrustDirs: []string{filepath.Join(dir, "nope")}, CredentialsFile: creds}},
		{"username without credentials", Config{CertFile: server.CertFile, KeyFile: server.KeyFile}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewManager(tt.cfg, nil, nil).Load()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrSecurityLoad)
			assert.True(t, errors.IsFatal(err))
		})
	}
}

func TestManager_UnsecuredOnlyNeedsNoKeys(t *testing.T) {
	m := NewManager(Config{
		Policies:  []Policy{{PolicyNone, ModeNone}},
		AuthModes: []AuthMode{AuthAnonymous},
	}, nil, nil)

	require.NoError(t, m.Load())
	assert.Nil(t, m.KeyPair())
}

func TestManager_ValidatePeer(t *testing.T) {
	f := newFixture(t)

	assert.NoError(t, f.manager.ValidatePeer(f.trusted.Certificate))
	assert.ErrorIs(t, f.manager.ValidatePeer(f.strange.Certificate), errors.ErrUntrustedPeer)
	assert.ErrorIs(t, f.manager.ValidatePeer(nil), errors.ErrUntrustedPeer)
}

func TestTrustStore_RejectsUnusableCertificates(t *testing.T) {
	dir := t.TempDir()
	serverOnly := testutil.GenerateCert(t, dir, "server-only", testutil.CertOptions{ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}})
	expired := testutil.GenerateCert(t, dir, "expired", testutil.CertOptions{
		NotBefore: time.Now().Add(-48 * time.Hour),
		NotAfter:  time.Now().Add(-24 * time.Hour),
	})

	ts := NewTrustStore(serverOnly.Certificate, expired.Certificate)
	assert.Equal(t, 2, ts.Len())
	assert.ErrorIs(t, ts.Validate(serverOnly.Certificate), errors.ErrUntrustedPeer)
	assert.ErrorIs(t, ts.Validate(expired.Certificate), errors.ErrUntrustedPeer)
}

func TestManager_Admit(t *testing.T) {
	f := newFixture(t)
	secure := Policy{PolicyBasic256Sha256, ModeSignAndEncrypt}
	none := Policy{PolicyNone, ModeNone}

	tests := []struct {
		name    string
		req     ConnectRequest
		want    Role
		wantErr error
	}{
		{
			name: "trusted peer with admin credentials",
			req:  ConnectRequest{secure, f.trusted.Certificate, Identity{AuthUsername, "admin", "admin-secret"}},
			want: RoleAdmin,
		},
		{
			name: "trusted peer with user credentials",
			req:  ConnectRequest{secure, f.trusted.Certificate, Identity{AuthUsername, "user", "user-secret"}},
			want: RoleUser,
		},
		{
			name:    "trusted peer with wrong password",
			req:     ConnectRequest{secure, f.trusted.Certificate, Identity{AuthUsername, "admin", "wrong"}},
			wantErr: errors.ErrAuthentication,
		},
		{
			name:    "untrusted peer with valid credentials",
			req:     ConnectRequest{secure, f.strange.Certificate, Identity{AuthUsername, "admin", "admin-secret"}},
			wantErr: errors.ErrUntrustedPeer,
		},
		{
			name:    "secure policy without certificate",
			req:     ConnectRequest{secure, nil, Identity{AuthAnonymous, "", ""}},
			wantErr: errors.ErrUntrustedPeer,
		},
		{
			name: "anonymous on unsecured endpoint",
			req:  ConnectRequest{none, nil, Identity{AuthAnonymous, "", ""}},
			want: RoleUser,
		},
		{
			name:    "unknown user on unsecured endpoint",
			req:     ConnectRequest{none, nil, Identity{AuthUsername, "ghost", "x"}},
			wantErr: errors.ErrAuthentication,
		},
		{
			name:    "certificate token not enabled",
			req:     ConnectRequest{secure, f.trusted.Certificate, Identity{Mode: AuthCertificate}},
			wantErr: errors.ErrAuthentication,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role, err := f.manager.Admit(tt.req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, RoleNone, role)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, role)
		})
	}
}

func TestManager_AdmitRestrictedModes(t *testing.T) {
	f := newFixture(t, AuthUsername, AuthCertificate)
	secure := Policy{PolicyBasic256, ModeSign}

	_, err := f.manager.Admit(ConnectRequest{secure, f.trusted.Certificate, Identity{Mode: AuthAnonymous}})
	assert.ErrorIs(t, err, errors.ErrAuthentication, "anonymous is rejected when not enabled")

	role, err := f.manager.Admit(ConnectRequest{secure, f.trusted.Certificate, Identity{Mode: AuthCertificate}})
	require.NoError(t, err)
	assert.Equal(t, RoleUser, role)

	_, err = f.manager.Admit(ConnectRequest{Policy{PolicyNone, ModeNone}, f.strange.Certificate, Identity{Mode: AuthCertificate}})
	assert.ErrorIs(t, err, errors.ErrAuthentication)
}
