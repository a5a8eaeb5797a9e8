package security

import (
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/pkg/tlsutil"
)

// TrustStore holds directly trusted peer certificates. Membership is by
// exact certificate match; issuer chains are not followed.
type TrustStore struct {
	certs map[[sha256.Size]byte]*x509.Certificate
	now   func() time.Time
}

// NewTrustStore returns a store trusting exactly certs.
func NewTrustStore(certs ...*x509.Certificate) *TrustStore {
	ts := &TrustStore{certs: make(map[[sha256.Size]byte]*x509.Certificate), now: time.Now}
	for _, c := range certs {
		ts.Add(c)
	}
	return ts
}

// LoadTrustStore reads every certificate file in dirs.
func LoadTrustStore(dirs ...string) (*TrustStore, error) {
	ts := NewTrustStore()
	for _, dir := range dirs {
		certs, err := tlsutil.LoadCertificateDir(dir)
		if err != nil {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrSecurityLoad, err),
				"security", "LoadTrustStore", fmt.Sprintf("load trust directory %s", dir))
		}
		for _, c := range certs {
			ts.Add(c)
		}
	}
	return ts, nil
}

// Add trusts c.
func (ts *TrustStore) Add(c *x509.Certificate) {
	ts.certs[sha256.Sum256(c.Raw)] = c
}

// Len returns the number of trusted certificates.
func (ts *TrustStore) Len() int {
	return len(ts.certs)
}

// Contains reports whether c is in the store.
func (ts *TrustStore) Contains(c *x509.Certificate) bool {
	if c == nil {
		return false
	}
	_, ok := ts.certs[sha256.Sum256(c.Raw)]
	return ok
}

// Validate accepts c only if it is trusted, currently valid, and usable by
// an OPC UA client.
func (ts *TrustStore) Validate(c *x509.Certificate) error {
	switch {
	case c == nil:
		return fmt.Errorf("%w: no client certificate presented", errors.ErrUntrustedPeer)
	case !ts.Contains(c):
		return fmt.Errorf("%w: %q is not in the trust store", errors.ErrUntrustedPeer, c.Subject.CommonName)
	}

	now := ts.now()
	if now.Before(c.NotBefore) || now.After(c.NotAfter) {
		return fmt.Errorf("%w: %q is outside its validity period", errors.ErrUntrustedPeer, c.Subject.CommonName)
	}
	if !isClientCertificate(c) {
		return fmt.Errorf("%w: %q is not valid for client authentication", errors.ErrUntrustedPeer, c.Subject.CommonName)
	}
	return nil
}

func isClientCertificate(c *x509.Certificate) bool {
	if c.KeyUsage != 0 && c.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return false
	}
	if len(c.ExtKeyUsage) == 0 && len(c.UnknownExtKeyUsage) == 0 {
		return true
	}
	for _, u := range c.ExtKeyUsage {
		if u == x509.ExtKeyUsageClientAuth || u == x509.ExtKeyUsageAny {
			return true
		}
	}
	return false
}
