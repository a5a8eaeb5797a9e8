// Package tlsutil loads certificates and key material from disk.
package tlsutil

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/pkg/security"
)

// certExtensions lists the file suffixes read from trust store directories.
var certExtensions = map[string]bool{".pem": true, ".crt": true, ".cer": true, ".der": true}

// KeyPair is a leaf certificate with its RSA private key.
type KeyPair struct {
	Certificate *x509.Certificate
	DER         []byte
	Key         *rsa.PrivateKey
}

// LoadKeyPair reads a certificate and an RSA private key. Both PEM and DER
// encodings are accepted; keys may be PKCS#1 or PKCS#8.
func LoadKeyPair(certFile, keyFile string) (*KeyPair, error) {
	certs, err := LoadCertificates(certFile)
	if err != nil {
		return nil, err
	}

	keyData, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadKeyPair", fmt.Sprintf("read key file %s", keyFile))
	}
	key, err := parseRSAKey(keyData)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadKeyPair", fmt.Sprintf("parse key file %s", keyFile))
	}

	leaf := certs[0]
	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok || pub.N.Cmp(key.N) != 0 {
		return nil, errors.WrapFatal(fmt.Errorf("private key does not match certificate"),
			"tlsutil", "LoadKeyPair", "match key pair")
	}
	return &KeyPair{Certificate: leaf, DER: leaf.Raw, Key: key}, nil
}

// TLSCertificate converts the pair for use with crypto/tls.
func (kp *KeyPair) TLSCertificate() tls.Certificate {
	return tls.Certificate{Certificate: [][]byte{kp.DER}, PrivateKey: kp.Key, Leaf: kp.Certificate}
}

// LoadCertificates reads every certificate in a PEM or DER file.
func LoadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadCertificates", fmt.Sprintf("read certificate %s", path))
	}
	certs, err := parseCertificates(data)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadCertificates", fmt.Sprintf("parse certificate %s", path))
	}
	return certs, nil
}

// LoadCertificateDir reads all certificate files directly inside dir, in
// lexical order. Subdirectories and other files are ignored.
func LoadCertificateDir(dir string) ([]*x509.Certificate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadCertificateDir", fmt.Sprintf("read directory %s", dir))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []*x509.Certificate
	for _, e := range entries {
		if e.IsDir() || !certExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		certs, err := LoadCertificates(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, certs...)
	}
	return out, nil
}

func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	if !isPEM(data) {
		return x509.ParseCertificates(data)
	}
	var certs []*x509.Certificate
	for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no CERTIFICATE block found")
	}
	return certs, nil
}

func parseRSAKey(data []byte) (*rsa.PrivateKey, error) {
	der := data
	if isPEM(data) {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("invalid PEM data")
		}
		der = block.Bytes
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("unsupported private key encoding: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, RSA required", parsed)
	}
	return key, nil
}

func isPEM(data []byte) bool {
	return strings.HasPrefix(strings.TrimSpace(string(data)), "-----BEGIN")
}

// LoadClientTLSConfig creates a tls.Config for outbound connections. The
// system CA bundle is used as the base pool.
func LoadClientTLSConfig(cfg security.ClientTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	for _, caFile := range cfg.CAFiles {
		certs, err := LoadCertificates(caFile)
		if err != nil {
			return nil, err
		}
		for _, c := range certs {
			rootCAs.AddCert(c)
		}
	}

	tlsConfig := &tls.Config{
		RootCAs:            rootCAs,
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// parseTLSVersion returns tls.VersionTLS12 unless "1.3" is requested.
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
