/*
Package certgen creates throwaway signing identities and PFX containers for tests.
*/
package certgen

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"os"
	"path/filepath"
	"time"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

var (
	OIDOrgTIN = asn1.ObjectIdentifier{1, 2, 860, 3, 16, 1, 1}
	OIDPINFL  = asn1.ObjectIdentifier{1, 2, 860, 3, 16, 1, 2}
)

type TestingT interface {
	Helper()
	Fatalf(format string, args ...interface{})
}

type Identity struct {
	Key  *ecdsa.PrivateKey
	Cert *x509.Certificate
}

type Subject struct {
	CommonName   string
	Organization string
	TIN          string
	PINFL        string
	Serial       int64
	NotBefore    time.Time
	NotAfter     time.Time
}

// NewIdentity returns a self-signed P-256 identity for subject.
func NewIdentity(t TestingT, s Subject) Identity {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	name := pkix.Name{CommonName: s.CommonName}
	if s.Organization != "" {
		name.Organization = []string{s.Organization}
	}
	if s.TIN != "" {
		name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: OIDOrgTIN, Value: s.TIN})
	}
	if s.PINFL != "" {
		name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: OIDPINFL, Value: s.PINFL})
	}
	if s.Serial == 0 {
		s.Serial = time.Now().UnixNano()
	}
	if s.NotBefore.IsZero() {
		s.NotBefore = time.Now().Add(-time.Hour)
	}
	if s.NotAfter.IsZero() {
		s.NotAfter = time.Now().AddDate(1, 0, 0)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(s.Serial),
		Subject:      name,
		NotBefore:    s.NotBefore,
		NotAfter:     s.NotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return Identity{Key: key, Cert: cert}
}

// WritePFX stores id as dir/name encrypted with password and returns the path.
func WritePFX(t TestingT, dir, name string, id Identity, password string) string {
	t.Helper()

	data, err := pkcs12.Modern.Encode(id.Key, id.Cert, nil, password)
	if err != nil {
		t.Fatalf("encode pfx: %v", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("create %s: %v", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write pfx: %v", err)
	}
	return path
}
