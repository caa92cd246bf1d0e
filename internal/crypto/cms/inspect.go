package cms

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallstep/pkcs7"
)

var ErrNoSigner = errors.New("signature carries no signer certificate")

// SignatureInfo summarizes a PKCS#7 SignedData.
type SignatureInfo struct {
	SerialNumber string
	CommonName   string
	Organization string
	NotAfter     time.Time
	Attached     bool
	Content      []byte

	p7 *pkcs7.PKCS7
}

// Inspect decodes a base64 (standard or URL alphabet) PKCS#7 blob.
func Inspect(blob string) (*SignatureInfo, error) {
	der, err := decodeBase64(blob)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("invalid pkcs7: %w", err)
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, ErrNoSigner
	}

	info := &SignatureInfo{
		SerialNumber: fmt.Sprintf("%x", signer.SerialNumber),
		CommonName:   signer.Subject.CommonName,
		NotAfter:     signer.NotAfter,
		Attached:     len(p7.Content) > 0,
		Content:      p7.Content,
		p7:           p7,
	}
	if len(signer.Subject.Organization) > 0 {
		info.Organization = signer.Subject.Organization[0]
	}
	return info, nil
}

// Verify checks the signature against the embedded content, or against
// content when the signature is detached. The certificate chain is not
// validated.
func (i *SignatureInfo) Verify(content []byte) error {
	if !i.Attached {
		if content == nil {
			return errors.New("detached signature requires content")
		}
		i.p7.Content = content
	}
	if err := i.p7.Verify(); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.ContainsAny(s, "-_") {
		return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	return base64.StdEncoding.DecodeString(s)
}
