// Package cms builds and inspects the PKCS#7 SignedData blobs exchanged with
// the signing service.
package cms

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	"github.com/smallstep/pkcs7"

	"github.com/vocdoni/gofirma/eimzo/internal/logging"
)

type SignOpts struct {
	// Detached leaves the content out of the SignedData.
	Detached bool
	Chain    []*x509.Certificate
}

// Sign produces a DER PKCS#7 SignedData over content with a SHA-256 digest
// and a signingCertificateV2 attribute binding the signer certificate.
func Sign(signer crypto.Signer, cert *x509.Certificate, content []byte, opts SignOpts) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	certHash := sha256.Sum256(cert.Raw)
	signingCertV2, err := asn1.Marshal(SigningCertificateV2{
		Certs: []ESSCertIDv2{{HashAlgorithm: sha256AlgorithmIdentifier(), CertHash: certHash[:]}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signingCertificateV2: %w", err)
	}

	config := pkcs7.SignerInfoConfig{
		ExtraSignedAttributes: []pkcs7.Attribute{{
			Type:  OidSigningCertificateV2,
			Value: asn1.RawValue{FullBytes: signingCertV2},
		}},
	}
	if err := sd.AddSigner(cert, signer, config); err != nil {
		return nil, fmt.Errorf("failed to add signer: %w", err)
	}
	for _, c := range opts.Chain {
		sd.AddCertificate(c)
	}
	if opts.Detached {
		sd.Detach()
	}

	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish signature: %w", err)
	}
	logging.Debugf("pkcs7 signed by %s (%d bytes, detached=%t)", cert.Subject.CommonName, len(der), opts.Detached)
	return der, nil
}
