package cms

import (
	"crypto/x509/pkix"
	"encoding/asn1"
)

var (
	// id-aa-signingCertificateV2
	OidSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
	OidSHA256               = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
)

type SigningCertificateV2 struct {
	Certs []ESSCertIDv2
}

type ESSCertIDv2 struct {
	HashAlgorithm pkix.AlgorithmIdentifier `asn1:"default:sha256"`
	CertHash      []byte
}

func sha256AlgorithmIdentifier() pkix.AlgorithmIdentifier {
	return pkix.AlgorithmIdentifier{
		Algorithm:  OidSHA256,
		Parameters: asn1.NullRawValue,
	}
}
