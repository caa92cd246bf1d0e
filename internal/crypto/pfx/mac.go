package pfx

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"unicode/utf16"
)

// Re-encoding BER changes the AuthenticatedSafe bytes the MAC was computed
// over. recomputeMAC derives the MAC key again (RFC 7292 B.2) and replaces
// the digest so go-pkcs12 accepts the rewritten container.

var oidSHA1 = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}

type pfxPDU struct {
	Version  int
	AuthSafe contentInfo
	MacData  macData `asn1:"optional"`
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"tag:0,explicit,optional"`
}

type macData struct {
	Mac        digestInfo
	MacSalt    []byte
	Iterations int `asn1:"optional,default:1"`
}

type digestInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	Digest    []byte
}

func recomputeMAC(der []byte, password string) ([]byte, error) {
	var pdu pfxPDU
	if _, err := asn1.Unmarshal(der, &pdu); err != nil {
		return nil, err
	}
	if len(pdu.MacData.Mac.Algorithm.Algorithm) == 0 {
		return nil, errors.New("container has no mac")
	}
	if !pdu.MacData.Mac.Algorithm.Algorithm.Equal(oidSHA1) {
		return nil, errors.New("unsupported mac algorithm")
	}

	var authSafe []byte
	if _, err := asn1.Unmarshal(pdu.AuthSafe.Content.Bytes, &authSafe); err != nil {
		return nil, err
	}
	pass, err := bmpPassword(password)
	if err != nil {
		return nil, err
	}
	iterations := pdu.MacData.Iterations
	if iterations < 1 {
		iterations = 1
	}

	key := deriveKey(pdu.MacData.MacSalt, pass, iterations, 3, sha1.Size)
	mac := hmac.New(sha1.New, key)
	mac.Write(authSafe)
	pdu.MacData.Mac.Digest = mac.Sum(nil)
	return asn1.Marshal(pdu)
}

// deriveKey is the PKCS#12 key derivation with SHA-1. id 3 selects MAC keys.
func deriveKey(salt, password []byte, iterations int, id byte, size int) []byte {
	const u, v = sha1.Size, 64

	d := bytes.Repeat([]byte{id}, v)
	i := append(repeatTo(salt, v), repeatTo(password, v)...)

	out := make([]byte, 0, size+u)
	for {
		h := sha1.New()
		h.Write(d)
		h.Write(i)
		a := h.Sum(nil)
		for n := 1; n < iterations; n++ {
			sum := sha1.Sum(a)
			a = sum[:]
		}
		out = append(out, a...)
		if len(out) >= size {
			return out[:size]
		}

		b := repeatTo(a, v)
		for j := 0; j < len(i); j += v {
			addWithCarry(i[j:j+v], b)
		}
	}
}

// repeatTo concatenates copies of src up to the next multiple of v bytes.
func repeatTo(src []byte, v int) []byte {
	if len(src) == 0 {
		return nil
	}
	out := make([]byte, v*((len(src)+v-1)/v))
	for k := range out {
		out[k] = src[k%len(src)]
	}
	return out
}

// addWithCarry sets block to block + b + 1 modulo 2^(8*len(block)).
func addWithCarry(block, b []byte) {
	carry := uint16(1)
	for k := len(block) - 1; k >= 0; k-- {
		sum := uint16(block[k]) + uint16(b[k]) + carry
		block[k] = byte(sum)
		carry = sum >> 8
	}
}

// bmpPassword encodes password as a NUL-terminated big-endian BMPString.
func bmpPassword(password string) ([]byte, error) {
	out := make([]byte, 0, 2*len(password)+2)
	for _, r := range password {
		if r > 0xFFFF {
			return nil, errors.New("password contains characters outside the BMP")
		}
	}
	for _, c := range utf16.Encode([]rune(password)) {
		out = append(out, byte(c>>8), byte(c))
	}
	return append(out, 0, 0), nil
}
