// Package pfx opens PKCS#12 key containers, including the BER encoded ones
// written by older key management tools.
package pfx

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/vocdoni/gofirma/eimzo/internal/logging"
)

var (
	ErrPasswordRequired = errors.New("container password required")
	ErrWrongPassword    = errors.New("container password incorrect")
	ErrInvalidContainer = errors.New("invalid pfx container")
	ErrUnsupported      = errors.New("unsupported pfx container")
)

// Identity is the signing key and certificates held by a container.
type Identity struct {
	Signer crypto.Signer
	Cert   *x509.Certificate
	Chain  []*x509.Certificate
}

type decodeFunc func(data []byte, password string) (interface{}, *x509.Certificate, []*x509.Certificate, error)

type attempt struct {
	data     []byte
	password string
	// forgedMAC marks payloads whose MAC was recomputed; they can only fail
	// on decryption.
	forgedMAC bool
}

// Decode opens data with password. Passwordless exports are tried as well.
// Failures are reported as one of the package errors.
func Decode(data []byte, password string) (*Identity, error) {
	return decodeWith(pkcs12.DecodeChain, data, password)
}

func decodeWith(decode decodeFunc, data []byte, password string) (*Identity, error) {
	var (
		sawWrongPassword bool
		firstOther       error
	)
	for _, a := range attempts(data, password) {
		priv, cert, chain, err := decode(a.data, a.password)
		if err == nil {
			signer, ok := priv.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("%w: private key %T cannot sign", ErrUnsupported, priv)
			}
			return &Identity{Signer: signer, Cert: cert, Chain: chain}, nil
		}
		if a.forgedMAC || isIncorrectPassword(err) {
			sawWrongPassword = true
		} else if firstOther == nil {
			firstOther = err
		}
	}

	switch {
	case firstOther == nil && sawWrongPassword && strings.TrimSpace(password) == "":
		return nil, ErrPasswordRequired
	case firstOther == nil && sawWrongPassword:
		return nil, ErrWrongPassword
	case firstOther != nil && isInvalidFile(firstOther):
		return nil, fmt.Errorf("%w: %v", ErrInvalidContainer, firstOther)
	case firstOther != nil:
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, firstOther)
	default:
		return nil, ErrInvalidContainer
	}
}

// attempts lists what to feed go-pkcs12, in order: the raw bytes, the DER
// rewrite, then the DER rewrite with a recomputed MAC. Each is tried with
// password and with the empty password.
func attempts(data []byte, password string) []attempt {
	passwords := []string{password}
	if password != "" {
		passwords = append(passwords, "")
	}

	var out []attempt
	seen := make(map[[32]byte]map[string]bool)
	add := func(payload []byte, pass string, forged bool) {
		sum := sha256.Sum256(payload)
		if seen[sum] == nil {
			seen[sum] = make(map[string]bool)
		}
		if seen[sum][pass] {
			return
		}
		seen[sum][pass] = true
		out = append(out, attempt{data: payload, password: pass, forgedMAC: forged})
	}

	for _, pass := range passwords {
		add(data, pass, false)
	}
	der, err := toDER(data)
	if err != nil {
		logging.Debugf("pfx is not valid BER: %v", err)
		return out
	}
	for _, pass := range passwords {
		add(der, pass, false)
	}
	for _, pass := range passwords {
		if fixed, err := recomputeMAC(der, pass); err == nil {
			add(fixed, pass, true)
		}
	}
	return out
}

func isIncorrectPassword(err error) bool {
	if errors.Is(err, pkcs12.ErrIncorrectPassword) || errors.Is(err, pkcs12.ErrDecryption) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "decryption password incorrect") ||
		strings.Contains(msg, "incorrect padding")
}

func isInvalidFile(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"not der", "syntax error", "trailing data", "certificate missing", "private key missing", "error reading p12 data"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
