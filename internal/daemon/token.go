//go:build cgo

package daemon

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/vocdoni/gofirma/eimzo/internal/logging"
	"github.com/vocdoni/gofirma/eimzo/internal/model"
)

var ErrTokenKeyNotFound = errors.New("token key not found")

// tokenPlugin serves the certkey plugin from a PKCS#11 module. Each token
// is a disk named after its label; the slot id is reported as the path.
type tokenPlugin struct {
	lib  string
	pin  string
	keys *keyring

	mu  sync.Mutex
	ctx *pkcs11.Ctx
}

type tokenObject struct {
	slot uint
	id   []byte
	name string
	cert *x509.Certificate
}

func newTokenPlugin(lib, pin string, keys *keyring) *tokenPlugin {
	return &tokenPlugin{lib: lib, pin: pin, keys: keys}
}

func (p *tokenPlugin) listCertificates(ctx context.Context, args []string) (*model.Response, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: list_certificates expects a disk", ErrBadArguments)
	}
	disk := args[0]
	if p.lib == "" {
		return &model.Response{Certificates: []json.RawMessage{}}, nil
	}
	objs, err := p.scan(ctx, disk)
	if err != nil {
		return nil, err
	}
	certs := make([]json.RawMessage, 0, len(objs))
	for _, o := range objs {
		raw, err := json.Marshal(model.CertKeyCertificate{
			Disk:         disk,
			Path:         strconv.FormatUint(uint64(o.slot), 10),
			Name:         o.name,
			SerialNumber: serialHex(o.cert),
			SubjectName:  tokenSubject(o.cert),
			ValidFrom:    formatDate(o.cert.NotBefore),
			ValidTo:      formatDate(o.cert.NotAfter),
		})
		if err != nil {
			return nil, err
		}
		certs = append(certs, raw)
	}
	return &model.Response{Certificates: certs}, nil
}

func (p *tokenPlugin) loadKey(ctx context.Context, args []string) (*model.Response, error) {
	if len(args) != 4 {
		return nil, fmt.Errorf("%w: load_key expects disk, path, name and serial", ErrBadArguments)
	}
	disk, serial := args[0], args[3]
	if p.lib == "" {
		return nil, fmt.Errorf("%w: no pkcs11 module configured", ErrTokenKeyNotFound)
	}
	objs, err := p.scan(ctx, disk)
	if err != nil {
		return nil, err
	}
	for _, o := range objs {
		if !strings.EqualFold(serialHex(o.cert), serial) {
			continue
		}
		signer := &tokenSigner{plugin: p, slot: o.slot, id: o.id, pub: o.cert.PublicKey}
		id := p.keys.add(loadedKey{signer: signer, cert: o.cert})
		logging.Infof("loaded token key %s on %s as %s", serial, disk, id)
		return &model.Response{KeyID: id}, nil
	}
	return nil, fmt.Errorf("%w: serial %s on %s", ErrTokenKeyNotFound, serial, disk)
}

func (p *tokenPlugin) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return nil
	}
	err := p.ctx.Finalize()
	p.ctx.Destroy()
	p.ctx = nil
	return err
}

// module returns the initialized PKCS#11 context. Callers hold p.mu.
func (p *tokenPlugin) module() (*pkcs11.Ctx, error) {
	if p.ctx != nil {
		return p.ctx, nil
	}
	ctx := pkcs11.New(p.lib)
	if ctx == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 lib: %s", p.lib)
	}
	if err := ctx.Initialize(); err != nil && err != pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
		ctx.Destroy()
		return nil, fmt.Errorf("pkcs11 initialize failed: %w", err)
	}
	p.ctx = ctx
	return ctx, nil
}

func (p *tokenPlugin) labels(ctx context.Context) ([]string, error) {
	if p.lib == "" {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	mod, err := p.module()
	if err != nil {
		return nil, err
	}
	slots, err := mod.GetSlotList(true)
	if err != nil {
		return nil, fmt.Errorf("get slot list: %w", err)
	}
	var out []string
	for _, slot := range slots {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		info, err := mod.GetTokenInfo(slot)
		if err != nil {
			logging.Debugf("GetTokenInfo failed for slot %d: %v", slot, err)
			continue
		}
		if label := strings.TrimSpace(info.Label); label != "" {
			out = append(out, label)
		}
	}
	return out, nil
}

// scan returns the certificates with a matching private key on the tokens
// labelled disk, ignoring case.
func (p *tokenPlugin) scan(ctx context.Context, disk string) ([]tokenObject, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mod, err := p.module()
	if err != nil {
		return nil, err
	}
	slots, err := mod.GetSlotList(true)
	if err != nil {
		return nil, fmt.Errorf("get slot list: %w", err)
	}

	var out []tokenObject
	for _, slot := range slots {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		info, err := mod.GetTokenInfo(slot)
		if err != nil {
			logging.Debugf("GetTokenInfo failed for slot %d: %v", slot, err)
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(info.Label), disk) {
			continue
		}
		objs, err := p.scanSlot(mod, slot)
		if err != nil {
			logging.Warnf("scanning slot %d (%s): %v", slot, disk, err)
			continue
		}
		out = append(out, objs...)
	}
	logging.Debugf("token %s has %d certificates", disk, len(out))
	return out, nil
}

func (p *tokenPlugin) scanSlot(mod *pkcs11.Ctx, slot uint) ([]tokenObject, error) {
	session, err := mod.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer mod.CloseSession(session)
	p.login(mod, session)

	handles, err := findObjects(mod, session, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	}, 1000)
	if err != nil {
		return nil, err
	}

	var out []tokenObject
	for _, h := range handles {
		attrs, err := mod.GetAttributeValue(session, h, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
			pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		})
		if err != nil || len(attrs) < 3 || len(attrs[0].Value) == 0 {
			continue
		}
		cert, err := x509.ParseCertificate(attrs[0].Value)
		if err != nil {
			continue
		}
		keyID := attrs[2].Value
		priv, err := findObjects(mod, session, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_ID, keyID),
		}, 1)
		if err != nil || len(priv) == 0 {
			continue
		}
		out = append(out, tokenObject{slot: slot, id: keyID, name: string(attrs[1].Value), cert: cert})
	}
	return out, nil
}

func (p *tokenPlugin) login(mod *pkcs11.Ctx, session pkcs11.SessionHandle) {
	if p.pin == "" {
		return
	}
	if err := mod.Login(session, pkcs11.CKU_USER, p.pin); err != nil &&
		err != pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
		logging.Debugf("token login failed: %v", err)
	}
}

func findObjects(mod *pkcs11.Ctx, session pkcs11.SessionHandle, tmpl []*pkcs11.Attribute, limit int) ([]pkcs11.ObjectHandle, error) {
	if err := mod.FindObjectsInit(session, tmpl); err != nil {
		return nil, fmt.Errorf("find objects init: %w", err)
	}
	objs, _, err := mod.FindObjects(session, limit)
	if ferr := mod.FindObjectsFinal(session); ferr != nil && err == nil {
		err = ferr
	}
	if err != nil {
		return nil, fmt.Errorf("find objects: %w", err)
	}
	return objs, nil
}

// tokenSigner signs with a private key that never leaves the token.
type tokenSigner struct {
	plugin *tokenPlugin
	slot   uint
	id     []byte
	pub    crypto.PublicKey
}

func (s *tokenSigner) Public() crypto.PublicKey { return s.pub }

func (s *tokenSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	var mech *pkcs11.Mechanism
	switch s.pub.(type) {
	case *rsa.PublicKey:
		prefix, err := digestInfoPrefix(opts.HashFunc())
		if err != nil {
			return nil, err
		}
		digest = append(prefix, digest...)
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
	case *ecdsa.PublicKey:
		mech = pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
	default:
		return nil, fmt.Errorf("unsupported key type %T", s.pub)
	}

	p := s.plugin
	p.mu.Lock()
	defer p.mu.Unlock()
	mod, err := p.module()
	if err != nil {
		return nil, err
	}
	session, err := mod.OpenSession(s.slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer mod.CloseSession(session)
	p.login(mod, session)

	objs, err := findObjects(mod, session, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, s.id),
	}, 1)
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("%w in slot %d", ErrTokenKeyNotFound, s.slot)
	}
	if err := mod.SignInit(session, []*pkcs11.Mechanism{mech}, objs[0]); err != nil {
		return nil, fmt.Errorf("sign init: %w", err)
	}
	sig, err := mod.Sign(session, digest)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	if _, ok := s.pub.(*ecdsa.PublicKey); ok {
		// Tokens return r||s; crypto.Signer callers expect ASN.1.
		if len(sig)%2 != 0 {
			return nil, errors.New("invalid ECDSA signature length")
		}
		n := len(sig) / 2
		r := new(big.Int).SetBytes(sig[:n])
		ss := new(big.Int).SetBytes(sig[n:])
		return asn1.Marshal(struct{ R, S *big.Int }{r, ss})
	}
	return sig, nil
}

var digestOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA1:   {1, 3, 14, 3, 2, 26},
	crypto.SHA256: {2, 16, 840, 1, 101, 3, 4, 2, 1},
	crypto.SHA384: {2, 16, 840, 1, 101, 3, 4, 2, 2},
	crypto.SHA512: {2, 16, 840, 1, 101, 3, 4, 2, 3},
}

// digestInfoPrefix returns the DER DigestInfo header CKM_RSA_PKCS expects
// in front of the raw digest.
func digestInfoPrefix(hash crypto.Hash) ([]byte, error) {
	oid, ok := digestOIDs[hash]
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm: %v", hash)
	}
	full, err := asn1.Marshal(struct {
		Algorithm pkix.AlgorithmIdentifier
		Digest    []byte
	}{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.RawValue{Tag: asn1.TagNull}},
		Digest:    make([]byte, hash.Size()),
	})
	if err != nil {
		return nil, err
	}
	return full[:len(full)-hash.Size()], nil
}
