package app

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vocdoni/gofirma/eimzo/internal/crypto/cms"
	"github.com/vocdoni/gofirma/eimzo/internal/eimzo"
	"github.com/vocdoni/gofirma/eimzo/internal/logging"
	"github.com/vocdoni/gofirma/eimzo/internal/model"
	"github.com/vocdoni/gofirma/eimzo/internal/storage"
	"github.com/vocdoni/gofirma/eimzo/internal/testing/certgen"
)

type fakeService struct {
	mu           sync.Mutex
	handshakeErr error
	records      []model.CertificateRecord
	listErr      error
	loadErr      error
	signature    string
	signCalls    int
}

func (f *fakeService) Handshake(context.Context) error { return f.handshakeErr }

func (f *fakeService) ListCertificates(context.Context) ([]model.CertificateRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]model.CertificateRecord(nil), f.records...), nil
}

func (f *fakeService) LoadKey(context.Context, model.CertificateRecord) (string, error) {
	if f.loadErr != nil {
		return "", f.loadErr
	}
	return "key-1", nil
}

func (f *fakeService) CreatePKCS7(_ context.Context, keyID string, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signCalls++
	return f.signature, nil
}

// blockingService holds Handshake until release is closed.
type blockingService struct {
	*fakeService
	entered chan struct{}
	release chan struct{}
}

func (b blockingService) Handshake(ctx context.Context) error {
	close(b.entered)
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func records() []model.CertificateRecord {
	return []model.CertificateRecord{
		{SerialNumber: "expired", ValidTo: testNow.Add(-time.Hour)},
		{SerialNumber: "boundary", ValidTo: testNow},
		{SerialNumber: "valid", ValidTo: testNow.Add(time.Hour)},
	}
}

func TestInit(t *testing.T) {
	svc := &fakeService{records: records()}
	s := New(svc, WithClock(func() time.Time { return testNow }))

	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if st := s.State(); st.Loading || st.Err != nil {
		t.Fatalf("unexpected state: %+v", st)
	}
	if n := len(s.Certificates()); n != 3 {
		t.Fatalf("expected 3 certificates, got %d", n)
	}

	active := s.Active()
	if len(active) != 1 || active[0].SerialNumber != "valid" {
		t.Fatalf("unexpected active view: %+v", active)
	}
	if _, ok := s.Find("boundary"); ok {
		t.Fatal("record expiring now must not be selectable")
	}
	if _, ok := s.Find("valid"); !ok {
		t.Fatal("valid record not found")
	}
}

func TestInitHandshakeRejected(t *testing.T) {
	svc := &fakeService{handshakeErr: eimzo.ErrAPIKeyRejected, records: records()}
	s := New(svc)

	err := s.Init(context.Background())
	if !errors.Is(err, eimzo.ErrAPIKeyRejected) {
		t.Fatalf("expected ErrAPIKeyRejected, got %v", err)
	}
	st := s.State()
	if st.Loading || !errors.Is(st.Err, eimzo.ErrAPIKeyRejected) {
		t.Fatalf("unexpected state: %+v", st)
	}
	if len(s.Certificates()) != 0 {
		t.Fatal("certificates loaded after rejected handshake")
	}
}

func TestLoadCertificatesKeepsPreviousListOnFailure(t *testing.T) {
	svc := &fakeService{records: records()}
	s := New(svc)
	if err := s.LoadCertificates(context.Background()); err != nil {
		t.Fatalf("LoadCertificates failed: %v", err)
	}

	svc.listErr = eimzo.ErrListDisks
	if err := s.LoadCertificates(context.Background()); !errors.Is(err, eimzo.ErrListDisks) {
		t.Fatalf("expected ErrListDisks, got %v", err)
	}
	if n := len(s.Certificates()); n != 3 {
		t.Fatalf("previous list lost: %d records", n)
	}

	svc.listErr = nil
	svc.records = records()[:1]
	if err := s.LoadCertificates(context.Background()); err != nil {
		t.Fatalf("LoadCertificates failed: %v", err)
	}
	if n := len(s.Certificates()); n != 1 {
		t.Fatalf("list not replaced: %d records", n)
	}
}

func TestActivateAndSignLoadKeyFailure(t *testing.T) {
	dir := t.TempDir()
	audit, err := storage.NewAuditLogger(dir)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	svc := &fakeService{loadErr: eimzo.ErrLoadKey, signature: "unused"}
	s := New(svc, WithAudit(audit))

	_, err = s.ActivateAndSign(context.Background(), model.CertificateRecord{SerialNumber: "valid"}, []byte("h"))
	if !errors.Is(err, eimzo.ErrLoadKey) {
		t.Fatalf("expected ErrLoadKey, got %v", err)
	}
	if svc.signCalls != 0 {
		t.Fatalf("sign called %d times", svc.signCalls)
	}

	entries, err := audit.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != storage.StatusFailed || entries[0].SerialNumber != "valid" {
		t.Fatalf("unexpected audit entries: %+v", entries)
	}
}

func TestActivateAndSign(t *testing.T) {
	id := certgen.NewIdentity(t, certgen.Subject{CommonName: "Ali Valiyev", Serial: 0xabc})
	der, err := cms.Sign(id.Key, id.Cert, []byte("hash"), cms.SignOpts{})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	audit, err := storage.NewAuditLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	svc := &fakeService{signature: base64.StdEncoding.EncodeToString(der)}
	s := New(svc, WithAudit(audit))

	sig, err := s.ActivateAndSign(context.Background(), model.CertificateRecord{SerialNumber: "abc"}, []byte("hash"))
	if err != nil {
		t.Fatalf("ActivateAndSign failed: %v", err)
	}
	if sig != svc.signature {
		t.Fatal("signature not returned unchanged")
	}

	entries, _ := audit.ReadAll()
	if len(entries) != 1 || entries[0].Status != storage.StatusSigned || entries[0].SignerSerial != "abc" {
		t.Fatalf("unexpected audit entries: %+v", entries)
	}
	if entries[0].HashBase64 != base64.StdEncoding.EncodeToString([]byte("hash")) || entries[0].RequestID == "" {
		t.Fatalf("unexpected audit entry: %+v", entries[0])
	}
}

func TestDispose(t *testing.T) {
	s := New(&fakeService{records: records()})
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	s.Dispose()

	if len(s.Certificates()) != 0 {
		t.Fatal("certificates kept after dispose")
	}
	if err := s.Init(context.Background()); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Init after dispose: %v", err)
	}
	if err := s.LoadCertificates(context.Background()); !errors.Is(err, ErrDisposed) {
		t.Fatalf("LoadCertificates after dispose: %v", err)
	}
	if _, err := s.ActivateAndSign(context.Background(), model.CertificateRecord{}, nil); !errors.Is(err, ErrDisposed) {
		t.Fatalf("ActivateAndSign after dispose: %v", err)
	}
}

func TestInitReportsLoading(t *testing.T) {
	svc := blockingService{
		fakeService: &fakeService{records: records()},
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	s := New(svc)

	done := make(chan error, 1)
	go func() { done <- s.Init(context.Background()) }()

	<-svc.entered
	if st := s.State(); !st.Loading {
		t.Fatalf("expected loading during init, got %+v", st)
	}
	close(svc.release)

	if err := <-done; err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if st := s.State(); st.Loading {
		t.Fatalf("expected loading cleared, got %+v", st)
	}
}

func TestInitLogsLoadFailureOnce(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	prev := logging.L
	logging.SetLogger(zap.New(core))
	t.Cleanup(func() { logging.SetLogger(prev) })

	svc := &fakeService{listErr: eimzo.ErrListDisks}
	s := New(svc)
	if err := s.Init(context.Background()); !errors.Is(err, eimzo.ErrListDisks) {
		t.Fatalf("expected ErrListDisks, got %v", err)
	}

	if n := logs.FilterLevelExact(zap.WarnLevel).Len() + logs.FilterLevelExact(zap.ErrorLevel).Len(); n != 1 {
		t.Fatalf("expected the failure logged once, got %d entries: %v", n, logs.All())
	}
}
