// Package app holds the signing store: the discovered certificates and the
// operations the user interface runs against the signing service.
package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vocdoni/gofirma/eimzo/internal/crypto/cms"
	"github.com/vocdoni/gofirma/eimzo/internal/logging"
	"github.com/vocdoni/gofirma/eimzo/internal/model"
	"github.com/vocdoni/gofirma/eimzo/internal/storage"
)

var ErrDisposed = errors.New("signing store disposed")

// Service is the subset of the E-Imzo client the store depends on.
type Service interface {
	Handshake(ctx context.Context) error
	ListCertificates(ctx context.Context) ([]model.CertificateRecord, error)
	LoadKey(ctx context.Context, rec model.CertificateRecord) (string, error)
	CreatePKCS7(ctx context.Context, keyID string, hash []byte) (string, error)
}

// State is a snapshot of the store's loading and error flags.
type State struct {
	Loading bool
	Err     error
}

type Store struct {
	mu       sync.Mutex
	service  Service
	audit    *storage.AuditLogger
	now      func() time.Time
	disposed bool

	loading      bool
	err          error
	certificates []model.CertificateRecord
}

type Option func(*Store)

// WithAudit records every signing attempt in the given journal.
func WithAudit(l *storage.AuditLogger) Option {
	return func(s *Store) { s.audit = l }
}

// WithClock overrides the clock used for validity filtering.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(service Service, opts ...Option) *Store {
	s := &Store{service: service, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init performs the handshake and, when accepted, loads the certificates.
// The failure is kept in State and also returned.
func (s *Store) Init(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}

	err := s.service.Handshake(ctx)
	if err == nil {
		err = s.LoadCertificates(ctx)
	} else {
		err = fmt.Errorf("signing service handshake: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	s.err = err
	if err != nil {
		logging.Errorf("signing store init: %v", err)
		s.certificates = nil
	}
	return err
}

// LoadCertificates replaces the held list with a fresh discovery. On
// failure the previous list is kept.
func (s *Store) LoadCertificates(ctx context.Context) error {
	if s.isDisposed() {
		return ErrDisposed
	}

	records, err := s.service.ListCertificates(ctx)
	if err != nil {
		return fmt.Errorf("load certificates: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.certificates = records
	return nil
}

// ActivateAndSign loads the key for rec and signs hash with it, returning
// the base64 PKCS#7 signature.
func (s *Store) ActivateAndSign(ctx context.Context, rec model.CertificateRecord, hash []byte) (string, error) {
	if s.isDisposed() {
		return "", ErrDisposed
	}

	entry := storage.AuditEntry{
		RequestID:       uuid.New().String(),
		Kind:            rec.Kind.String(),
		SerialNumber:    rec.SerialNumber,
		Owner:           rec.OwnerName,
		TaxOrPersonalID: rec.TaxOrPersonalID,
		HashBase64:      base64.StdEncoding.EncodeToString(hash),
	}

	sig, err := s.sign(ctx, rec, hash)
	if err != nil {
		entry.Status = storage.StatusFailed
		entry.Error = err.Error()
		s.record(entry)
		return "", err
	}

	entry.Status = storage.StatusSigned
	if info, err := cms.Inspect(sig); err == nil {
		entry.SignerSerial = info.SerialNumber
	} else {
		logging.Debugf("signature inspection: %v", err)
	}
	s.record(entry)
	return sig, nil
}

func (s *Store) sign(ctx context.Context, rec model.CertificateRecord, hash []byte) (string, error) {
	keyID, err := s.service.LoadKey(ctx, rec)
	if err != nil {
		return "", err
	}
	return s.service.CreatePKCS7(ctx, keyID, hash)
}

// Certificates returns every discovered record.
func (s *Store) Certificates() []model.CertificateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.CertificateRecord(nil), s.certificates...)
}

// Active returns the records still valid at the time of the call.
func (s *Store) Active() []model.CertificateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var active []model.CertificateRecord
	for _, rec := range s.certificates {
		if rec.IsActive(now) {
			active = append(active, rec)
		}
	}
	return active
}

// Find returns the active record with the given serial number.
func (s *Store) Find(serial string) (model.CertificateRecord, bool) {
	for _, rec := range s.Active() {
		if rec.SerialNumber == serial {
			return rec, true
		}
	}
	return model.CertificateRecord{}, false
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Loading: s.loading, Err: s.err}
}

// Dispose drops all held state. Later calls fail with ErrDisposed.
func (s *Store) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	s.certificates = nil
	s.err = nil
	s.loading = false
	s.audit = nil
}

func (s *Store) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrDisposed
	}
	s.loading = true
	s.err = nil
	return nil
}

func (s *Store) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

func (s *Store) record(entry storage.AuditEntry) {
	s.mu.Lock()
	audit := s.audit
	s.mu.Unlock()
	if audit == nil {
		return
	}
	if err := audit.Log(entry); err != nil {
		logging.Warnf("audit journal: %v", err)
	}
}
