package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vocdoni/gofirma/eimzo/internal/logging"
)

const (
	StatusSigned = "signed"
	StatusFailed = "failed"
)

// AuditEntry describes one signing attempt.
type AuditEntry struct {
	Timestamp       string `json:"timestamp"`
	RequestID       string `json:"requestId"`
	Kind            string `json:"kind"`
	SerialNumber    string `json:"serialNumber"`
	Owner           string `json:"owner,omitempty"`
	TaxOrPersonalID string `json:"taxOrPersonalId,omitempty"`
	HashBase64      string `json:"hashBase64"`
	SignerSerial    string `json:"signerSerial,omitempty"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
}

// AuditLogger appends entries to a JSON lines journal.
type AuditLogger struct {
	mu       sync.Mutex
	filePath string
	now      func() time.Time
}

func NewAuditLogger(dir string) (*AuditLogger, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return &AuditLogger{
		filePath: filepath.Join(dir, "audit.jsonl"),
		now:      time.Now,
	}, nil
}

func (l *AuditLogger) Path() string {
	return l.filePath
}

func (l *AuditLogger) Log(entry AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Timestamp = l.now().UTC().Format(time.RFC3339)
	logging.Debugf("audit: request=%s serial=%s status=%s", entry.RequestID, entry.SerialNumber, entry.Status)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(l.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	return nil
}

// ReadAll returns the journal in append order, skipping unreadable lines.
func (l *AuditLogger) ReadAll() ([]AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []AuditEntry{}, nil
		}
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	defer f.Close()

	entries := []AuditEntry{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit file: %w", err)
	}
	return entries, nil
}
