//go:build !cgo

package daemon

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/vocdoni/gofirma/eimzo/internal/model"
)

var ErrTokenKeyNotFound = errors.New("token key not found")

// tokenPlugin is empty when cgo is disabled: PKCS#11 modules cannot be loaded.
type tokenPlugin struct{}

func newTokenPlugin(_, _ string, _ *keyring) *tokenPlugin { return &tokenPlugin{} }

func (p *tokenPlugin) labels(_ context.Context) ([]string, error) { return nil, nil }

func (p *tokenPlugin) listCertificates(_ context.Context, _ []string) (*model.Response, error) {
	return &model.Response{Certificates: []json.RawMessage{}}, nil
}

func (p *tokenPlugin) loadKey(_ context.Context, _ []string) (*model.Response, error) {
	return nil, errors.New("pkcs11 tokens are unavailable in this build (cgo disabled)")
}

func (p *tokenPlugin) close() error { return nil }
