// Package eimzo drives the E-Imzo cryptapi protocol: handshake, key store
// discovery, key loading and PKCS#7 signing.
package eimzo

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vocdoni/gofirma/eimzo/internal/crypto/certs"
	"github.com/vocdoni/gofirma/eimzo/internal/logging"
	"github.com/vocdoni/gofirma/eimzo/internal/model"
	"github.com/vocdoni/gofirma/eimzo/internal/net"
)

var (
	ErrAPIKeyRejected = errors.New("api key rejected by signing service")
	ErrListDisks      = errors.New("failed to load disks")
	ErrLoadKey        = errors.New("load key failed")
	ErrSign           = errors.New("sign failed")
)

// detachedFlag is passed as the third create_pkcs7 argument; "no" embeds the content.
const detachedFlag = "no"

var plugins = []model.Kind{model.KindPFX, model.KindCertKey}

type Client struct {
	Transport net.Transport
	// Host identifies the calling application in the handshake.
	Host   string
	APIKey string
	// Now is used to resolve placeholder validity windows.
	Now func() time.Time
}

func New(t net.Transport, host, apiKey string) *Client {
	return &Client{Transport: t, Host: host, APIKey: apiKey, Now: time.Now}
}

// Handshake registers the API key for Host with the daemon.
func (c *Client) Handshake(ctx context.Context) error {
	resp, err := c.Transport.Do(ctx, model.NewRequest("", model.OpAPIKey, c.Host, c.APIKey))
	if err != nil {
		return err
	}
	if !resp.Success {
		return protocolError(ErrAPIKeyRejected, resp)
	}
	logging.Debugf("api key accepted for %s", c.Host)
	return nil
}

// ListDisks returns the storage locations known to the pfx plugin.
func (c *Client) ListDisks(ctx context.Context) ([]string, error) {
	resp, err := c.Transport.Do(ctx, model.NewRequest(model.PluginPFX, model.OpListDisks))
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, protocolError(ErrListDisks, resp)
	}
	return resp.Disks, nil
}

// ListCertificates enumerates every disk and queries both plugins for each
// of them concurrently. Records keep the daemon's order: by disk, pfx first.
func (c *Client) ListCertificates(ctx context.Context) ([]model.CertificateRecord, error) {
	disks, err := c.ListDisks(ctx)
	if err != nil {
		return nil, err
	}

	results := make([][]model.CertificateRecord, len(disks)*len(plugins))
	g, gctx := errgroup.WithContext(ctx)
	for i, disk := range disks {
		for j, kind := range plugins {
			slot := i*len(plugins) + j
			g.Go(func() error {
				records, err := c.listDisk(gctx, kind, disk)
				if err != nil {
					return err
				}
				results[slot] = records
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []model.CertificateRecord
	for _, records := range results {
		all = append(all, records...)
	}
	logging.Debugf("discovered %d certificates on %d disks", len(all), len(disks))
	return all, nil
}

func (c *Client) listDisk(ctx context.Context, kind model.Kind, disk string) ([]model.CertificateRecord, error) {
	resp, err := c.Transport.Do(ctx, model.NewRequest(kind.Plugin(), model.OpListCertificates, disk))
	if err != nil {
		return nil, fmt.Errorf("list %s certificates on %s: %w", kind, disk, err)
	}
	if !resp.Success && len(resp.Certificates) == 0 {
		logging.Debugf("no %s certificates on %s: %s", kind, disk, resp.Reason)
		return nil, nil
	}

	now := c.now()
	records := make([]model.CertificateRecord, 0, len(resp.Certificates))
	for _, raw := range resp.Certificates {
		rec, err := certs.Parse(kind, raw, now)
		if err != nil {
			logging.Warnf("skipping %s certificate on %s: %v", kind, disk, err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// LoadKey asks the daemon to open the key behind rec and returns its keyId.
func (c *Client) LoadKey(ctx context.Context, rec model.CertificateRecord) (string, error) {
	last := rec.Alias
	if rec.Kind == model.KindCertKey {
		last = rec.SerialNumber
	}
	loc := rec.Location
	resp, err := c.Transport.Do(ctx, model.NewRequest(rec.Kind.Plugin(), model.OpLoadKey, loc.Disk, loc.Path, loc.Name, last))
	if err != nil {
		return "", err
	}
	if !resp.Success || resp.KeyID == "" {
		return "", protocolError(ErrLoadKey, resp)
	}
	return resp.KeyID, nil
}

// CreatePKCS7 signs hash with a loaded key and returns the base64 PKCS#7 blob.
func (c *Client) CreatePKCS7(ctx context.Context, keyID string, hash []byte) (string, error) {
	resp, err := c.Transport.Do(ctx, model.NewRequest(model.PluginPKCS7, model.OpCreatePKCS7, Base64URL(hash), keyID, detachedFlag))
	if err != nil {
		return "", err
	}
	if !resp.Success || resp.PKCS7 == "" {
		return "", protocolError(ErrSign, resp)
	}
	return resp.PKCS7, nil
}

// SignHash loads the key for rec and signs hash with it. Signing is never
// attempted when loading fails.
func (c *Client) SignHash(ctx context.Context, rec model.CertificateRecord, hash []byte) (string, error) {
	keyID, err := c.LoadKey(ctx, rec)
	if err != nil {
		return "", err
	}
	return c.CreatePKCS7(ctx, keyID, hash)
}

// Base64URL encodes b with the URL-safe alphabet and no padding.
func Base64URL(b []byte) string {
	s := base64.StdEncoding.EncodeToString(b)
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	return strings.TrimRight(s, "=")
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func protocolError(sentinel error, resp *model.Response) error {
	if resp.Reason == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, resp.Reason)
}
