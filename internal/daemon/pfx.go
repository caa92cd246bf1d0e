package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vocdoni/gofirma/eimzo/internal/crypto/pfx"
	"github.com/vocdoni/gofirma/eimzo/internal/logging"
	"github.com/vocdoni/gofirma/eimzo/internal/model"
)

// keysDir is the directory on each disk holding PFX containers.
const keysDir = "DSKEYS"

var (
	ErrUnknownDisk   = errors.New("unknown disk")
	ErrAliasMismatch = errors.New("alias does not match container")
)

type pfxPlugin struct {
	disks     map[string]string
	passwords map[string]string
	keys      *keyring
}

func newPFXPlugin(disks, passwords map[string]string, keys *keyring) *pfxPlugin {
	return &pfxPlugin{disks: disks, passwords: passwords, keys: keys}
}

func (p *pfxPlugin) diskNames() []string {
	names := make([]string, 0, len(p.disks))
	for name := range p.disks {
		names = append(names, name)
	}
	return names
}

func (p *pfxPlugin) listCertificates(ctx context.Context, args []string) (*model.Response, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: list_certificates expects a disk", ErrBadArguments)
	}
	disk := args[0]
	root, err := p.diskRoot(disk)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(root, keysDir))
	if errors.Is(err, os.ErrNotExist) {
		return &model.Response{Certificates: []json.RawMessage{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", disk, err)
	}

	certs := []json.RawMessage{}
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".pfx") {
			continue
		}
		id, err := p.open(root, keysDir, e.Name())
		if err != nil {
			logging.Warnf("skipping %s on %s: %v", e.Name(), disk, err)
			continue
		}
		raw, err := json.Marshal(model.PFXCertificate{
			Disk:  disk,
			Path:  keysDir,
			Name:  e.Name(),
			Alias: pfxAlias(id.Cert),
		})
		if err != nil {
			return nil, err
		}
		certs = append(certs, raw)
	}
	logging.Debugf("disk %s has %d pfx containers", disk, len(certs))
	return &model.Response{Certificates: certs}, nil
}

func (p *pfxPlugin) loadKey(_ context.Context, args []string) (*model.Response, error) {
	if len(args) != 4 {
		return nil, fmt.Errorf("%w: load_key expects disk, path, name and alias", ErrBadArguments)
	}
	disk, dir, name, alias := args[0], args[1], args[2], args[3]
	root, err := p.diskRoot(disk)
	if err != nil {
		return nil, err
	}
	id, err := p.open(root, dir, name)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(alias, pfxAlias(id.Cert)) {
		return nil, ErrAliasMismatch
	}
	keyID := p.keys.add(loadedKey{signer: id.Signer, cert: id.Cert, chain: id.Chain})
	logging.Infof("loaded pfx key %s/%s/%s as %s", disk, dir, name, keyID)
	return &model.Response{KeyID: keyID}, nil
}

func (p *pfxPlugin) diskRoot(disk string) (string, error) {
	root, ok := p.disks[disk]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownDisk, disk)
	}
	return root, nil
}

// open reads root/dir/name. Both dir and name must stay inside root.
func (p *pfxPlugin) open(root, dir, name string) (*pfx.Identity, error) {
	if name != filepath.Base(name) || dir != keysDir {
		return nil, fmt.Errorf("%w: %s/%s", pfx.ErrInvalidContainer, dir, name)
	}
	data, err := os.ReadFile(filepath.Join(root, dir, name))
	if err != nil {
		return nil, err
	}
	return pfx.Decode(data, p.password(name))
}

// password looks the container up by file name. Config map keys can come
// back lowercased so the match ignores case.
func (p *pfxPlugin) password(name string) string {
	if pw, ok := p.passwords[name]; ok {
		return pw
	}
	for k, pw := range p.passwords {
		if strings.EqualFold(k, name) {
			return pw
		}
	}
	return ""
}
