package daemon

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/vocdoni/gofirma/eimzo/internal/crypto/cms"
	"github.com/vocdoni/gofirma/eimzo/internal/logging"
	"github.com/vocdoni/gofirma/eimzo/internal/model"
)

// createPKCS7 handles [content base64url, keyId, detached]. Content is
// embedded unless detached is "yes".
func (s *Server) createPKCS7(_ context.Context, args []string) (*model.Response, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("%w: create_pkcs7 expects content, keyId and detached flag", ErrBadArguments)
	}
	content, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(args[0], "="))
	if err != nil {
		return nil, fmt.Errorf("%w: content is not base64url: %v", ErrBadArguments, err)
	}
	key, err := s.keys.get(args[1])
	if err != nil {
		return nil, err
	}

	der, err := cms.Sign(key.signer, key.cert, content, cms.SignOpts{
		Detached: args[2] == "yes",
		Chain:    key.chain,
	})
	if err != nil {
		return nil, err
	}
	logging.Infof("signed %d bytes with key %s (serial %s)", len(content), args[1], serialHex(key.cert))
	return &model.Response{
		PKCS7:              base64.StdEncoding.EncodeToString(der),
		SignerSerialNumber: serialHex(key.cert),
	}, nil
}
