package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vocdoni/gofirma/eimzo/internal/crypto/cms"
)

var ErrCertificateNotFound = errors.New("certificate not found")

type signOptions struct {
	Serial string
	Hash   string
	File   string
	Verify bool
}

type signatureRow struct {
	Signer       string `header:"SIGNER"`
	Organization string `header:"ORGANIZATION"`
	Serial       string `header:"SERIAL"`
	NotAfter     string `header:"NOT AFTER"`
	Attached     bool   `header:"ATTACHED"`
}

func newSignCmd(cli *CLI) *cobra.Command {
	var opts signOptions

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a hash with a certificate from the signing service",
		Example: `# Sign the SHA-256 of a file
$ eimzo sign --serial 2a5f --file contract.pdf

# Sign a precomputed hex hash and show the result
$ eimzo sign --serial 2a5f --hash 9f86d081... --verify`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSign(cmd, cli, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Serial, "serial", "", "Serial number of the signing certificate")
	flags.StringVar(&opts.Hash, "hash", "", "Hex encoded hash to sign")
	flags.StringVar(&opts.File, "file", "", "File whose SHA-256 is signed")
	flags.BoolVar(&opts.Verify, "verify", false, "Inspect and verify the signature")
	_ = cmd.MarkFlagRequired("serial")
	cmd.MarkFlagsMutuallyExclusive("hash", "file")
	cmd.MarkFlagsOneRequired("hash", "file")
	return cmd
}

func runSign(cmd *cobra.Command, cli *CLI, opts signOptions) error {
	hash, err := resolveHash(opts)
	if err != nil {
		return err
	}

	store, err := newStore(cli)
	if err != nil {
		return userError(err)
	}
	defer store.Dispose()

	ctx := cmd.Context()
	if err := store.Init(ctx); err != nil {
		return userError(err)
	}
	rec, ok := store.Find(opts.Serial)
	if !ok {
		return userError(fmt.Errorf("%w: %s", ErrCertificateNotFound, opts.Serial))
	}

	signature, err := store.ActivateAndSign(ctx, rec, hash)
	if err != nil {
		return userError(err)
	}
	cli.Output("%s", signature)

	if !opts.Verify {
		return nil
	}
	info, err := cms.Inspect(signature)
	if err != nil {
		return err
	}
	if err := info.Verify(hash); err != nil {
		return fmt.Errorf("signature does not verify: %w", err)
	}
	cli.Table([]signatureRow{{
		Signer:       info.CommonName,
		Organization: info.Organization,
		Serial:       info.SerialNumber,
		NotAfter:     info.NotAfter.Format(dateFormat),
		Attached:     info.Attached,
	}})
	return nil
}

func resolveHash(opts signOptions) ([]byte, error) {
	if opts.File == "" {
		hash, err := hex.DecodeString(strings.TrimSpace(opts.Hash))
		if err != nil || len(hash) == 0 {
			return nil, fmt.Errorf("--hash must be a hex string")
		}
		return hash, nil
	}

	f, err := os.Open(opts.File)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", opts.File, err)
	}
	return h.Sum(nil), nil
}
