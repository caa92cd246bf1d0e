// Package cmd implements the eimzo command line.
package cmd

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vocdoni/gofirma/eimzo/internal/app"
	"github.com/vocdoni/gofirma/eimzo/internal/config"
	"github.com/vocdoni/gofirma/eimzo/internal/eimzo"
	"github.com/vocdoni/gofirma/eimzo/internal/logging"
	"github.com/vocdoni/gofirma/eimzo/internal/net"
	"github.com/vocdoni/gofirma/eimzo/internal/storage"
)

// Run executes the command line with args.
func Run(ctx context.Context, args ...string) error {
	cli := newCLI(ctx)
	cmd := NewRootCmd(cli)
	cmd.SetArgs(args)
	cmd.SetOut(cli.Stdout)
	cmd.SetErr(cli.Stderr)
	return cmd.ExecuteContext(ctx)
}

func NewRootCmd(cli *CLI) *cobra.Command {
	cobra.EnableCommandSorting = false
	defaults := config.Defaults()

	rootCmd := &cobra.Command{
		Use:               "eimzo",
		Short:             "Sign with keys held by the E-Imzo signing service",
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			cli.Options = opts
			logging.SetLogger(logging.Initialize(opts.Verbose))
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(
		newCertsCmd(cli),
		newSignCmd(cli),
		newAuditCmd(cli),
		newDaemonCmd(cli))

	flags := rootCmd.PersistentFlags()
	flags.String("config-file", "", "Read options from this file")
	flags.String("host", defaults.Host, "Host name presented to the signing service")
	flags.Bool("secure", defaults.Secure, "Connect over wss")
	flags.CountP("verbose", "v", "Increase log verbosity")
	flags.String("origin", defaults.Origin, "Origin header sent to the signing service")
	flags.Int("ws-port", defaults.WSPort, "Signing service ws port")
	flags.Int("wss-port", defaults.WSSPort, "Signing service wss port")
	flags.Duration("timeout", defaults.Timeout, "Time to wait for each reply")
	flags.String("audit-dir", defaults.AuditDir, "Directory of the signing journal")
	flags.Bool("insecure-skip-verify", defaults.Insecure, "Skip TLS verification on wss")
	return rootCmd
}

// newStore builds a signing store talking to the configured service.
func newStore(cli *CLI) (*app.Store, error) {
	opts := cli.Options
	apiKey, err := opts.APIKey()
	if err != nil {
		return nil, err
	}
	transport := &net.WSTransport{
		Secure:     opts.Secure,
		Port:       opts.WSPort,
		SecurePort: opts.WSSPort,
		Origin:     opts.OriginHeader(),
		Timeout:    opts.Timeout,
	}
	if opts.Insecure {
		transport.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	audit, err := storage.NewAuditLogger(opts.AuditDir)
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	return app.New(eimzo.New(transport, opts.Host, apiKey), app.WithAudit(audit)), nil
}
