package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vocdoni/gofirma/eimzo/internal/config"
	"github.com/vocdoni/gofirma/eimzo/internal/daemon"
	"github.com/vocdoni/gofirma/eimzo/internal/logging"
)

func newDaemonCmd(cli *CLI) *cobra.Command {
	defaults := config.Defaults()

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run a local signing service for development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := cli.Options
			if len(opts.APIKeys) == 0 {
				return fmt.Errorf("no api keys configured: %w", config.ErrMissingAPIKey)
			}
			if opts.PKCS11Lib != "" && opts.PKCS11PIN == "" {
				pin, err := promptPIN(cli)
				if err != nil {
					return err
				}
				opts.PKCS11PIN = pin
			}

			srv := daemon.New(opts)
			defer func() {
				if err := srv.Close(); err != nil {
					logging.Warnf("closing daemon: %v", err)
				}
			}()
			logging.Infof("serving %d disks", len(opts.Disks))
			return srv.ListenAndServe(cmd.Context(), opts.Listen)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", defaults.Listen, "Address to serve the cryptapi endpoint on")
	flags.String("pkcs11-lib", defaults.PKCS11Lib, "PKCS#11 module serving the certkey plugin")
	return cmd
}

// promptPIN reads the token PIN from the terminal. Without a terminal the
// tokens are opened without logging in.
func promptPIN(cli *CLI) (string, error) {
	f, ok := cli.Stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return "", nil
	}
	fmt.Fprint(cli.Stderr, "Token PIN: ")
	pin, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(cli.Stderr)
	if err != nil {
		return "", fmt.Errorf("read pin: %w", err)
	}
	return string(pin), nil
}
