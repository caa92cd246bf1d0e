package cmd

import (
	"github.com/spf13/cobra"

	"github.com/vocdoni/gofirma/eimzo/internal/storage"
)

type auditRow struct {
	Time   string `header:"TIME"`
	Serial string `header:"SERIAL"`
	Owner  string `header:"OWNER"`
	Status string `header:"STATUS"`
	Error  string `header:"ERROR"`
}

func newAuditCmd(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Show the local signing journal",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			journal, err := storage.NewAuditLogger(cli.Options.AuditDir)
			if err != nil {
				return err
			}
			entries, err := journal.ReadAll()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				cli.Output("No signatures recorded in %s", journal.Path())
				return nil
			}
			rows := make([]auditRow, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, auditRow{
					Time:   e.Timestamp,
					Serial: e.SerialNumber,
					Owner:  e.Owner,
					Status: e.Status,
					Error:  e.Error,
				})
			}
			cli.Table(rows)
			return nil
		},
	}
}
