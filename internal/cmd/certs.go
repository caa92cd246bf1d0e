package cmd

import (
	"github.com/spf13/cobra"

	"github.com/vocdoni/gofirma/eimzo/internal/model"
)

const dateFormat = "2006-01-02"

type certRow struct {
	Serial       string `header:"SERIAL"`
	Owner        string `header:"OWNER"`
	Organization string `header:"ORGANIZATION"`
	ID           string `header:"ID"`
	Kind         string `header:"KIND"`
	ValidTo      string `header:"VALID TO"`
	Location     string `header:"LOCATION"`
}

func newCertsCmd(cli *CLI) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "certs",
		Short: "List the certificates offered by the signing service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := newStore(cli)
			if err != nil {
				return userError(err)
			}
			defer store.Dispose()

			if err := store.Init(cmd.Context()); err != nil {
				return userError(err)
			}
			records := store.Active()
			if all {
				records = store.Certificates()
			}
			if len(records) == 0 {
				cli.Output("No certificates found")
				return nil
			}
			cli.Table(certRows(records))
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include expired certificates")
	return cmd
}

func certRows(records []model.CertificateRecord) []certRow {
	rows := make([]certRow, 0, len(records))
	for _, r := range records {
		validTo := r.ValidTo.Format(dateFormat)
		if r.ValidityInferred {
			validTo += "?"
		}
		rows = append(rows, certRow{
			Serial:       r.SerialNumber,
			Owner:        r.OwnerName,
			Organization: r.DisplayOrganization(),
			ID:           r.IDLabel(),
			Kind:         r.Kind.String(),
			ValidTo:      validTo,
			Location:     r.Location.Disk + "/" + r.Location.Name,
		})
	}
	return rows
}
