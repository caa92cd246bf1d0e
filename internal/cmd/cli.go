package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/lensesio/tableprinter"

	"github.com/vocdoni/gofirma/eimzo/internal/config"
)

// CLI exposes common dependencies to commands.
type CLI struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Options is resolved before any subcommand runs.
	Options config.Options

	table *tableprinter.Printer
}

// Output writes a line to Stdout.
func (c *CLI) Output(format string, args ...interface{}) {
	fmt.Fprintf(c.Stdout, format+"\n", args...)
}

func (c *CLI) Table(rows interface{}) {
	c.table.Print(rows)
}

type key struct{}

var ctxKey = key{}

// newCLI returns the CLI stored in ctx, or one bound to the standard
// streams. Tests use the context to capture output.
func newCLI(ctx context.Context) *CLI {
	if cli, ok := ctx.Value(ctxKey).(*CLI); ok {
		if cli.table == nil {
			cli.table = newTable(cli.Stdout)
		}
		return cli
	}
	return &CLI{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		table:  newTable(os.Stdout),
	}
}

func newTable(out io.Writer) *tableprinter.Printer {
	table := tableprinter.New(out)
	table.AutoFormatHeaders = true
	table.HeaderAlignment = tableprinter.AlignLeft
	table.AutoWrapText = false
	table.DefaultAlignment = tableprinter.AlignLeft
	table.CenterSeparator = ""
	table.ColumnSeparator = ""
	table.RowSeparator = ""
	table.HeaderLine = false
	table.BorderBottom = false
	table.BorderLeft = false
	table.BorderRight = false
	table.BorderTop = false
	return table
}
