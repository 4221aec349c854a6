package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cfgFile string

// ExitError carries a process exit status without an error message; the
// command has already reported the problem.
type ExitError struct{ Code int }

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// exitTampered is returned by verify and watch when integrity checks fail.
const exitTampered = 2

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "provtrail",
		Short:         "Tamper-evident audit chain and data lineage for pipelines",
		Long:          "provtrail records every pipeline step in a hash-chained audit log, tracks where each dataset came from, and verifies that neither was altered.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "provtrail.yaml", "config file path")

	root.AddCommand(
		newInitCmd(),
		newAppendCmd(),
		newRecordCmd(),
		newLogCmd(),
		newVerifyCmd(),
		newSummaryCmd(),
		newExportCmd(),
		newLineageCmd(),
		newKeygenCmd(),
		newSealCmd(),
		newServeCmd(),
		newMCPCmd(),
		newWatchCmd(),
		newVersionCmd(),
	)

	return root
}
