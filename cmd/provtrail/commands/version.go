package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags.
var version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "provtrail %s\n", version)
			fmt.Fprintf(out, "  go:   %s\n", runtime.Version())
			fmt.Fprintf(out, "  os:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
