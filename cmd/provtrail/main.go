package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/provtrail/provtrail/cmd/provtrail/commands"
)

func main() {
	if err := commands.NewRoot().Execute(); err != nil {
		var exit *commands.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
