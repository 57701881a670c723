// wpctl is the command line client for the wasmpod daemon.
package main

import (
	"fmt"
	"os"

	"github.com/wasmpod/wasmpod/cmd/wpctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
