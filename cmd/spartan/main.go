// Command spartan runs the Spartan message broker daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "spartan",
		Short: "Spartan is a multi-queue message broker",
	}
	root.AddCommand(startCmd())
	root.AddCommand(initCmd())
	return root
}
