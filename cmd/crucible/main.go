package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "crucible",
	Short: "Crucible - web IDE execution and collaboration core",
	Long: `Crucible is the core service behind a collaborative web IDE.

It runs untrusted, user-submitted code in sandboxed processes under
strict time and output limits, and fans out live document edits and
shared terminal I/O to connected collaborators with strict ordering.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
