package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{
		Use:           "karmaguard",
		Short:         "Detects karma-farming reposts and scam-template posts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand(), checkTemplatesCommand(), scanCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
