// Hesabu is a multi-user tabular analysis service with sandboxed scripting.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "hesabu",
	Short: "Hesabu: session-scoped file analysis with sandboxed script execution.",
	Long: `Hesabu is a multi-user analysis service. Each client gets an isolated
session workspace for uploads, produced files, and model configuration.
Scripts run in a sandbox against the session's files, and anything they
write is intercepted into the session's exports area.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, statsCmd, purgeCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
