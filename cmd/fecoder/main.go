// fecoder - chat-driven frontend app builder.
//
// Turns chat messages into live previewable web apps: an LLM agent
// edits a Vite + React template inside a per-user sandbox and streams
// its progress back over SSE.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "fecoder",
	Short: "fecoder - chat-driven frontend app builder",
	Long: `fecoder turns chat messages into live previewable web apps.

  fecoder serve    Start the API server`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
