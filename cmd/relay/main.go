// Command relay runs the AI agent runtime: channel gateway, task router,
// memory engine and provider clients.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	// Best effort: a missing .env is the common case.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "relay",
		Short: "AI agent runtime with local/cloud routing and content-addressed memory",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to the config file")

	root.AddCommand(newServeCommand())
	root.AddCommand(newVerifyCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
