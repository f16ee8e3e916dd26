// mind-orchestrator is the control plane for the model hosting platform: it
// deploys inference engine containers on the GPU host, keeps the gateway
// routing in sync, and fronts the authenticated inference API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFilePath string
	debug          bool
)

var rootCmd = &cobra.Command{
	Use:   "mind-orchestrator",
	Short: "Run the model orchestrator",
	Long:  "The orchestrator deploys and supervises LLM inference containers, maintains the model state store, and serves the platform API.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFilePath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug mode")
	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(hashPasswordCommand())
}
