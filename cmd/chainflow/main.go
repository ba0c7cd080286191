// Command chainflow validates, runs, draws and serves LLM chains.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "chainflow",
		Short: "Chainflow - multi-step LLM chain engine",
		Long: `Chainflow executes declarative chains of LLM, function and tool steps.

Chains are YAML or JSON documents. The CLI validates them, runs them
against the built-in echo connector, draws them, and serves the chain
registry to agents over MCP.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default ~/.chainflow/config.yaml)")

	cmd.AddCommand(
		newValidateCmd(opts),
		newRunCmd(opts),
		newDiagramCmd(opts),
		newServeCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func (o *rootOptions) config() (Config, error) {
	return loadConfig(o.configPath, os.Getenv)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
