package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rendis/chainflow/pkg/mcp"
	"github.com/rendis/chainflow/pkg/schema"
)

type serveOptions struct {
	chainsDir string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chain registry over MCP (stdio)",
		Long: `Serve starts an MCP server on stdin/stdout exposing the chain tools:
chain.register, chain.validate, chain.execute, chain.get, chain.list,
chain.status, chain.cancel, chain.forget and chain.diagram.

Chains persisted in the store are loaded first; documents in --chains are
registered on top of them.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.config()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, 0)
			if err != nil {
				return err
			}
			defer a.Close()
			defer a.compact()

			if _, _, err := a.registry.Load(ctx); err != nil {
				return err
			}
			if opts.chainsDir != "" {
				if err := a.registerDir(cmd, opts.chainsDir); err != nil {
					return err
				}
			}

			srv := mcp.NewChainServer(mcp.ChainServerDeps{
				Registry: a.registry,
				Loader:   a.loader,
				Hub:      a.hub,
				Logger:   a.logger,
			})
			a.logger.Info("mcp server starting", zap.Int("chains", len(a.registry.List())))
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&opts.chainsDir, "chains", "", "Register every chain document in this directory")
	return cmd
}

// registerDir registers the documents in dir. Chains already loaded from
// the store are kept.
func (a *app) registerDir(cmd *cobra.Command, dir string) error {
	chains, err := a.loader.LoadDir(dir)
	if err != nil {
		return err
	}
	for _, c := range chains {
		err := a.registry.Register(cmd.Context(), c)
		if schema.CodeOf(err) == schema.ErrCodeConflict {
			a.logger.Debug("chain already registered", zap.String("chain_id", c.ID))
			continue
		}
		if err != nil {
			return fmt.Errorf("register %s: %w", c.ID, err)
		}
	}
	return nil
}
