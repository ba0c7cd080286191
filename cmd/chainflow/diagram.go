package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/chainflow/internal/diagram"
	"github.com/rendis/chainflow/internal/loader"
	"github.com/rendis/chainflow/internal/store"
)

type diagramOptions struct {
	format      string
	out         string
	executionID string
}

func newDiagramCmd(root *rootOptions) *cobra.Command {
	opts := &diagramOptions{}
	cmd := &cobra.Command{
		Use:   "diagram <chain-file>",
		Short: "Draw a chain as Mermaid, ASCII or PNG",
		Long: `Diagram renders the step graph of a chain document. With --execution the
step states of a stored execution are drawn on top; this needs db_path set
in the config.

Example:
  chainflow diagram examples/report-generator/chain.yaml
  chainflow diagram chain.json --format png --out chain.png
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var states []*store.StepState
			if opts.executionID != "" {
				cfg, err := root.config()
				if err != nil {
					return err
				}
				if states, err = executionStates(cmd.Context(), cfg, opts.executionID); err != nil {
					return err
				}
			}

			c, err := loader.New(nil).LoadFile(args[0])
			if err != nil {
				return err
			}
			model, err := diagram.Build(c, states)
			if err != nil {
				return err
			}
			data, err := renderDiagram(cmd.Context(), model, opts.format)
			if err != nil {
				return err
			}
			if opts.out == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(opts.out, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&opts.format, "format", "f", "mermaid", "Output format: mermaid, ascii or png")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "Write to a file instead of stdout")
	cmd.Flags().StringVar(&opts.executionID, "execution", "", "Overlay the step states of a stored execution")
	return cmd
}

func renderDiagram(ctx context.Context, model *diagram.DiagramModel, format string) ([]byte, error) {
	switch format {
	case "mermaid":
		return []byte(diagram.RenderMermaid(model)), nil
	case "ascii":
		return []byte(diagram.RenderASCII(model)), nil
	case "png":
		return diagram.RenderImage(ctx, model)
	}
	return nil, fmt.Errorf("unknown diagram format %q (want mermaid, ascii or png)", format)
}

// executionStates reads the step states of a persisted execution.
func executionStates(ctx context.Context, cfg Config, executionID string) ([]*store.StepState, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("--execution needs db_path to be configured")
	}
	a, err := newApp(ctx, cfg, 0)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	res, err := a.engine.Status(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return res.StepStates(), nil
}
