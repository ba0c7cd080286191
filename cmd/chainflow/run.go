package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/pkg/schema"
)

type runOptions struct {
	input     string
	inputFile string
	latency   time.Duration
	follow    bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <chain-file>",
		Short: "Execute a chain against the echo connector",
		Long: `Run loads a chain document, registers it and executes it once. Every
LLM, function and tool step is answered by the built-in echo connector,
which returns the step inputs as its outputs.

Example:
  chainflow run examples/support-triage/chain.json --input '{"ticket":"login broken"}'
  chainflow run chain.yaml --input-file input.json --follow
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.config()
			if err != nil {
				return err
			}
			input, err := opts.readInput()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, opts.latency)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.run(cmd.Context(), args[0], input, opts.follow, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&opts.input, "input", "", "Chain input as a JSON object")
	cmd.Flags().StringVar(&opts.inputFile, "input-file", "", "Read the chain input from a JSON file")
	cmd.Flags().DurationVar(&opts.latency, "latency", 0, "Simulated connector latency per step")
	cmd.Flags().BoolVar(&opts.follow, "follow", false, "Print execution events to stderr as they happen")
	cmd.MarkFlagsMutuallyExclusive("input", "input-file")
	return cmd
}

func (o *runOptions) readInput() (map[string]any, error) {
	raw := []byte(o.input)
	if o.inputFile != "" {
		var err error
		if raw, err = os.ReadFile(o.inputFile); err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return input, nil
}

// run registers the chain at path, executes it and writes the result as
// JSON to out. A failed execution still prints its result.
func (a *app) run(ctx context.Context, path string, input map[string]any, follow bool, out, events io.Writer) error {
	c, err := a.loader.LoadFile(path)
	if err != nil {
		return err
	}
	if err := a.registry.Register(ctx, c); err != nil {
		return err
	}

	if follow {
		stop, err := a.follow(ctx, c.ID, events)
		if err != nil {
			return err
		}
		defer stop()
	}

	res, runErr := a.registry.Execute(ctx, c.ID, input)
	if runErr != nil {
		res = a.failedResult(ctx, runErr)
	}
	if res != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	return runErr
}

// failedResult recovers the result of an execution that returned an error.
func (a *app) failedResult(ctx context.Context, err error) *engine.ExecutionResult {
	ce, ok := schema.AsChainError(err)
	if !ok {
		return nil
	}
	id, _ := ce.Details["execution_id"].(string)
	if id == "" {
		return nil
	}
	res, serr := a.registry.Status(ctx, id)
	if serr != nil {
		a.logger.Debug("status of failed execution", zap.String("execution_id", id), zap.Error(serr))
		return nil
	}
	return res
}

// follow streams the events of chainID to w until the returned stop func
// is called. stop waits for the printer to drain.
func (a *app) follow(ctx context.Context, chainID string, w io.Writer) (func(), error) {
	ch, unsubscribe, err := a.hub.Subscribe(ctx, streaming.EventFilter{ChainID: chainID})
	if err != nil {
		return nil, err
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range ch {
			writeEvent(w, ev)
		}
	}()
	return func() {
		unsubscribe()
		wg.Wait()
	}, nil
}

func writeEvent(w io.Writer, ev streaming.StreamEvent) {
	ts := ev.Timestamp.Format("15:04:05.000")
	if ev.StepID != "" {
		fmt.Fprintf(w, "%s %-22s %s\n", ts, ev.EventType, ev.StepID)
		return
	}
	fmt.Fprintf(w, "%s %s\n", ts, ev.EventType)
}
