// gen-diagrams renders the bundled example chains next to their documents.
// Run: go run ./cmd/gen-diagrams [examples-dir]
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rendis/chainflow/internal/diagram"
	"github.com/rendis/chainflow/internal/loader"
)

func main() {
	root := "examples"
	if len(os.Args) > 1 {
		root = os.Args[1]
	}
	if err := run(context.Background(), root); err != nil {
		fmt.Fprintf(os.Stderr, "gen-diagrams: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, root string) error {
	var docs []string
	for _, pattern := range []string{"*/chain.json", "*/chain.yaml", "*/chain.yml"} {
		matches, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			return err
		}
		docs = append(docs, matches...)
	}
	if len(docs) == 0 {
		return fmt.Errorf("no chain documents under %s", root)
	}

	l := loader.New(nil)
	for _, path := range docs {
		c, err := l.LoadFile(path)
		if err != nil {
			return err
		}
		model, err := diagram.Build(c, nil)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		dir := filepath.Dir(path)

		mermaid := diagram.RenderMermaid(model)
		if err := os.WriteFile(filepath.Join(dir, "diagram.md"), []byte("```mermaid\n"+mermaid+"```\n"), 0o644); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "diagram.txt"), []byte(diagram.RenderASCII(model)), 0o644); err != nil {
			return err
		}

		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: PNG skipped: %v\n", path, err)
		} else if err := os.WriteFile(filepath.Join(dir, "diagram.png"), png, 0o644); err != nil {
			return err
		}
		fmt.Printf("%s: %d steps\n", path, c.Steps.Len())
	}
	return nil
}
