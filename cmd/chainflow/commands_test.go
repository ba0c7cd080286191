package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoChain = `{
  "id": "echo",
  "name": "Echo",
  "version": "1.0.0",
  "error_handling": "stop_on_error",
  "steps": {
    "draft": {
      "id": "draft",
      "role": "function",
      "step_type": {"type": "FunctionCall", "config": {"function_name": "draft"}},
      "inputs": [
        {"name": "topic", "required": true, "source": {"type": "ChainInput", "config": {"input_name": "topic"}}}
      ],
      "outputs": [
        {"name": "topic", "target": {"type": "ChainOutput", "config": {"output_name": "topic"}}}
      ]
    }
  }
}`

const cyclicChain = `{
  "id": "cyclic",
  "name": "Cyclic",
  "version": "1.0.0",
  "error_handling": "stop_on_error",
  "steps": {
    "a": {"id": "a", "role": "function", "step_type": {"type": "FunctionCall", "config": {"function_name": "a"}}},
    "b": {"id": "b", "role": "function", "step_type": {"type": "FunctionCall", "config": {"function_name": "b"}}}
  },
  "dependencies": [
    {"dependent_step": "a", "dependency_type": {"type": "Simple", "config": {"required_step": "b"}}},
    {"dependent_step": "b", "dependency_type": {"type": "Simple", "config": {"required_step": "a"}}}
  ]
}`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// execute runs the root command with a quiet config and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfg := writeFile(t, t.TempDir(), "config.yaml", "log_level: error\n")

	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", cfg}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCmd(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "echo.json", echoChain)

	out, err := execute(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok   "+good+" (echo, 1 steps)")

	writeFile(t, dir, "cyclic.json", cyclicChain)
	out, err = execute(t, "validate", dir)
	require.ErrorIs(t, err, errInvalidChains)
	assert.Contains(t, out, "FAIL "+filepath.Join(dir, "cyclic.json"))
	assert.Contains(t, out, "CYCLE_DETECTED")
	assert.Contains(t, out, "ok   "+good)
}

func TestValidateCmd_BadExtension(t *testing.T) {
	path := writeFile(t, t.TempDir(), "chain.txt", echoChain)
	out, err := execute(t, "validate", path)
	require.ErrorIs(t, err, errInvalidChains)
	assert.Contains(t, out, "FAIL "+path)
}

func TestRunCmd(t *testing.T) {
	path := writeFile(t, t.TempDir(), "echo.json", echoChain)

	out, err := execute(t, "run", path, "--input", `{"topic":"go"}`)
	require.NoError(t, err)

	var res struct {
		ChainID string         `json:"chain_id"`
		Status  string         `json:"status"`
		Outputs map[string]any `json:"outputs"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "echo", res.ChainID)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, "go", res.Outputs["topic"])
}

func TestRunCmd_InputErrors(t *testing.T) {
	path := writeFile(t, t.TempDir(), "echo.json", echoChain)

	_, err := execute(t, "run", path, "--input", `[1,2]`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JSON object")

	_, err = execute(t, "run", path, "--input-file", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestRunCmd_FailedExecutionPrintsResult(t *testing.T) {
	path := writeFile(t, t.TempDir(), "echo.json", echoChain)

	out, err := execute(t, "run", path)
	require.Error(t, err)
	assert.Contains(t, out, `"status": "failed"`)
}

func TestDiagramCmd(t *testing.T) {
	path := writeFile(t, t.TempDir(), "echo.json", echoChain)

	out, err := execute(t, "diagram", path)
	require.NoError(t, err)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "draft")

	target := filepath.Join(t.TempDir(), "echo.txt")
	_, err = execute(t, "diagram", path, "--format", "ascii", "--out", target)
	require.NoError(t, err)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "draft")

	_, err = execute(t, "diagram", path, "--format", "svg")
	require.Error(t, err)

	_, err = execute(t, "diagram", path, "--execution", "exec-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db_path")
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestValidateCmd_BundledExamples(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("..", "..", "examples", "*", "chain.*"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	out, err := execute(t, append([]string{"validate"}, paths...)...)
	require.NoError(t, err, out)
	assert.NotContains(t, out, "FAIL")
}
