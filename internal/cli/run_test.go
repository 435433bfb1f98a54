package cli

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

const passingScenario = `name: copy
description: copies a record between stores
run_id: run-copy
stores:
  - {name: items, key_path: id}
  - {name: items2, key_path: id}
pipelines:
  - scope: [items, items2]
    mode: readwrite
    steps:
      - {op: add, store: items, data: {id: "1", count: 2}}
      - {op: get, store: items, key: "1"}
      - {op: add, store: items2, data_from: previous}
    expect: {result: "1"}
assertions:
  - {type: count, store: items2, count: 1}
`

const failingScenario = `name: wrong_count
description: asserts a count the pipeline never reaches
stores:
  - {name: items, key_path: id}
pipelines:
  - scope: [items]
    mode: readwrite
    steps:
      - {op: add, store: items, data: {id: "1"}}
assertions:
  - {type: count, store: items, count: 5}
`

func writeScenario(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func execCLI(args ...string) (int, string, string) {
	var out, errOut bytes.Buffer
	code := Execute(context.Background(), args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestRunCommand_UpdateThenCompare(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "copy.yaml", passingScenario)

	code, stdout, stderr := execCLI("run", path, "--update")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stdout, "✓ copy (golden updated)")

	golden, err := os.ReadFile(filepath.Join(dir, "golden", "copy.golden"))
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario_name":"copy"`)
	assert.Contains(t, string(golden), `"run_id":"run-copy"`)

	code, stdout, stderr = execCLI("run", dir)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stdout, "✓ copy\n")
	assert.Contains(t, stdout, "Summary: 1 passed, 0 failed, 1 total")
}

func TestRunCommand_GoldenMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "copy.yaml", passingScenario)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "copy.golden"), []byte("{}"), 0o644))

	code, stdout, _ := execCLI("run", path)
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stdout, "trace does not match golden file")
}

func TestRunCommand_FailingScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "copy.yaml", passingScenario)
	writeScenario(t, dir, "wrong_count.yaml", failingScenario)

	code, stdout, _ := execCLI("--format", "json", "run", dir, "--metrics")
	assert.Equal(t, ExitFailure, code)

	var resp struct {
		Status string    `json:"status"`
		Data   RunResult `json:"data"`
		Error  *CLIError `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, 1, resp.Data.Failed)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "ScenarioFailed", resp.Error.Code)

	var runs float64
	for _, s := range resp.Data.Metrics {
		if s.Name == "kvpipe_pipeline_runs_total" {
			runs += s.Value
		}
	}
	assert.Equal(t, float64(2), runs)
}

func TestRunCommand_Filter(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "copy.yaml", passingScenario)
	writeScenario(t, dir, "wrong_count.yaml", failingScenario)

	code, stdout, stderr := execCLI("run", dir, "--filter", "co*")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stdout, "1 total")
}

func TestRunCommand_Errors(t *testing.T) {
	code, _, _ := execCLI("run", filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, ExitCommandError, code)

	code, stdout, _ := execCLI("run", t.TempDir())
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "No scenarios found.")
}

func TestFindScenarioFiles(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "a.yaml", passingScenario)
	writeScenario(t, dir, "b.yml", passingScenario)
	writeScenario(t, dir, "notes.txt", "x")

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	_, err = findScenarioFiles(dir, "[")
	require.Error(t, err)
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("s", "golden", "copy.golden"), goldenFilePath(filepath.Join("s", "copy.yaml")))
}
