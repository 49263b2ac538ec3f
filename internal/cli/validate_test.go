package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeValidate(t *testing.T, opts *RootOptions, dir string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(opts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{dir})
	err := cmd.Execute()
	return buf.String(), err
}

func TestValidateValidScenarios(t *testing.T) {
	out, err := executeValidate(t, testOptions("text"), copyScenarios(t))
	require.NoError(t, err)
	assert.Contains(t, out, "✓ All 4 scenario(s) valid")
}

func TestValidateValidScenariosJSON(t *testing.T) {
	out, err := executeValidate(t, testOptions("json"), copyScenarios(t))
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.ElementsMatch(t, []string{"disconnect", "echo", "peer_lifecycle", "ping"}, resp.Data.Scenarios)
}

func TestValidateNonExistentDirectory(t *testing.T) {
	out, err := executeValidate(t, testOptions("text"), "/nonexistent/directory/path")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeNotFound)
	assert.Contains(t, out, "not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestValidateEmptyDirectory(t *testing.T) {
	_, err := executeValidate(t, testOptions("text"), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeNoScenarios)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestValidateInvalidScenarios(t *testing.T) {
	dir := copyScenarios(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(`
name: broken
description: registers a peer nobody declared
steps:
  - register: ghost
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unknown_field.yaml"), []byte(`
name: unknown_field
description: carries a field the schema does not know
steps:
  - sleep: 1ms
    colour: blue
`), 0o644))

	out, err := executeValidate(t, testOptions("text"), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "validation failed with 2 error(s)")
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, "broken.yaml")
	assert.Contains(t, out, "unknown_field.yaml")
}

func TestValidateInvalidScenariosJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("name: same\ndescription: first\nsteps:\n  - sleep: 1ms\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("name: same\ndescription: second\nsteps:\n  - sleep: 2ms\n"), 0o644))

	out, err := executeValidate(t, testOptions("json"), dir)
	require.Error(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)
	require.Len(t, resp.Data.Errors, 1)
	assert.Equal(t, filepath.Join(dir, "b.yaml"), resp.Data.Errors[0].File)
	assert.Contains(t, resp.Error.Message, `duplicate scenario name "same"`)
}
