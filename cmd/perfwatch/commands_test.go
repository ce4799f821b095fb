package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(args, "--env", filepath.Join(t.TempDir(), "missing.env")))
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "perfwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestValidateAcceptsDefaults(t *testing.T) {
	out, _, err := runCLI(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "config OK")
}

func TestValidateListsProblems(t *testing.T) {
	path := writeConfig(t, "sampling:\n  sample_rate: 2\n")

	_, errOut, err := runCLI(t, "validate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, errOut, "SampleRate")
}

func TestValidateMissingFile(t *testing.T) {
	_, _, err := runCLI(t, "validate", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
