package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildBinary compiles the custody binary into a temp dir.
func buildBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping build test in short mode")
	}
	binPath := filepath.Join(t.TempDir(), "custody-test")
	wd, err := os.Getwd()
	require.NoError(t, err)

	buildCmd := exec.Command("go", "build", "-o", binPath, ".")
	buildCmd.Dir = wd
	output, err := buildCmd.CombinedOutput()
	require.NoError(t, err, "build failed: %s", string(output))
	return binPath
}

func TestMainEntryPoints(t *testing.T) {
	_ = main
}

func TestMainHelpFlag(t *testing.T) {
	bin := buildBinary(t)
	out, err := exec.Command(bin, "--help").CombinedOutput()
	require.NoError(t, err)
	assert.Contains(t, string(out), "custody")
	assert.Contains(t, string(out), "escalation packets")
}

func TestMainUnknownCommand(t *testing.T) {
	bin := buildBinary(t)
	out, err := exec.Command(bin, "unknown-command-xyz").CombinedOutput()
	assert.Error(t, err)
	assert.Contains(t, strings.ToLower(string(out)), "unknown")
}

func TestBinaryInitAndRegister(t *testing.T) {
	bin := buildBinary(t)
	root := filepath.Join(t.TempDir(), "vault")

	out, err := exec.Command(bin, "init", root).CombinedOutput()
	require.NoError(t, err, string(out))
	assert.Contains(t, string(out), "Initialized")

	cmd := exec.Command(bin, "--root", root, "--json", "item", "register", "ring", "--custodian", "alice")
	cmd.Env = append(os.Environ(), "NO_COLOR=1")
	stdout, err := cmd.Output()
	require.NoError(t, err)
	assert.Contains(t, string(stdout), `"current_custodian": "alice"`)

	out, err = exec.Command(bin, "--root", root, "item", "show", "ghost").CombinedOutput()
	assert.Error(t, err)
	assert.Contains(t, string(out), "E_UNKNOWN_ITEM")
}
