package command

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("// stub"), 0644))
}

func TestResolvePrimaryPathWins(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "cli.js")
	writeFile(t, primary)

	fallback := t.TempDir()
	writeFile(t, filepath.Join(fallback, "cli.js"))

	spec := Spec{Node: "node", CLIPath: primary, SearchPath: []string{fallback}}
	assert.Equal(t, primary, spec.Resolve())
}

func TestResolveScansSearchPathInOrder(t *testing.T) {
	d1 := t.TempDir()
	d2 := t.TempDir()
	writeFile(t, filepath.Join(d2, "cli.js"))

	spec := Spec{
		Node:       "node",
		CLIPath:    filepath.Join(t.TempDir(), "cli.js"), // absent
		SearchPath: []string{d1, d2},
	}
	assert.Equal(t, filepath.Join(d2, "cli.js"), spec.Resolve())
}

func TestResolveFallsBackToPrimaryWhenNothingMatches(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "cli.js")
	spec := Spec{
		Node:       "node",
		CLIPath:    missing,
		SearchPath: []string{t.TempDir(), t.TempDir()},
	}
	// Resolution never fails eagerly; the spawn surfaces the OS error.
	assert.Equal(t, missing, spec.Resolve())
}

func TestArgvContract(t *testing.T) {
	dir := t.TempDir()
	cli := filepath.Join(dir, "cli.js")
	writeFile(t, cli)

	spec := Spec{Node: "node", CLIPath: cli, Browser: "chromium"}
	name, args := spec.Argv()
	assert.Equal(t, "node", name)
	assert.Equal(t, []string{cli, "--headless", "--browser", "chromium", "--no-sandbox", "--port", "0"}, args)
}

func TestDefault(t *testing.T) {
	spec := Default()
	assert.Equal(t, "node", spec.Node)
	assert.Equal(t, DefaultCLIPath, spec.CLIPath)
	assert.Equal(t, "chromium", spec.Browser)
}
