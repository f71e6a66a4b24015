package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI runs one command against dataDir and returns the exit code and
// stdout.
func runCLI(t *testing.T, dataDir, stdin string, args ...string) (int, string) {
	t.Helper()
	t.Setenv("CRMORBIT_DATA_DIR", dataDir)
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String()
}

func TestRun_usage(t *testing.T) {
	dir := t.TempDir()

	code, _ := runCLI(t, dir, "")
	assert.Equal(t, 2, code)

	code, _ = runCLI(t, dir, "", "explode")
	assert.Equal(t, 2, code)

	code, _ = runCLI(t, dir, "", "-nope", "version")
	assert.Equal(t, 2, code)
}

func TestRun_version(t *testing.T) {
	code, out := runCLI(t, t.TempDir(), "", "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "crmorbit-core v"+Version+"\n", out)
}

func TestRun_migrate(t *testing.T) {
	dir := t.TempDir()

	code, out := runCLI(t, dir, "", "migrate", "status")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "VERSION")
	assert.Contains(t, out, "ROLLBACK")

	code, out = runCLI(t, dir, "", "migrate", "up")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "schema at version")

	code, _ = runCLI(t, dir, "", "migrate", "down")
	assert.Equal(t, 1, code)

	code, _ = runCLI(t, dir, "", "migrate", "down", "x")
	assert.Equal(t, 1, code)

	code, _ = runCLI(t, dir, "", "migrate", "sideways")
	assert.Equal(t, 1, code)
}

func TestRun_backupRoundTrip(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	t.Setenv(PassphraseEnv, "correct horse battery")

	code, stdout := runCLI(t, dir, "", "backup", "export", "-dir", out)
	require.Equal(t, 0, code)
	var exported struct {
		FilePath string `json:"filePath"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &exported))
	assert.FileExists(t, exported.FilePath)

	code, stdout = runCLI(t, dir, "", "backup", "list", "-dir", out)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, filepath.Base(exported.FilePath))

	code, stdout = runCLI(t, dir, "", "backup", "import", "-mode", "replace", exported.FilePath)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, `"mode": "replace"`)

	code, _ = runCLI(t, dir, "", "backup", "import", "-mode", "upsert", exported.FilePath)
	assert.Equal(t, 1, code)

	code, _ = runCLI(t, dir, "", "backup", "import")
	assert.Equal(t, 1, code)

	t.Setenv(PassphraseEnv, "wrong passphrase!")
	code, _ = runCLI(t, dir, "", "backup", "import", exported.FilePath)
	assert.Equal(t, 1, code)
}

func TestRun_backupPassphraseFromStdin(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(PassphraseEnv, "")

	code, out := runCLI(t, dir, "correct horse battery\n", "backup", "passphrase")
	require.Equal(t, 0, code)
	assert.Equal(t, "passphrase stored\n", out)

	code, _ = runCLI(t, dir, "short\n", "backup", "passphrase")
	assert.Equal(t, 1, code)
}

func TestRun_syncQR(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "qr")

	code, stdout := runCLI(t, dir, "", "sync", "qr", "-out", out)
	require.Equal(t, 0, code)
	files := strings.Fields(stdout)
	require.NotEmpty(t, files)
	png, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	code, _ = runCLI(t, dir, "", "sync", "scan", "crmorbit-sync|1|abc|1|2|xx", "crmorbit-sync|1|abc|1|3|yy")
	assert.Equal(t, 1, code)

	code, _ = runCLI(t, dir, "", "sync", "scan")
	assert.Equal(t, 1, code)
}

func TestRun_reset(t *testing.T) {
	dir := t.TempDir()

	code, _ := runCLI(t, dir, "", "reset")
	assert.Equal(t, 1, code)

	code, out := runCLI(t, dir, "", "reset", "-yes")
	require.Equal(t, 0, code)
	assert.Equal(t, "local data deleted\n", out)

	code, out = runCLI(t, dir, "", "stats")
	require.Equal(t, 0, code)
	assert.Contains(t, out, `"events": 0`)
}
