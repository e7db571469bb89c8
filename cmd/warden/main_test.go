package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"warden/internal/plugin/wasm/wasmtest"
)

var echoMetadata = wasmtest.Metadata("echo", "transform")

// testEnv is a temporary workspace with its own config file.
type testEnv struct {
	dir     string
	cfgPath string
}

func newTestEnv(t *testing.T, extra string) testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := "plugins:\n  dirs: [" + filepath.Join(dir, "plugins") + "]\n" +
		"logger:\n  level: error\n" +
		"journal:\n  enabled: true\n  path: " + filepath.Join(dir, "journal.db") + "\n" +
		extra
	path := filepath.Join(dir, "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return testEnv{dir: dir, cfgPath: path}
}

func (e testEnv) writeModule(t *testing.T, name string, bin []byte) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, bin, 0o600))
	return path
}

func (e testEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd(strings.NewReader(stdin), &stdout, &stderr)
	root.SetArgs(append([]string{"--config", e.cfgPath}, args...))
	err := root.Execute()
	return stdout.String(), err
}

// jsonLines decodes every non-empty line of out.
func jsonLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		lines = append(lines, m)
	}
	return lines
}
