package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"warden/internal/domain"
	"warden/internal/plugin"
	"warden/internal/plugin/wasm/wasmtest"
)

func TestPluginYAMLTemplate(t *testing.T) {
	var m plugin.Manifest
	require.NoError(t, yaml.Unmarshal([]byte(pluginYAMLTemplate("myplugin")), &m))
	assert.Equal(t, "myplugin", m.Name)
	assert.Equal(t, "plugin.wasm", m.Binary)
	assert.Equal(t, uint64(16<<20), m.Limits.MaxMemoryBytes)
	assert.Equal(t, int64(1000), m.Limits.MaxExecutionTimeMS)
	assert.Equal(t, domain.PluginPermissions{}, m.Permissions)
}

func TestPluginMainGoTemplate(t *testing.T) {
	code := pluginMainGoTemplate("myplugin")
	assert.Contains(t, code, "//go:build tinygo")
	assert.Contains(t, code, "//go:wasmimport warden host_log")
	for _, export := range []string{"plugin_alloc", "plugin_free", "plugin_metadata", "plugin_init", "plugin_execute", "plugin_shutdown"} {
		assert.Contains(t, code, "//export "+export)
	}
	assert.Contains(t, code, `"name":"myplugin"`)
}

func TestPluginMakefileTemplate(t *testing.T) {
	makefile := pluginMakefileTemplate()
	assert.Contains(t, makefile, "tinygo build")
	assert.Contains(t, makefile, "-target wasm-unknown")
	assert.Contains(t, makefile, "warden validate plugin.wasm")
}

func TestInit(t *testing.T) {
	env := newTestEnv(t, "")

	out, err := env.run(t, "", "init", "greeter", "--dir", env.dir)
	require.NoError(t, err)
	assert.Contains(t, out, `Plugin "greeter" scaffolded`)

	root := filepath.Join(env.dir, "greeter")
	for _, f := range []string{"plugin.yaml", "main.go", "Makefile", "README.md"} {
		assert.FileExists(t, filepath.Join(root, f))
	}

	_, err = env.run(t, "", "init", "greeter", "--dir", env.dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestInit_InvalidName(t *testing.T) {
	env := newTestEnv(t, "")
	for _, name := range []string{"bad/name", "dot.name", "with space"} {
		_, err := env.run(t, "", "init", name, "--dir", env.dir)
		require.Error(t, err, name)
		assert.Contains(t, err.Error(), "invalid plugin name")
	}
}

func writeManifest(t *testing.T, root, name, manifest string, bin []byte) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFile), []byte(manifest), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.wasm"), bin, 0o600))
}

func TestList(t *testing.T) {
	env := newTestEnv(t, "")
	root := filepath.Join(env.dir, "plugins")
	writeManifest(t, root, "echo", "binary: plugin.wasm\n", wasmtest.Echo(echoMetadata))
	writeManifest(t, root, "reader",
		"binary: plugin.wasm\nlimits:\n  max_memory_bytes: 1048576\n  max_execution_time_ms: 250\npermissions:\n  filesystem: true\n  allowed_dirs: [/srv]\n",
		wasmtest.Echo(echoMetadata))

	out, err := env.run(t, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "echo")
	assert.Contains(t, out, "reader")
	assert.Contains(t, out, "1024KB")
	assert.Contains(t, out, "250ms")
	assert.Contains(t, out, "filesystem")
	assert.Contains(t, out, "default")
}

func TestList_Empty(t *testing.T) {
	env := newTestEnv(t, "")
	out, err := env.run(t, "", "list", "--dir", filepath.Join(env.dir, "missing"))
	require.NoError(t, err)
	assert.Contains(t, out, "No plugins found.")
}

func TestPermissionLabel(t *testing.T) {
	assert.Equal(t, "-", permissionLabel(domain.PluginPermissions{}))
	assert.Equal(t, "network,env", permissionLabel(domain.PluginPermissions{Network: true, EnvVars: true}))
}
