package wasm

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"warden/internal/domain"
	"warden/internal/plugin/wasm/wasmtest"
)

var testMetadata = wasmtest.Metadata("echo", "transform")

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func testRuntimeConfig() RuntimeConfig {
	cfg := DefaultRuntimeConfig()
	cfg.HTTP.AllowPrivateNetworks = true
	return cfg
}

func newTestRuntime(t *testing.T, cfg RuntimeConfig) *Runtime {
	t.Helper()
	rt, err := NewRuntime(context.Background(), cfg, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

func testLimits() domain.ResourceLimits {
	return domain.ResourceLimits{
		MaxMemoryBytes:     1 << 20,
		MaxExecutionTimeMS: 5000,
		MaxInstructions:    10_000_000,
	}
}

func newTestInstance(t *testing.T, rt *Runtime, bin []byte, limits domain.ResourceLimits, perms domain.PluginPermissions) *Instance {
	t.Helper()
	ctx := context.Background()
	vm, err := rt.Validate(ctx, bin)
	require.NoError(t, err)
	inst, err := rt.Instantiate(ctx, vm, limits, InstanceEnv{ID: "test-plugin", Permissions: perms})
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close(context.Background()) })
	return inst
}
