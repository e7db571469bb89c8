package wasm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/domain"
	"warden/internal/plugin/wasm/wasmtest"
)

func TestValidate_Echo(t *testing.T) {
	rt := newTestRuntime(t, testRuntimeConfig())

	vm, err := rt.Validate(context.Background(), wasmtest.Echo(testMetadata))
	require.NoError(t, err)
	assert.Len(t, vm.Digest, 64)
	assert.Empty(t, vm.Imports)
	assert.Positive(t, vm.Size)
}

func TestValidate_DigestIsStable(t *testing.T) {
	rt := newTestRuntime(t, testRuntimeConfig())
	bin := wasmtest.Echo(testMetadata)

	a, err := rt.Validate(context.Background(), bin)
	require.NoError(t, err)
	b, err := rt.Validate(context.Background(), bin)
	require.NoError(t, err)
	assert.Equal(t, a.Digest, b.Digest)

	c, err := rt.Validate(context.Background(), wasmtest.Echo(wasmtest.Metadata("other", "filter")))
	require.NoError(t, err)
	assert.NotEqual(t, a.Digest, c.Digest)
}

func TestValidate_ReportsImports(t *testing.T) {
	rt := newTestRuntime(t, testRuntimeConfig())

	vm, err := rt.Validate(context.Background(), wasmtest.StateEcho(testMetadata, "k", "hello"))
	require.NoError(t, err)
	assert.Equal(t, []string{HostLog, HostSetState, HostGetState}, vm.Imports)
}

func TestValidate_NotAModule(t *testing.T) {
	rt := newTestRuntime(t, testRuntimeConfig())

	for _, bin := range [][]byte{
		nil,
		[]byte("\x00asm"),
		[]byte("ELF\x7f\x01\x00\x00\x00"),
		{0x00, 0x61, 0x73, 0x6d, 0x02, 0x00, 0x00, 0x00},
	} {
		_, err := rt.Validate(context.Background(), bin)
		assert.ErrorIs(t, err, domain.ErrNotAModule)
	}
}

func TestValidate_CompileFailed(t *testing.T) {
	rt := newTestRuntime(t, testRuntimeConfig())

	bin := append(wasmtest.Echo(testMetadata), 0x0a, 0xff)
	_, err := rt.Validate(context.Background(), bin)
	assert.ErrorIs(t, err, domain.ErrCompileFailed)
}

func TestValidate_MissingExports(t *testing.T) {
	rt := newTestRuntime(t, testRuntimeConfig())

	for _, name := range []string{
		ExportInit, ExportExecute, ExportShutdown, ExportMetadata, ExportAlloc, ExportFree, ExportMemory,
	} {
		t.Run(name, func(t *testing.T) {
			bin := wasmtest.NewPlugin(testMetadata).Without(name).Bytes()
			_, err := rt.Validate(context.Background(), bin)
			require.ErrorIs(t, err, domain.ErrMissingExport)

			var de *domain.DomainError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, name, de.Detail)
		})
	}
}

func TestValidate_MismatchedSignature(t *testing.T) {
	rt := newTestRuntime(t, testRuntimeConfig())

	bin := wasmtest.NewPlugin(testMetadata).
		Without(ExportShutdown).
		WithExport(ExportShutdown, nil, nil, nil).
		Bytes()
	_, err := rt.Validate(context.Background(), bin)
	require.ErrorIs(t, err, domain.ErrMissingExport)
	assert.Contains(t, err.Error(), ExportShutdown)
}

func TestValidate_UnsupportedImports(t *testing.T) {
	rt := newTestRuntime(t, testRuntimeConfig())

	t.Run("foreign module", func(t *testing.T) {
		m := wasmtest.New()
		m.ImportFunc("env", "abort", nil, nil)
		_, err := rt.Validate(context.Background(), withABI(m))
		assert.ErrorIs(t, err, domain.ErrUnsupportedImport)
	})

	t.Run("unknown host function", func(t *testing.T) {
		m := wasmtest.New()
		m.ImportFunc(HostModule, "host_exec", []byte{wasmtest.I32}, []byte{wasmtest.I32})
		_, err := rt.Validate(context.Background(), withABI(m))
		assert.ErrorIs(t, err, domain.ErrUnsupportedImport)
	})

	t.Run("wrong host signature", func(t *testing.T) {
		m := wasmtest.New()
		m.ImportFunc(HostModule, HostRandom, nil, []byte{wasmtest.I32})
		_, err := rt.Validate(context.Background(), withABI(m))
		assert.ErrorIs(t, err, domain.ErrUnsupportedImport)
	})
}

func TestValidate_ReservedExport(t *testing.T) {
	rt := newTestRuntime(t, testRuntimeConfig())

	m := wasmtest.New()
	g := m.Global(wasmtest.I64, true, 0)
	m.ExportGlobal(FuelGlobal, g)
	_, err := rt.Validate(context.Background(), withABI(m))
	assert.ErrorIs(t, err, domain.ErrCompileFailed)
}

func TestLoadBytes(t *testing.T) {
	rt := newTestRuntime(t, testRuntimeConfig())
	ctx := context.Background()

	compiled, err := rt.LoadBytes(ctx, wasmtest.Echo(testMetadata))
	require.NoError(t, err)
	defer compiled.Close(ctx)
	assert.Contains(t, compiled.ExportedFunctions(), ExportExecute)

	_, err = rt.LoadBytes(ctx, []byte("nope"))
	assert.ErrorIs(t, err, domain.ErrNotAModule)
}

func TestRuntime_Close(t *testing.T) {
	ctx := context.Background()
	rt, err := NewRuntime(ctx, testRuntimeConfig(), newTestLogger())
	require.NoError(t, err)

	_, err = rt.Validate(ctx, wasmtest.Echo(testMetadata))
	require.NoError(t, err)
	err = rt.Close(ctx)
	require.NoError(t, err)
}

// withABI completes m with minimal implementations of every required export.
func withABI(m *wasmtest.Module) []byte {
	i32, i64 := []byte{wasmtest.I32}, []byte{wasmtest.I64}
	m.Memory(1)
	m.ExportMemory(ExportMemory)
	m.Export(ExportInit, m.Func([]byte{wasmtest.I32, wasmtest.I32}, i32, nil, wasmtest.I32Const(0)))
	m.Export(ExportExecute, m.Func([]byte{wasmtest.I32, wasmtest.I32}, i64, nil, wasmtest.I64Const(0)))
	m.Export(ExportShutdown, m.Func(nil, i32, nil, wasmtest.I32Const(0)))
	m.Export(ExportMetadata, m.Func(nil, i64, nil, wasmtest.I64Const(0)))
	m.Export(ExportAlloc, m.Func(i32, i32, nil, wasmtest.I32Const(1024)))
	m.Export(ExportFree, m.Func([]byte{wasmtest.I32, wasmtest.I32}, nil, nil))
	return m.Bytes()
}
