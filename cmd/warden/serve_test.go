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

	"warden/internal/adapter/gateway"
	"warden/internal/domain"
	"warden/internal/infra/config"
	"warden/internal/plugin/wasm/wasmtest"
)

func newTestServer(t *testing.T, env testEnv) (*server, *bytes.Buffer) {
	t.Helper()
	cfg, err := config.Load(env.cfgPath)
	require.NoError(t, err)
	eng, err := newEngine(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close(context.Background()) })

	var out bytes.Buffer
	return &server{eng: eng, enc: json.NewEncoder(&out)}, &out
}

func TestServer_LoadExecuteUnload(t *testing.T) {
	env := newTestEnv(t, "")
	path := env.writeModule(t, "echo.wasm", wasmtest.Echo(echoMetadata))
	s, _ := newTestServer(t, env)
	ctx := context.Background()

	res, err := s.handle(ctx, request{Op: "load", Path: path, Limits: domain.ResourceLimits{MaxExecutionTimeMS: 500}})
	require.NoError(t, err)
	info := res.(domain.PluginInfo)
	assert.Equal(t, "echo", info.Metadata.Name)
	assert.Equal(t, int64(500), info.Limits.MaxExecutionTimeMS)
	assert.Equal(t, domain.StatusReady, info.Status)

	res, err = s.handle(ctx, request{Op: "execute", Plugin: info.ID, Input: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(res.(domain.PluginOutput)))

	res, err = s.handle(ctx, request{Op: "find", Type: domain.PluginTypeTransform})
	require.NoError(t, err)
	assert.Len(t, res, 1)

	res, err = s.handle(ctx, request{Op: "find", Capability: domain.CapabilityNetwork})
	require.NoError(t, err)
	assert.Empty(t, res)

	res, err = s.handle(ctx, request{Op: "history", Plugin: info.ID})
	require.NoError(t, err)
	records := res.([]domain.ExecutionRecord)
	require.Len(t, records, 1)
	assert.Equal(t, domain.OutcomeOK, records[0].Outcome)

	_, err = s.handle(ctx, request{Op: "unload", Plugin: info.ID})
	require.NoError(t, err)

	_, err = s.handle(ctx, request{Op: "get", Plugin: info.ID})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestServer_ExecuteDefaultsToEmptyObject(t *testing.T) {
	env := newTestEnv(t, "")
	path := env.writeModule(t, "echo.wasm", wasmtest.Echo(echoMetadata))
	s, _ := newTestServer(t, env)

	res, err := s.handle(context.Background(), request{Op: "load", Path: path})
	require.NoError(t, err)
	id := res.(domain.PluginInfo).ID

	out, err := s.handle(context.Background(), request{Op: "execute", Plugin: id})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(out.(domain.PluginOutput)))
}

func TestServer_Errors(t *testing.T) {
	env := newTestEnv(t, "")
	s, _ := newTestServer(t, env)
	ctx := context.Background()

	_, err := s.handle(ctx, request{Op: "load"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = s.handle(ctx, request{Op: "explode"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = s.handle(ctx, request{Op: "execute", Plugin: "missing"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	junk := env.writeModule(t, "junk.wasm", []byte("junk"))
	_, err = s.handle(ctx, request{Op: "load", Path: junk})
	assert.ErrorIs(t, err, domain.ErrNotAModule)
}

func TestServer_TasksWithoutScheduler(t *testing.T) {
	env := newTestEnv(t, "")
	s, _ := newTestServer(t, env)

	res, err := s.handle(context.Background(), request{Op: "tasks"})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestServer_HistoryJournalDisabled(t *testing.T) {
	env := newTestEnv(t, "")
	require.NoError(t, os.WriteFile(env.cfgPath, []byte("logger:\n  level: error\n"), 0o600))
	s, _ := newTestServer(t, env)

	_, err := s.handle(context.Background(), request{Op: "history"})
	assert.ErrorIs(t, err, domain.ErrDisabled)
}

func TestServer_RunLines(t *testing.T) {
	env := newTestEnv(t, "")
	s, out := newTestServer(t, env)

	in := strings.Join([]string{
		`{"id":1,"op":"list"}`,
		``,
		`{"id":"two","op":"nope"}`,
		`not json`,
	}, "\n")
	require.NoError(t, s.run(context.Background(), strings.NewReader(in)))

	lines := jsonLines(t, out.String())
	require.Len(t, lines, 3)
	byID := map[string]map[string]any{}
	for _, l := range lines {
		id, _ := json.Marshal(l["id"])
		byID[string(id)] = l
	}

	assert.Equal(t, true, byID["1"]["ok"])
	assert.Equal(t, false, byID[`"two"`]["ok"])
	errObj := byID[`"two"`]["error"].(map[string]any)
	assert.Equal(t, string(domain.CodeInvalidInput), errObj["code"])

	malformed := byID["null"]
	require.NotNil(t, malformed)
	assert.Equal(t, false, malformed["ok"])
}

func TestServe_LoadsPluginDirectories(t *testing.T) {
	env := newTestEnv(t, "")
	writeManifest(t, filepath.Join(env.dir, "plugins"), "echo", "binary: plugin.wasm\n", wasmtest.Echo(echoMetadata))

	out, err := env.run(t, `{"id":1,"op":"list"}`+"\n", "serve")
	require.NoError(t, err)

	lines := jsonLines(t, out)
	require.Len(t, lines, 1)
	assert.Equal(t, true, lines[0]["ok"])
	result := lines[0]["result"].([]any)
	require.Len(t, result, 1)
	md := result[0].(map[string]any)["metadata"].(map[string]any)
	assert.Equal(t, "echo", md["name"])
}

func TestServe_StreamsEvents(t *testing.T) {
	env := newTestEnv(t, "")
	writeManifest(t, filepath.Join(env.dir, "plugins"), "echo", "binary: plugin.wasm\n", wasmtest.Echo(echoMetadata))

	out, err := env.run(t, `{"id":1,"op":"list"}`+"\n", "serve", "--events")
	require.NoError(t, err)

	var sawLoaded bool
	for _, l := range jsonLines(t, out) {
		if ev, ok := l["event"].(map[string]any); ok && ev["type"] == string(domain.EventPluginLoaded) {
			sawLoaded = true
		}
	}
	assert.True(t, sawLoaded)
}

func TestServer_Reject(t *testing.T) {
	env := newTestEnv(t, "")
	s, _ := newTestServer(t, env)

	resp := s.Reject([]byte(`{"id":7,"op":"list"}`), gateway.ErrRateLimited).(response)
	assert.False(t, resp.OK)
	assert.JSONEq(t, `7`, string(resp.ID))
	assert.Equal(t, domain.CodeLimitReached, resp.Error.Code)

	resp = s.Reject([]byte(`garbage`), gateway.ErrRateLimited).(response)
	assert.Empty(t, resp.ID)
}

func TestGatewayConfig(t *testing.T) {
	g := gatewayConfig(config.GatewayConfig{Addr: ":0", Token: "t", RequestRate: 2, RequestBurst: 3})
	assert.Equal(t, gateway.Config{Addr: ":0", Token: "t", RequestRate: 2, RequestBurst: 3}, g)
}
