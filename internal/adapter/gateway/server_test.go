package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"warden/internal/domain"
	"warden/internal/infra/logger"
	"warden/internal/usecase/eventbus"
)

type echoHandler struct{}

func (echoHandler) Handle(_ context.Context, frame []byte) any {
	return map[string]string{"echo": string(frame)}
}

func (echoHandler) Reject(frame []byte, err error) any {
	return map[string]string{"rejected": string(frame), "error": err.Error()}
}

func testConfig() Config {
	return Config{
		Addr:           "127.0.0.1:0",
		AllowedOrigins: []string{"localhost:*"},
		RequestRate:    1000,
		RequestBurst:   1000,
	}
}

func startTestServer(t *testing.T, cfg Config, bus domain.EventBus) *Server {
	t.Helper()
	srv := New(cfg, echoHandler{}, bus, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-errCh:
		t.Fatalf("start: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv
}

func dialWS(t *testing.T, addr, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func roundTrip(t *testing.T, ws *websocket.Conn, frame string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(frame)))
	var resp map[string]any
	require.NoError(t, wsjson.Read(ctx, ws, &resp))
	return resp
}

func TestServer_Lifecycle(t *testing.T) {
	srv := startTestServer(t, testConfig(), nil)
	assert.NotEmpty(t, srv.BoundAddr())

	resp, err := http.Get("http://" + srv.BoundAddr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestServer_RequestResponse(t *testing.T) {
	srv := startTestServer(t, testConfig(), nil)
	ws := dialWS(t, srv.BoundAddr(), "")

	resp := roundTrip(t, ws, `{"op":"list"}`)
	assert.Equal(t, `{"op":"list"}`, resp["echo"])
}

func TestServer_TokenRequired(t *testing.T) {
	cfg := testConfig()
	cfg.Token = "s3cret"
	srv := startTestServer(t, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ws := dialWS(t, srv.BoundAddr(), "s3cret")
	assert.Equal(t, "ping", roundTrip(t, ws, "ping")["echo"])
}

func TestServer_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RequestRate = 0.001
	cfg.RequestBurst = 1
	srv := startTestServer(t, cfg, nil)
	ws := dialWS(t, srv.BoundAddr(), "")

	assert.Equal(t, "first", roundTrip(t, ws, "first")["echo"])

	resp := roundTrip(t, ws, "second")
	assert.Equal(t, "second", resp["rejected"])
	assert.Contains(t, resp["error"], "request rate exceeded")
	assert.ErrorIs(t, ErrRateLimited, domain.ErrLimitReached)
}

func TestServer_ForwardsEvents(t *testing.T) {
	bus := eventbus.New(logger.Discard())
	defer bus.Close()
	srv := startTestServer(t, testConfig(), bus)
	ws := dialWS(t, srv.BoundAddr(), "")

	// A completed round trip means the connection is registered.
	roundTrip(t, ws, "hello")

	bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventPluginLoaded,
		Timestamp: time.Now(),
		PluginID:  "p1",
		Payload:   json.RawMessage(`{"name":"echo"}`),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var frame EventFrame
	require.NoError(t, wsjson.Read(ctx, ws, &frame))
	assert.Equal(t, domain.EventPluginLoaded, frame.Event.Type)
	assert.Equal(t, "p1", frame.Event.PluginID)
}

func TestServer_StopClosesClients(t *testing.T) {
	srv := startTestServer(t, testConfig(), nil)
	ws := dialWS(t, srv.BoundAddr(), "")
	roundTrip(t, ws, "hello")

	require.NoError(t, srv.Stop(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := ws.Read(ctx)
	assert.Error(t, err)
}

func TestServer_ListenError(t *testing.T) {
	cfg := testConfig()
	cfg.Addr = "256.0.0.1:bad"
	srv := New(cfg, echoHandler{}, nil, logger.Discard())
	assert.Error(t, srv.Start(context.Background()))
}
