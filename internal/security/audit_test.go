package security

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"warden/internal/domain"
	"warden/internal/infra/config"
)

func newAuditLogger(t *testing.T) (*FileAuditLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewFileAuditLogger(path)
	if err != nil {
		t.Fatalf("NewFileAuditLogger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger, path
}

func readEvents(t *testing.T, path string) []domain.AuditEvent {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var events []domain.AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e domain.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %d invalid JSON: %v", len(events), err)
		}
		events = append(events, e)
	}
	return events
}

func TestFileAuditLogger_WriteAndRead(t *testing.T) {
	logger, path := newAuditLogger(t)

	event := domain.AuditEvent{
		Type:     domain.AuditPluginLoad,
		Actor:    "engine",
		Resource: "01J0",
		Detail:   map[string]string{"name": "echo", "digest": "abc"},
	}
	if err := logger.Log(context.Background(), event); err != nil {
		t.Fatalf("Log: %v", err)
	}

	events := readEvents(t, path)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != domain.AuditPluginLoad {
		t.Errorf("Type = %q, want %q", events[0].Type, domain.AuditPluginLoad)
	}
	if events[0].Resource != "01J0" || events[0].Detail["name"] != "echo" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestFileAuditLogger_AutoTimestamp(t *testing.T) {
	logger, path := newAuditLogger(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	logger.now = func() time.Time { return fixed }

	logger.Log(context.Background(), domain.AuditEvent{Type: domain.AuditPluginUnload})

	events := readEvents(t, path)
	if !events[0].Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", events[0].Timestamp, fixed)
	}
}

func TestFileAuditLogger_ConcurrentWrites(t *testing.T) {
	logger, path := newAuditLogger(t)

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Log(context.Background(), domain.AuditEvent{
				Type:   domain.AuditAccessDenied,
				Detail: map[string]string{"call": fmt.Sprint(i)},
			})
		}()
	}
	wg.Wait()

	if got := len(readEvents(t, path)); got != n {
		t.Errorf("expected %d lines, got %d", n, got)
	}
}

func TestNewFileAuditLoggerInvalidPath(t *testing.T) {
	if _, err := NewFileAuditLogger("/nonexistent/dir/audit.jsonl"); err == nil {
		t.Error("expected error for invalid path")
	}
}

func TestFileAuditLogger_WriteAfterClose(t *testing.T) {
	logger, _ := newAuditLogger(t)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	err := logger.Log(context.Background(), domain.AuditEvent{Type: domain.AuditPluginLoad})
	if !errors.Is(err, domain.ErrAuditWrite) {
		t.Errorf("expected ErrAuditWrite, got %v", err)
	}
}

func TestFileAuditLoggerWriteError(t *testing.T) {
	logger, _ := newAuditLogger(t)

	// Close the handle underneath the logger to force a write error.
	logger.file.Close()

	err := logger.Log(context.Background(), domain.AuditEvent{Type: domain.AuditPluginFault})
	if !errors.Is(err, domain.ErrAuditWrite) {
		t.Errorf("expected ErrAuditWrite, got %v", err)
	}
}

func TestFileAuditLogger_FilePermissions(t *testing.T) {
	logger, path := newAuditLogger(t)
	logger.Log(context.Background(), domain.AuditEvent{Type: domain.AuditPluginLoad})

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file permissions = %o, want 0600", perm)
	}
}

func TestFileAuditLogger_SpanEvent(t *testing.T) {
	logger, _ := newAuditLogger(t)

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	ctx, span := otel.Tracer("test").Start(context.Background(), "plugin.execute")
	err := logger.Log(ctx, domain.AuditEvent{
		Type:     domain.AuditAccessDenied,
		Resource: "01J0",
		Detail:   map[string]string{"capability": "network"},
	})
	span.End()
	if err != nil {
		t.Fatalf("Log with active span: %v", err)
	}

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	events := ended[0].Events()
	if len(events) != 1 || events[0].Name != "audit.access_denied" {
		t.Fatalf("span events = %+v", events)
	}
	attrs := map[string]string{}
	for _, kv := range events[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs["audit.capability"] != "network" || attrs["audit.resource"] != "01J0" {
		t.Errorf("span event attributes = %v", attrs)
	}
}

func TestNewRetentionPolicy(t *testing.T) {
	p, err := NewRetentionPolicy(config.RetentionConfig{MaxAge: "24h", MaxSize: "10MB"})
	if err != nil {
		t.Fatalf("NewRetentionPolicy: %v", err)
	}
	if p.MaxAge != 24*time.Hour || p.MaxSize != 10<<20 {
		t.Errorf("policy = %+v", p)
	}

	if _, err := NewRetentionPolicy(config.RetentionConfig{MaxAge: "a while"}); !errors.Is(err, domain.ErrConfigLoad) {
		t.Errorf("bad max_age: expected ErrConfigLoad, got %v", err)
	}
	if _, err := NewRetentionPolicy(config.RetentionConfig{MaxSize: "huge"}); !errors.Is(err, domain.ErrConfigLoad) {
		t.Errorf("bad max_size: expected ErrConfigLoad, got %v", err)
	}
}

func TestFileAuditLogger_EnforceRetention_MaxAge(t *testing.T) {
	logger, path := newAuditLogger(t)
	now := time.Now()

	logger.Log(context.Background(), domain.AuditEvent{
		Timestamp: now.Add(-2 * time.Hour),
		Type:      domain.AuditPluginLoad,
		Detail:    map[string]string{"age": "old"},
	})
	logger.Log(context.Background(), domain.AuditEvent{
		Timestamp: now,
		Type:      domain.AuditPluginUnload,
		Detail:    map[string]string{"age": "new"},
	})

	logger.SetRetention(RetentionPolicy{MaxAge: time.Hour})

	removed, err := logger.EnforceRetention(context.Background())
	if err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	events := readEvents(t, path)
	if len(events) != 2 {
		t.Fatalf("expected kept event plus prune record, got %d", len(events))
	}
	if events[0].Detail["age"] != "new" {
		t.Errorf("kept the wrong event: %+v", events[0])
	}
	if events[1].Type != domain.AuditRetentionPrune || events[1].Detail["removed"] != "1" {
		t.Errorf("prune record = %+v", events[1])
	}
}

func TestFileAuditLogger_EnforceRetention_MaxSize(t *testing.T) {
	logger, path := newAuditLogger(t)

	for i := range 100 {
		logger.Log(context.Background(), domain.AuditEvent{
			Type:   domain.AuditAccessDenied,
			Detail: map[string]string{"index": fmt.Sprint(i), "padding": "some data to make the line longer for testing"},
		})
	}

	logger.SetRetention(RetentionPolicy{MaxSize: 500})

	removed, err := logger.EnforceRetention(context.Background())
	if err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if removed == 0 {
		t.Fatal("expected some entries to be removed")
	}

	events := readEvents(t, path)
	if len(events) != 100-removed+1 {
		t.Errorf("expected %d lines, got %d", 100-removed+1, len(events))
	}
	if events[len(events)-2].Detail["index"] != "99" {
		t.Error("the newest entries should survive a size prune")
	}
}

func TestFileAuditLogger_EnforceRetention_NoPolicy(t *testing.T) {
	logger, path := newAuditLogger(t)
	logger.Log(context.Background(), domain.AuditEvent{Type: domain.AuditPluginLoad})

	removed, err := logger.EnforceRetention(context.Background())
	if err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
	if got := len(readEvents(t, path)); got != 1 {
		t.Errorf("no-op retention should not write, got %d lines", got)
	}
}

func TestFileAuditLogger_EnforceRetention_NothingExpired(t *testing.T) {
	logger, path := newAuditLogger(t)
	logger.Log(context.Background(), domain.AuditEvent{Type: domain.AuditPluginLoad})
	logger.SetRetention(RetentionPolicy{MaxAge: time.Hour, MaxSize: 1 << 20})

	removed, err := logger.EnforceRetention(context.Background())
	if err != nil || removed != 0 {
		t.Fatalf("EnforceRetention = %d, %v", removed, err)
	}
	if got := len(readEvents(t, path)); got != 1 {
		t.Errorf("expected 1 line, got %d", got)
	}
}

func TestFileAuditLogger_EnforceRetention_ContinueWriting(t *testing.T) {
	logger, path := newAuditLogger(t)

	logger.Log(context.Background(), domain.AuditEvent{
		Timestamp: time.Now().Add(-2 * time.Hour),
		Type:      domain.AuditPluginLoad,
	})
	logger.SetRetention(RetentionPolicy{MaxAge: time.Hour})
	if _, err := logger.EnforceRetention(context.Background()); err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}

	err := logger.Log(context.Background(), domain.AuditEvent{
		Type:   domain.AuditPluginUnload,
		Detail: map[string]string{"test": "after-retention"},
	})
	if err != nil {
		t.Fatalf("Log after retention: %v", err)
	}

	found := false
	for _, e := range readEvents(t, path) {
		if e.Detail["test"] == "after-retention" {
			found = true
		}
	}
	if !found {
		t.Error("expected to find event written after retention enforcement")
	}
}

func TestFileAuditLogger_EnforceRetentionAfterClose(t *testing.T) {
	logger, _ := newAuditLogger(t)
	logger.SetRetention(RetentionPolicy{MaxAge: time.Hour})
	logger.Close()

	removed, err := logger.EnforceRetention(context.Background())
	if err != nil || removed != 0 {
		t.Errorf("EnforceRetention on closed logger = %d, %v", removed, err)
	}
}
