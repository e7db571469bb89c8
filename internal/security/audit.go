package security

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"warden/internal/domain"
	"warden/internal/infra/config"
	"warden/internal/infra/tracer"
)

// maxAuditLine bounds a single JSONL record read back during retention.
const maxAuditLine = 1 << 20

// RetentionPolicy controls how long audit logs are kept.
type RetentionPolicy struct {
	MaxAge  time.Duration // max age of entries; 0 = no limit
	MaxSize int64         // max file size in bytes; 0 = no limit
}

// NewRetentionPolicy converts the audit retention config.
func NewRetentionPolicy(cfg config.RetentionConfig) (RetentionPolicy, error) {
	var p RetentionPolicy
	if cfg.MaxAge != "" {
		d, err := time.ParseDuration(cfg.MaxAge)
		if err != nil {
			return p, fmt.Errorf("%w: retention max_age: %w", domain.ErrConfigLoad, err)
		}
		p.MaxAge = d
	}
	size, err := config.ParseSize(cfg.MaxSize)
	if err != nil {
		return p, fmt.Errorf("%w: retention max_size: %w", domain.ErrConfigLoad, err)
	}
	p.MaxSize = size
	return p, nil
}

// FileAuditLogger implements domain.AuditLogger by writing JSONL to a file.
type FileAuditLogger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	retention *RetentionPolicy
	now       func() time.Time
}

// NewFileAuditLogger creates an audit logger that appends to the given path.
// The file is created with 0600 permissions if it does not exist.
func NewFileAuditLogger(path string) (*FileAuditLogger, error) {
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileAuditLogger{file: f, path: path, now: time.Now}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
}

// SetRetention configures the retention policy for log cleanup.
func (a *FileAuditLogger) SetRetention(policy RetentionPolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retention = &policy
}

// Log writes an audit event as a single JSON line.
func (a *FileAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, "logger closed")
	}
	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	// Mirror onto the active span so traces show the audit trail.
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, len(event.Detail)+1)
		if event.Resource != "" {
			attrs = append(attrs, tracer.StringAttr("audit.resource", event.Resource))
		}
		for k, v := range event.Detail {
			attrs = append(attrs, tracer.StringAttr("audit."+k, v))
		}
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(attrs...))
	}

	return nil
}

// Close flushes and closes the audit log file. Closing twice is a no-op.
func (a *FileAuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// EnforceRetention removes old entries based on the configured retention policy.
// It rewrites the log file, keeping only entries that satisfy the policy, and
// records a retention_prune event when anything was removed.
func (a *FileAuditLogger) EnforceRetention(ctx context.Context) (int, error) {
	removed, err := a.prune()
	if err != nil || removed == 0 {
		return removed, err
	}
	return removed, a.Log(ctx, domain.AuditEvent{
		Type:    domain.AuditRetentionPrune,
		Actor:   "scheduler",
		Action:  "prune",
		Outcome: "success",
		Detail:  map[string]string{"removed": fmt.Sprint(removed), "log": "audit"},
	})
}

func (a *FileAuditLogger) prune() (removed int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	policy := a.retention
	if policy == nil || a.file == nil {
		return 0, nil
	}

	info, err := os.Stat(a.path)
	if err != nil {
		return 0, fmt.Errorf("stat audit log: %w", err)
	}
	if policy.MaxAge == 0 && (policy.MaxSize == 0 || info.Size() <= policy.MaxSize) {
		return 0, nil
	}

	var cutoff time.Time
	if policy.MaxAge > 0 {
		cutoff = a.now().Add(-policy.MaxAge)
	}

	if err := a.file.Close(); err != nil {
		return 0, fmt.Errorf("close for retention: %w", err)
	}
	// The handle is reopened on every path out of here.
	defer func() {
		f, oerr := openAppend(a.path)
		if oerr != nil {
			a.file = nil
			err = errors.Join(err, fmt.Errorf("reopen after retention: %w", oerr))
			return
		}
		a.file = f
	}()

	kept, keptSize, removed, err := readRetained(a.path, cutoff)
	if err != nil {
		return 0, err
	}
	for policy.MaxSize > 0 && keptSize > policy.MaxSize && len(kept) > 0 {
		keptSize -= int64(len(kept[0])) + 1
		kept = kept[1:]
		removed++
	}
	if removed == 0 {
		return 0, nil
	}

	if err := rewrite(a.path, kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// readRetained returns the lines of path whose timestamp is not before
// cutoff. Lines without a parseable timestamp are kept.
func readRetained(path string, cutoff time.Time) (kept [][]byte, size int64, removed int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open for reading: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), maxAuditLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !cutoff.IsZero() {
			var entry struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if json.Unmarshal(line, &entry) == nil && !entry.Timestamp.IsZero() && entry.Timestamp.Before(cutoff) {
				removed++
				continue
			}
		}
		kept = append(kept, append([]byte(nil), line...))
		size += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, 0, fmt.Errorf("scan audit log: %w", err)
	}
	return kept, size, removed, nil
}

// rewrite atomically replaces path with lines.
func rewrite(path string, lines [][]byte) error {
	tmpPath := path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := errors.Join(w.Flush(), tmp.Close()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
