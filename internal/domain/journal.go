package domain

import (
	"context"
	"time"
)

// ExecutionRecord is one completed or rejected call to a plugin's execute export.
type ExecutionRecord struct {
	ID          string        `json:"id"`
	PluginID    string        `json:"plugin_id"`
	PluginName  string        `json:"plugin_name"`
	Outcome     ErrorCode     `json:"outcome"`
	Duration    time.Duration `json:"duration"`
	InputBytes  int           `json:"input_bytes"`
	OutputBytes int           `json:"output_bytes"`
	StartedAt   time.Time     `json:"started_at"`
}

// OutcomeOK marks a successful execution record.
const OutcomeOK ErrorCode = "OK"

// ExecutionJournal persists execution records.
type ExecutionJournal interface {
	Record(ctx context.Context, rec ExecutionRecord) error
	Recent(ctx context.Context, pluginID string, limit int) ([]ExecutionRecord, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
