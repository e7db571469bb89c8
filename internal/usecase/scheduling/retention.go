package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"warden/internal/domain"
)

// AuditPruner trims an audit log according to its retention policy.
type AuditPruner interface {
	EnforceRetention(ctx context.Context) (int, error)
}

// JournalRetention returns an action that deletes journal records older
// than maxAge. A zero maxAge keeps everything.
func JournalRetention(j domain.ExecutionJournal, maxAge time.Duration, bus domain.EventBus, now func() time.Time) func(ctx context.Context) error {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		if maxAge <= 0 {
			return nil
		}
		n, err := j.Prune(ctx, now().Add(-maxAge))
		if err != nil {
			return fmt.Errorf("journal retention: %w", err)
		}
		publishPruned(ctx, bus, "journal", n, now())
		return nil
	}
}

// AuditRetention returns an action that enforces the audit log's retention
// policy.
func AuditRetention(p AuditPruner, bus domain.EventBus, now func() time.Time) func(ctx context.Context) error {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		n, err := p.EnforceRetention(ctx)
		if err != nil {
			return fmt.Errorf("audit retention: %w", err)
		}
		publishPruned(ctx, bus, "audit", int64(n), now())
		return nil
	}
}

func publishPruned(ctx context.Context, bus domain.EventBus, log string, removed int64, at time.Time) {
	if bus == nil || removed == 0 {
		return
	}
	payload, _ := json.Marshal(map[string]any{"log": log, "removed": removed})
	bus.Publish(ctx, domain.Event{
		Type:      domain.EventRetentionPruned,
		Timestamp: at,
		Payload:   payload,
	})
}
