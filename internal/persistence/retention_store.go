package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult counts rows removed by one retention run.
type RetentionResult struct {
	PurgedSnapshots int64 `json:"purged_snapshots"`
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
}

const kvLastRetention = "retention.last_run"

// purgeRule deletes rows older than a cutoff. The snapshot rule only
// touches projects that were shut down: any other project may still be
// restored and resumed from its latest snapshot.
type purgeRule struct {
	name  string
	query string
	days  int
	out   *int64
}

// RunRetention deletes rows older than the given windows and records the
// run time under retention.last_run. A non-positive window disables that
// category. Idempotent.
func (s *Store) RunRetention(ctx context.Context, snapshotDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult
	now := time.Now().UTC()
	rules := []purgeRule{
		{
			name: "project_snapshots",
			query: `DELETE FROM project_snapshots WHERE taken_at < ? AND project_id IN (
				SELECT id FROM projects WHERE state = 'SHUTDOWN');`,
			days: snapshotDays,
			out:  &result.PurgedSnapshots,
		},
		{
			name:  "audit_log",
			query: `DELETE FROM audit_log WHERE created_at < ?;`,
			days:  auditLogDays,
			out:   &result.PurgedAuditLogs,
		},
	}
	for _, r := range rules {
		if r.days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -r.days)
		err := retryOnBusy(ctx, 3, func() error {
			res, err := s.db.ExecContext(ctx, r.query, cutoff)
			if err != nil {
				return err
			}
			*r.out, _ = res.RowsAffected()
			return nil
		})
		if err != nil {
			return result, fmt.Errorf("purge %s: %w", r.name, err)
		}
	}
	if err := s.KVSet(ctx, kvLastRetention, now.Format(time.RFC3339)); err != nil {
		return result, err
	}
	return result, nil
}

// LastRetention returns when RunRetention last completed, or the zero time.
func (s *Store) LastRetention(ctx context.Context) (time.Time, error) {
	v, err := s.KVGet(ctx, kvLastRetention)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, v)
}
