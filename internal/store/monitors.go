package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cronboxhq/cronbox/internal/model"
)

const monitorCols = `id, workspace_id, name, schedule_type, cron_expression,
	interval_seconds, exact_time, timezone, start_grace_period_seconds,
	end_timeout_seconds, start_token, end_token, concurrency_policy,
	notify_on_missed_start, notify_on_missed_end, notify_on_recovery,
	notify_on_success, status, current_run_id, last_start_at,
	next_expected_start, start_deadline, end_deadline, total_runs,
	total_failures, created_at, updated_at`

// MonitorByStartTokenTx fetches a process monitor by start token with a row
// lock held, serializing concurrent pings on the same monitor.
func (s *Store) MonitorByStartTokenTx(ctx context.Context, tx *sqlx.Tx, token string) (*model.ProcessMonitor, error) {
	var m model.ProcessMonitor
	err := tx.GetContext(ctx, &m, `
		SELECT `+monitorCols+` FROM process_monitors
		WHERE start_token = $1
		FOR UPDATE`, token)
	if err != nil {
		return nil, notFoundOr(err, "get monitor by start token")
	}
	return &m, nil
}

// MonitorByEndTokenTx fetches a process monitor by end token with a row lock.
func (s *Store) MonitorByEndTokenTx(ctx context.Context, tx *sqlx.Tx, token string) (*model.ProcessMonitor, error) {
	var m model.ProcessMonitor
	err := tx.GetContext(ctx, &m, `
		SELECT `+monitorCols+` FROM process_monitors
		WHERE end_token = $1
		FOR UPDATE`, token)
	if err != nil {
		return nil, notFoundOr(err, "get monitor by end token")
	}
	return &m, nil
}

// UpdateMonitorTx writes back the mutable state of a monitor after a ping or
// sweep transition.
func (s *Store) UpdateMonitorTx(ctx context.Context, tx *sqlx.Tx, m *model.ProcessMonitor) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE process_monitors
		SET status = $2, current_run_id = $3, last_start_at = $4,
		    next_expected_start = $5, start_deadline = $6, end_deadline = $7,
		    total_runs = $8, total_failures = $9, updated_at = NOW()
		WHERE id = $1`,
		m.ID, m.Status, m.CurrentRunID, m.LastStartAt,
		m.NextExpectedStart, m.StartDeadline, m.EndDeadline,
		m.TotalRuns, m.TotalFailures)
	if err != nil {
		return fmt.Errorf("update monitor: %w", err)
	}
	return nil
}

// monitorEventCap bounds the stored event log per monitor.
const monitorEventCap = 100

// InsertMonitorEventTx appends an event and prunes the log beyond the cap.
func (s *Store) InsertMonitorEventTx(ctx context.Context, tx *sqlx.Tx, ev *model.ProcessMonitorEvent) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO process_monitor_events (id, monitor_id, run_id, event_type, payload, source_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.MonitorID, ev.RunID, ev.EventType, ev.Payload, ev.SourceIP, ev.CreatedAt); err != nil {
		return fmt.Errorf("insert monitor event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM process_monitor_events
		WHERE monitor_id = $1 AND id NOT IN (
			SELECT id FROM process_monitor_events
			WHERE monitor_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		)`, ev.MonitorID, monitorEventCap); err != nil {
		return fmt.Errorf("prune monitor events: %w", err)
	}
	return nil
}

// MonitorEvents returns the most recent events for a monitor.
func (s *Store) MonitorEvents(ctx context.Context, monitorID uuid.UUID, limit int) ([]model.ProcessMonitorEvent, error) {
	var events []model.ProcessMonitorEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT id, monitor_id, run_id, event_type, payload, source_ip, created_at
		FROM process_monitor_events
		WHERE monitor_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, monitorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list monitor events: %w", err)
	}
	return events, nil
}

// ClaimMonitorPastStartDeadline locks one monitor still waiting for a start
// ping past its deadline and runs handle under the lock. Returns false when
// none qualify.
func (s *Store) ClaimMonitorPastStartDeadline(ctx context.Context, now time.Time, handle func(tx *sqlx.Tx, m *model.ProcessMonitor) error) (bool, error) {
	return s.claimMonitor(ctx, `
		SELECT `+monitorCols+` FROM process_monitors
		WHERE status = 'waiting_start'
		  AND start_deadline IS NOT NULL AND start_deadline < $1
		ORDER BY start_deadline ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, now, handle)
}

// ClaimMonitorPastEndDeadline locks one running monitor whose end deadline
// has passed.
func (s *Store) ClaimMonitorPastEndDeadline(ctx context.Context, now time.Time, handle func(tx *sqlx.Tx, m *model.ProcessMonitor) error) (bool, error) {
	return s.claimMonitor(ctx, `
		SELECT `+monitorCols+` FROM process_monitors
		WHERE status = 'running'
		  AND end_deadline IS NOT NULL AND end_deadline < $1
		ORDER BY end_deadline ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, now, handle)
}

func (s *Store) claimMonitor(ctx context.Context, query string, now time.Time, handle func(tx *sqlx.Tx, m *model.ProcessMonitor) error) (bool, error) {
	claimed := false
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var m model.ProcessMonitor
		err := tx.GetContext(ctx, &m, query, now)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim monitor: %w", err)
		}
		claimed = true
		return handle(tx, &m)
	})
	return claimed, err
}
