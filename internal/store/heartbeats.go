package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cronboxhq/cronbox/internal/model"
)

const heartbeatCols = `id, workspace_id, name, expected_interval_seconds,
	grace_period_seconds, ping_token, status, last_ping_at,
	consecutive_misses, notify_on_failure, notify_on_recovery, created_at,
	updated_at`

// HeartbeatByTokenTx fetches a heartbeat by ping token with a row lock, so a
// ping and a sweep never interleave on the same row.
func (s *Store) HeartbeatByTokenTx(ctx context.Context, tx *sqlx.Tx, token string) (*model.Heartbeat, error) {
	var h model.Heartbeat
	err := tx.GetContext(ctx, &h, `
		SELECT `+heartbeatCols+` FROM heartbeats
		WHERE ping_token = $1
		FOR UPDATE`, token)
	if err != nil {
		return nil, notFoundOr(err, "get heartbeat by token")
	}
	return &h, nil
}

// MarkHeartbeatHealthyTx applies a ping: healthy status, fresh last_ping_at,
// cleared misses.
func (s *Store) MarkHeartbeatHealthyTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE heartbeats
		SET status = $2, last_ping_at = $3, consecutive_misses = 0, updated_at = $3
		WHERE id = $1`, id, model.HeartbeatHealthy, now)
	if err != nil {
		return fmt.Errorf("mark heartbeat healthy: %w", err)
	}
	return nil
}

// heartbeatHistoryCap bounds the stored ping history per heartbeat.
const heartbeatHistoryCap = 100

// InsertHeartbeatPingTx appends a ping row and prunes history beyond the cap.
func (s *Store) InsertHeartbeatPingTx(ctx context.Context, tx *sqlx.Tx, ping *model.HeartbeatPing) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO heartbeat_pings (id, heartbeat_id, received_at, source_ip)
		VALUES ($1, $2, $3, $4)`,
		ping.ID, ping.HeartbeatID, ping.ReceivedAt, ping.SourceIP); err != nil {
		return fmt.Errorf("insert heartbeat ping: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM heartbeat_pings
		WHERE heartbeat_id = $1 AND id NOT IN (
			SELECT id FROM heartbeat_pings
			WHERE heartbeat_id = $1
			ORDER BY received_at DESC, id DESC
			LIMIT $2
		)`, ping.HeartbeatID, heartbeatHistoryCap); err != nil {
		return fmt.Errorf("prune heartbeat pings: %w", err)
	}
	return nil
}

// SweepLateHeartbeats flips waiting/healthy heartbeats to late once
// expected_interval + grace_period has elapsed since the last ping (creation
// time for heartbeats that never pinged), and returns the transitioned rows
// so the caller can notify. Concurrent sweepers are safe: the status change
// keeps a row from matching twice.
func (s *Store) SweepLateHeartbeats(ctx context.Context, now time.Time) ([]model.Heartbeat, error) {
	var late []model.Heartbeat
	err := s.db.SelectContext(ctx, &late, `
		UPDATE heartbeats
		SET status = $1, consecutive_misses = consecutive_misses + 1, updated_at = $2
		WHERE status IN ($3, $4)
		  AND COALESCE(last_ping_at, created_at)
		      + make_interval(secs => expected_interval_seconds + grace_period_seconds) < $2
		RETURNING `+heartbeatCols,
		model.HeartbeatLate, now, model.HeartbeatWaiting, model.HeartbeatHealthy)
	if err != nil {
		return nil, fmt.Errorf("sweep late heartbeats: %w", err)
	}
	return late, nil
}

// SweepDeadHeartbeats flips late heartbeats to dead after three full missed
// intervals.
func (s *Store) SweepDeadHeartbeats(ctx context.Context, now time.Time) ([]model.Heartbeat, error) {
	var dead []model.Heartbeat
	err := s.db.SelectContext(ctx, &dead, `
		UPDATE heartbeats
		SET status = $1, updated_at = $2
		WHERE status = $3
		  AND COALESCE(last_ping_at, created_at)
		      + make_interval(secs => expected_interval_seconds * 3) < $2
		RETURNING `+heartbeatCols,
		model.HeartbeatDead, now, model.HeartbeatLate)
	if err != nil {
		return nil, fmt.Errorf("sweep dead heartbeats: %w", err)
	}
	return dead, nil
}
