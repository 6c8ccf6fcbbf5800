package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	. "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/model"
	"github.com/cronboxhq/cronbox/internal/notify"
)

// HeartbeatPing applies one inbound ping: status back to healthy, misses
// cleared, ping appended to the capped history. The first ping after a
// late/dead stretch fires a recovery notification.
func (s *Service) HeartbeatPing(ctx context.Context, token string, sourceIP string) error {
	now := s.nowFn()
	var events []notify.Event

	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		h, err := s.store.HeartbeatByTokenTx(ctx, tx, token)
		if err != nil {
			return err
		}
		if h.Status == model.HeartbeatPaused {
			return ErrPaused
		}

		wasFailed := h.Status == model.HeartbeatLate || h.Status == model.HeartbeatDead
		if err := s.store.MarkHeartbeatHealthyTx(ctx, tx, h.ID, now); err != nil {
			return err
		}

		ping := &model.HeartbeatPing{
			ID:          uuid.New(),
			HeartbeatID: h.ID,
			ReceivedAt:  now,
		}
		if sourceIP != "" {
			ping.SourceIP = &sourceIP
		}
		if err := s.store.InsertHeartbeatPingTx(ctx, tx, ping); err != nil {
			return err
		}

		if wasFailed && h.NotifyOnRecovery {
			events = append(events, notify.Event{
				Type:        notify.EventRecovery,
				WorkspaceID: h.WorkspaceID,
				EntityKind:  "heartbeat",
				EntityName:  h.Name,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.countHeartbeat(string(model.HeartbeatHealthy), 1)
	s.send(ctx, events)
	L_debug("monitor: heartbeat ping", "token", token, "source", sourceIP)
	return nil
}

// SweepHeartbeats runs both heartbeat transitions: waiting/healthy to late
// once the expected interval plus grace has elapsed, and late to dead after
// three full silent intervals. Returns how many rows transitioned.
func (s *Service) SweepHeartbeats(ctx context.Context, now time.Time) (int, error) {
	late, err := s.store.SweepLateHeartbeats(ctx, now)
	if err != nil {
		return 0, err
	}
	s.countHeartbeat(string(model.HeartbeatLate), len(late))
	for i := range late {
		h := &late[i]
		L_warn("monitor: heartbeat late", "heartbeat", h.ID, "name", h.Name, "lastPing", h.LastPingAt)
		if !h.NotifyOnFailure {
			continue
		}
		data := map[string]interface{}{
			"expected_interval_seconds": h.ExpectedIntervalSeconds,
			"consecutive_misses":        h.ConsecutiveMisses,
		}
		if h.LastPingAt != nil {
			data["last_ping_at"] = h.LastPingAt.Format(time.RFC3339)
		}
		s.send(ctx, []notify.Event{{
			Type:        notify.EventFailure,
			WorkspaceID: h.WorkspaceID,
			EntityKind:  "heartbeat",
			EntityName:  h.Name,
			Data:        data,
		}})
	}

	dead, err := s.store.SweepDeadHeartbeats(ctx, now)
	if err != nil {
		return len(late), err
	}
	s.countHeartbeat(string(model.HeartbeatDead), len(dead))
	for i := range dead {
		L_warn("monitor: heartbeat dead", "heartbeat", dead[i].ID, "name", dead[i].Name)
	}

	return len(late) + len(dead), nil
}
