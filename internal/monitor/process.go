package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	. "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/model"
	"github.com/cronboxhq/cronbox/internal/notify"
	"github.com/cronboxhq/cronbox/internal/schedule"
)

// StartPing opens a run on the monitor behind the start token.
//
// A start ping against an open run follows the concurrency policy: skip
// rejects with ErrAlreadyRunning, replace times the old run out and opens a
// new one. Leaving a missed_* state fires a recovery notification.
func (s *Service) StartPing(ctx context.Context, token string, sourceIP string) (*PingResult, error) {
	now := s.nowFn()
	var events []notify.Event
	var recorded []string
	var newRunID uuid.UUID

	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		m, err := s.store.MonitorByStartTokenTx(ctx, tx, token)
		if err != nil {
			return err
		}
		if m.Status == model.MonitorPaused {
			return ErrPaused
		}

		if m.Status == model.MonitorRunning {
			if m.ConcurrencyPolicy == model.ConcurrencySkip {
				return ErrAlreadyRunning
			}
			// replace: the open run is declared dead before the new one
			// starts.
			if err := s.insertEvent(ctx, tx, m, model.EventTimeout, m.CurrentRunID, nil, sourceIP, now); err != nil {
				return err
			}
			recorded = append(recorded, string(model.EventTimeout))
			m.TotalFailures++
			if m.NotifyOnMissedEnd {
				events = append(events, missedEvent(notify.EventMissedEnd, m, "run replaced before reporting an end"))
			}
		}

		wasMissed := m.Status == model.MonitorMissedStart || m.Status == model.MonitorMissedEnd

		newRunID = uuid.New()
		m.Status = model.MonitorRunning
		m.CurrentRunID = uuid.NullUUID{UUID: newRunID, Valid: true}
		m.LastStartAt = &now
		end := schedule.Deadline(now, m.EndTimeoutSeconds)
		m.EndDeadline = &end

		if err := s.insertEvent(ctx, tx, m, model.EventStart, m.CurrentRunID, nil, sourceIP, now); err != nil {
			return err
		}
		recorded = append(recorded, string(model.EventStart))
		if err := s.store.UpdateMonitorTx(ctx, tx, m); err != nil {
			return err
		}

		if wasMissed && m.NotifyOnRecovery {
			events = append(events, notify.Event{
				Type:        notify.EventRecovery,
				WorkspaceID: m.WorkspaceID,
				EntityKind:  "process monitor",
				EntityName:  m.Name,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, ev := range recorded {
		s.countMonitorEvent(ev)
	}
	s.send(ctx, events)
	L_debug("monitor: start ping", "token", token, "source", sourceIP, "run", newRunID)
	return &PingResult{Status: model.MonitorRunning, RunID: newRunID}, nil
}

// EndPing closes the open run on the monitor behind the end token: records
// the end event with the run's duration, bumps counters, and computes the
// next expected start plus its deadline. The optional payload (duration_ms,
// status, message from the client) is stored on the event.
//
// An end ping on a monitor the sweep already moved to missed_end is accepted
// late and counts as a recovery.
func (s *Service) EndPing(ctx context.Context, token string, sourceIP string, payload model.AnyMap) (*PingResult, error) {
	now := s.nowFn()
	var events []notify.Event
	var recorded []string
	var closedRunID uuid.UUID
	var durationMs int64

	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		m, err := s.store.MonitorByEndTokenTx(ctx, tx, token)
		if err != nil {
			return err
		}
		if m.Status == model.MonitorPaused {
			return ErrPaused
		}
		if m.Status != model.MonitorRunning && m.Status != model.MonitorMissedEnd {
			return ErrNotRunning
		}
		wasMissed := m.Status == model.MonitorMissedEnd

		closedRunID = m.CurrentRunID.UUID

		evPayload := model.AnyMap{}
		if m.LastStartAt != nil {
			durationMs = now.Sub(*m.LastStartAt).Milliseconds()
			evPayload["duration_ms"] = durationMs
		}
		for k, v := range payload {
			evPayload[k] = v
		}
		if err := s.insertEvent(ctx, tx, m, model.EventEnd, m.CurrentRunID, evPayload, sourceIP, now); err != nil {
			return err
		}
		recorded = append(recorded, string(model.EventEnd))

		m.TotalRuns++
		m.Status = model.MonitorWaitingStart
		m.CurrentRunID = uuid.NullUUID{}
		m.EndDeadline = nil
		if err := s.advanceSchedule(m, now); err != nil {
			return err
		}
		if err := s.store.UpdateMonitorTx(ctx, tx, m); err != nil {
			return err
		}

		if wasMissed && m.NotifyOnRecovery {
			events = append(events, notify.Event{
				Type:        notify.EventRecovery,
				WorkspaceID: m.WorkspaceID,
				EntityKind:  "process monitor",
				EntityName:  m.Name,
			})
		} else if m.NotifyOnSuccess {
			events = append(events, notify.Event{
				Type:        notify.EventSuccess,
				WorkspaceID: m.WorkspaceID,
				EntityKind:  "process monitor",
				EntityName:  m.Name,
				Data:        map[string]interface{}(evPayload),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, ev := range recorded {
		s.countMonitorEvent(ev)
	}
	s.send(ctx, events)
	L_debug("monitor: end ping", "token", token, "source", sourceIP, "run", closedRunID, "durationMs", durationMs)
	return &PingResult{Status: model.MonitorWaitingStart, RunID: closedRunID, DurationMs: durationMs}, nil
}

// SweepMonitors transitions monitors past their deadlines: waiting_start past
// start_deadline becomes missed_start, running past end_deadline becomes
// missed_end. Processes one locked row at a time up to limit per kind.
func (s *Service) SweepMonitors(ctx context.Context, now time.Time, limit int) (int, error) {
	total := 0

	for i := 0; i < limit; i++ {
		var ev *notify.Event
		claimed, err := s.store.ClaimMonitorPastStartDeadline(ctx, now, func(tx *sqlx.Tx, m *model.ProcessMonitor) error {
			var err error
			ev, err = s.markMissed(ctx, tx, m, model.MonitorMissedStart, now)
			return err
		})
		if err != nil {
			return total, err
		}
		if !claimed {
			break
		}
		if ev != nil {
			s.send(ctx, []notify.Event{*ev})
		}
		total++
	}

	for i := 0; i < limit; i++ {
		var ev *notify.Event
		claimed, err := s.store.ClaimMonitorPastEndDeadline(ctx, now, func(tx *sqlx.Tx, m *model.ProcessMonitor) error {
			var err error
			ev, err = s.markMissed(ctx, tx, m, model.MonitorMissedEnd, now)
			return err
		})
		if err != nil {
			return total, err
		}
		if !claimed {
			break
		}
		if ev != nil {
			s.send(ctx, []notify.Event{*ev})
		}
		total++
	}

	return total, nil
}

// markMissed applies a deadline miss inside the sweep's claim transaction and
// returns the notification to send once the claim commits, if any.
func (s *Service) markMissed(ctx context.Context, tx *sqlx.Tx, m *model.ProcessMonitor, to model.MonitorStatus, now time.Time) (*notify.Event, error) {
	eventType := model.EventMissed
	runID := uuid.NullUUID{}
	if to == model.MonitorMissedEnd {
		eventType = model.EventTimeout
		runID = m.CurrentRunID
	}

	payload := model.AnyMap{}
	if to == model.MonitorMissedStart && m.StartDeadline != nil {
		payload["start_deadline"] = m.StartDeadline.Format(time.RFC3339)
	}
	if to == model.MonitorMissedEnd && m.EndDeadline != nil {
		payload["end_deadline"] = m.EndDeadline.Format(time.RFC3339)
	}
	if err := s.insertEvent(ctx, tx, m, eventType, runID, payload, "", now); err != nil {
		return nil, err
	}

	m.Status = to
	m.TotalFailures++
	m.CurrentRunID = uuid.NullUUID{}
	m.EndDeadline = nil
	if err := s.advanceSchedule(m, now); err != nil {
		return nil, err
	}
	if err := s.store.UpdateMonitorTx(ctx, tx, m); err != nil {
		return nil, err
	}

	s.countMonitorEvent(string(eventType))
	L_warn("monitor: deadline missed", "monitor", m.ID, "name", m.Name, "state", to)

	switch {
	case to == model.MonitorMissedStart && m.NotifyOnMissedStart:
		ev := missedEvent(notify.EventMissedStart, m, "no start ping before the deadline")
		return &ev, nil
	case to == model.MonitorMissedEnd && m.NotifyOnMissedEnd:
		ev := missedEvent(notify.EventMissedEnd, m, "no end ping before the deadline")
		return &ev, nil
	}
	return nil, nil
}

// advanceSchedule recomputes next_expected_start and start_deadline from now.
func (s *Service) advanceSchedule(m *model.ProcessMonitor, now time.Time) error {
	var next time.Time
	var err error
	switch m.ScheduleType {
	case model.ScheduleCron:
		next, err = schedule.NextCron(*m.CronExpression, m.Timezone, now)
	case model.ScheduleInterval:
		next = schedule.NextInterval(now, *m.IntervalSeconds)
	case model.ScheduleExactTime:
		next, err = schedule.NextExactTime(*m.ExactTime, m.Timezone, now)
	default:
		err = fmt.Errorf("unknown schedule type %q", m.ScheduleType)
	}
	if err != nil {
		return fmt.Errorf("advance monitor %s schedule: %w", m.ID, err)
	}
	deadline := schedule.Deadline(next, m.StartGracePeriodSeconds)
	m.NextExpectedStart = &next
	m.StartDeadline = &deadline
	return nil
}

func (s *Service) insertEvent(ctx context.Context, tx *sqlx.Tx, m *model.ProcessMonitor,
	eventType model.EventType, runID uuid.NullUUID, payload model.AnyMap, sourceIP string, now time.Time) error {

	ev := &model.ProcessMonitorEvent{
		ID:        uuid.New(),
		MonitorID: m.ID,
		RunID:     runID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: now,
	}
	if sourceIP != "" {
		ev.SourceIP = &sourceIP
	}
	return s.store.InsertMonitorEventTx(ctx, tx, ev)
}

func missedEvent(typ notify.EventType, m *model.ProcessMonitor, reason string) notify.Event {
	return notify.Event{
		Type:        typ,
		WorkspaceID: m.WorkspaceID,
		EntityKind:  "process monitor",
		EntityName:  m.Name,
		Data: map[string]interface{}{
			"reason": reason,
		},
	}
}
