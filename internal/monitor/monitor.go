// Package monitor implements the passive monitoring side of CronBox:
// heartbeats fed by inbound pings, and process monitors tracking external
// jobs through paired start/end pings against schedule-derived deadlines.
// All state transitions run inside row-locked transactions; notifications
// are collected during the transaction and sent only after commit.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cronboxhq/cronbox/internal/metrics"
	"github.com/cronboxhq/cronbox/internal/model"
	"github.com/cronboxhq/cronbox/internal/notify"
	"github.com/cronboxhq/cronbox/internal/store"
)

var (
	// ErrNotFound mirrors the store's not-found for unknown ping tokens.
	ErrNotFound = store.ErrNotFound

	// ErrPaused rejects pings against a paused monitor.
	ErrPaused = errors.New("monitor is paused")

	// ErrAlreadyRunning rejects a start ping while a run is open under the
	// skip concurrency policy.
	ErrAlreadyRunning = errors.New("a run is already in progress")

	// ErrNotRunning rejects an end ping with no run open.
	ErrNotRunning = errors.New("no run in progress")
)

// PingResult is what a successful start or end ping reports back to the
// caller: the monitor's new state, the run the ping touched, and for end
// pings the run's duration.
type PingResult struct {
	Status     model.MonitorStatus
	RunID      uuid.UUID
	DurationMs int64
}

// Notifier is the slice of the notification fan-out the monitors need.
type Notifier interface {
	Send(ctx context.Context, ev notify.Event)
}

// Service handles heartbeat and process monitor pings and sweeps.
type Service struct {
	store    *store.Store
	notifier Notifier
	m        *metrics.Metrics

	nowFn func() time.Time
}

func New(st *store.Store, notifier Notifier, m *metrics.Metrics) *Service {
	return &Service{
		store:    st,
		notifier: notifier,
		m:        m,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) send(ctx context.Context, events []notify.Event) {
	if s.notifier == nil {
		return
	}
	for _, ev := range events {
		s.notifier.Send(ctx, ev)
	}
}

func (s *Service) countHeartbeat(state string, n int) {
	if s.m != nil && n > 0 {
		s.m.HeartbeatTransitions.WithLabelValues(state).Add(float64(n))
	}
}

func (s *Service) countMonitorEvent(event string) {
	if s.m != nil {
		s.m.MonitorEvents.WithLabelValues(event).Inc()
	}
}
