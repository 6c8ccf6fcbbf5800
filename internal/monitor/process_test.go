package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/cronboxhq/cronbox/internal/model"
	"github.com/cronboxhq/cronbox/internal/notify"
)

var monitorColumns = []string{
	"id", "workspace_id", "name", "schedule_type", "cron_expression",
	"interval_seconds", "exact_time", "timezone", "start_grace_period_seconds",
	"end_timeout_seconds", "start_token", "end_token", "concurrency_policy",
	"notify_on_missed_start", "notify_on_missed_end", "notify_on_recovery",
	"notify_on_success", "status", "current_run_id", "last_start_at",
	"next_expected_start", "start_deadline", "end_deadline", "total_runs",
	"total_failures", "created_at", "updated_at",
}

type monitorRowOpts struct {
	status       string
	policy       string
	currentRunID interface{}
	lastStartAt  interface{}
}

func monitorRow(id, ws uuid.UUID, opts monitorRowOpts) *sqlmock.Rows {
	now := time.Now().UTC()
	if opts.policy == "" {
		opts.policy = "skip"
	}
	return sqlmock.NewRows(monitorColumns).AddRow(
		id.String(), ws.String(), "nightly etl", "interval", nil,
		3600, nil, "UTC", 300,
		1800, "start-tok", "end-tok", opts.policy,
		true, true, true,
		true, opts.status, opts.currentRunID, opts.lastStartAt,
		now.Add(-time.Hour), now.Add(-30*time.Minute), now.Add(-time.Minute), 5,
		1, now.Add(-24*time.Hour), now,
	)
}

func expectEventInsert(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`INSERT INTO process_monitor_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM process_monitor_events`).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestStartPingOpensRun(t *testing.T) {
	s, mock, fn := newTestService(t)
	id, ws := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE start_token`).
		WithArgs("start-tok").
		WillReturnRows(monitorRow(id, ws, monitorRowOpts{status: "waiting_start"}))
	expectEventInsert(mock)
	mock.ExpectExec(`UPDATE process_monitors`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := s.StartPing(context.Background(), "start-tok", "198.51.100.4")
	if err != nil {
		t.Fatalf("start ping: %v", err)
	}
	if res.Status != model.MonitorRunning || res.RunID == uuid.Nil {
		t.Errorf("result = %+v, want running with a run id", res)
	}
	if len(fn.types()) != 0 {
		t.Errorf("no events expected, got %v", fn.types())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestStartPingRecoversFromMissedStart(t *testing.T) {
	s, mock, fn := newTestService(t)
	id, ws := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE start_token`).
		WillReturnRows(monitorRow(id, ws, monitorRowOpts{status: "missed_start"}))
	expectEventInsert(mock)
	mock.ExpectExec(`UPDATE process_monitors`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if _, err := s.StartPing(context.Background(), "start-tok", ""); err != nil {
		t.Fatalf("start ping: %v", err)
	}
	got := fn.types()
	if len(got) != 1 || got[0] != notify.EventRecovery {
		t.Errorf("events = %v, want one recovery", got)
	}
}

func TestStartPingSkipPolicyRejectsConcurrentRun(t *testing.T) {
	s, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE start_token`).
		WillReturnRows(monitorRow(uuid.New(), uuid.New(), monitorRowOpts{
			status:       "running",
			currentRunID: uuid.New().String(),
			lastStartAt:  time.Now().UTC().Add(-10 * time.Minute),
		}))
	mock.ExpectRollback()

	_, err := s.StartPing(context.Background(), "start-tok", "")
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestStartPingReplaceTimesOutOldRun(t *testing.T) {
	s, mock, fn := newTestService(t)
	id, ws := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE start_token`).
		WillReturnRows(monitorRow(id, ws, monitorRowOpts{
			status:       "running",
			policy:       "replace",
			currentRunID: uuid.New().String(),
			lastStartAt:  time.Now().UTC().Add(-10 * time.Minute),
		}))
	expectEventInsert(mock) // timeout event for the replaced run
	expectEventInsert(mock) // start event for the new run
	mock.ExpectExec(`UPDATE process_monitors`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if _, err := s.StartPing(context.Background(), "start-tok", ""); err != nil {
		t.Fatalf("start ping: %v", err)
	}
	got := fn.types()
	if len(got) != 1 || got[0] != notify.EventMissedEnd {
		t.Errorf("events = %v, want one missed_end for the replaced run", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestStartPingPausedRejected(t *testing.T) {
	s, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE start_token`).
		WillReturnRows(monitorRow(uuid.New(), uuid.New(), monitorRowOpts{status: "paused"}))
	mock.ExpectRollback()

	if _, err := s.StartPing(context.Background(), "start-tok", ""); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
}

func TestEndPingClosesRunAndNotifiesSuccess(t *testing.T) {
	s, mock, fn := newTestService(t)
	id, ws := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE end_token`).
		WithArgs("end-tok").
		WillReturnRows(monitorRow(id, ws, monitorRowOpts{
			status:       "running",
			currentRunID: uuid.New().String(),
			lastStartAt:  time.Now().UTC().Add(-25 * time.Minute),
		}))
	expectEventInsert(mock)
	mock.ExpectExec(`UPDATE process_monitors`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	payload := model.AnyMap{"status": "ok", "message": "processed 1200 rows"}
	res, err := s.EndPing(context.Background(), "end-tok", "198.51.100.4", payload)
	if err != nil {
		t.Fatalf("end ping: %v", err)
	}
	if res.Status != model.MonitorWaitingStart || res.DurationMs < 25*time.Minute.Milliseconds() {
		t.Errorf("result = %+v, want waiting_start with ~25m duration", res)
	}

	got := fn.types()
	if len(got) != 1 || got[0] != notify.EventSuccess {
		t.Errorf("events = %v, want one success", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEndPingWithoutOpenRunRejected(t *testing.T) {
	s, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE end_token`).
		WillReturnRows(monitorRow(uuid.New(), uuid.New(), monitorRowOpts{status: "waiting_start"}))
	mock.ExpectRollback()

	_, err := s.EndPing(context.Background(), "end-tok", "", nil)
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestEndPingAfterMissedEndRecovers(t *testing.T) {
	s, mock, fn := newTestService(t)
	id, ws := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE end_token`).
		WillReturnRows(monitorRow(id, ws, monitorRowOpts{
			status:      "missed_end",
			lastStartAt: time.Now().UTC().Add(-2 * time.Hour),
		}))
	expectEventInsert(mock)
	mock.ExpectExec(`UPDATE process_monitors`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if _, err := s.EndPing(context.Background(), "end-tok", "", nil); err != nil {
		t.Fatalf("end ping: %v", err)
	}
	got := fn.types()
	if len(got) != 1 || got[0] != notify.EventRecovery {
		t.Errorf("events = %v, want one recovery", got)
	}
}

func TestSweepMonitorsMissedStart(t *testing.T) {
	s, mock, fn := newTestService(t)
	now := time.Now().UTC()
	id, ws := uuid.New(), uuid.New()

	// First start-deadline claim finds a monitor past its deadline.
	mock.ExpectBegin()
	mock.ExpectQuery(`start_deadline IS NOT NULL`).
		WillReturnRows(monitorRow(id, ws, monitorRowOpts{status: "waiting_start"}))
	expectEventInsert(mock)
	mock.ExpectExec(`UPDATE process_monitors`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Second claim finds nothing; end-deadline loop finds nothing.
	mock.ExpectBegin()
	mock.ExpectQuery(`start_deadline IS NOT NULL`).
		WillReturnRows(sqlmock.NewRows(monitorColumns))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery(`end_deadline IS NOT NULL`).
		WillReturnRows(sqlmock.NewRows(monitorColumns))
	mock.ExpectCommit()

	n, err := s.SweepMonitors(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("transitions = %d, want 1", n)
	}
	got := fn.types()
	if len(got) != 1 || got[0] != notify.EventMissedStart {
		t.Errorf("events = %v, want one missed_start", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSweepMonitorsMissedEnd(t *testing.T) {
	s, mock, fn := newTestService(t)
	now := time.Now().UTC()
	id, ws := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`start_deadline IS NOT NULL`).
		WillReturnRows(sqlmock.NewRows(monitorColumns))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`end_deadline IS NOT NULL`).
		WillReturnRows(monitorRow(id, ws, monitorRowOpts{
			status:       "running",
			currentRunID: uuid.New().String(),
			lastStartAt:  now.Add(-3 * time.Hour),
		}))
	expectEventInsert(mock)
	mock.ExpectExec(`UPDATE process_monitors`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`end_deadline IS NOT NULL`).
		WillReturnRows(sqlmock.NewRows(monitorColumns))
	mock.ExpectCommit()

	n, err := s.SweepMonitors(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("transitions = %d, want 1", n)
	}
	got := fn.types()
	if len(got) != 1 || got[0] != notify.EventMissedEnd {
		t.Errorf("events = %v, want one missed_end", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
