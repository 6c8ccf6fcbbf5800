package overlap

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/cronboxhq/cronbox/internal/model"
	"github.com/cronboxhq/cronbox/internal/store"
)

func newController(t *testing.T) (*Controller, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.NewWithDB(db, "sqlmock")
	return New(st, nil), mock
}

func queueEntry(ref model.TaskRef) *model.OverlapQueueEntry {
	return &model.OverlapQueueEntry{
		ID:          uuid.New(),
		WorkspaceID: uuid.New(),
		TaskType:    ref.Type,
		TaskID:      ref.ID,
		EnqueuedAt:  time.Now().UTC(),
	}
}

func TestAdmitAllowAlwaysProceeds(t *testing.T) {
	c, mock := newController(t)
	ref := model.TaskRef{Type: model.TaskTypeCron, ID: uuid.New()}

	mock.ExpectExec(`running_instances = running_instances \+ 1`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	d, err := c.Admit(context.Background(), c.store.DB(), ref, model.OverlapAllow, 0, nil)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if d.Outcome != OutcomeProceed {
		t.Errorf("outcome = %s, want proceed", d.Outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAdmitSkipAtCapacity(t *testing.T) {
	c, mock := newController(t)
	ref := model.TaskRef{Type: model.TaskTypeCron, ID: uuid.New()}

	mock.ExpectExec(`running_instances < max_instances`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	d, err := c.Admit(context.Background(), c.store.DB(), ref, model.OverlapSkip, 0, nil)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if d.Outcome != OutcomeSkip {
		t.Errorf("outcome = %s, want skip", d.Outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAdmitQueuePushesWithPosition(t *testing.T) {
	c, mock := newController(t)
	ref := model.TaskRef{Type: model.TaskTypeCron, ID: uuid.New()}
	entry := queueEntry(ref)

	mock.ExpectExec(`running_instances < max_instances`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM overlap_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectExec(`INSERT INTO overlap_queue`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	d, err := c.Admit(context.Background(), c.store.DB(), ref, model.OverlapQueue, 5, entry)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if d.Outcome != OutcomeQueued {
		t.Errorf("outcome = %s, want queued", d.Outcome)
	}
	if d.Position != 3 {
		t.Errorf("position = %d, want 3", d.Position)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAdmitQueueFull(t *testing.T) {
	c, mock := newController(t)
	ref := model.TaskRef{Type: model.TaskTypeCron, ID: uuid.New()}

	mock.ExpectExec(`running_instances < max_instances`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM overlap_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))

	d, err := c.Admit(context.Background(), c.store.DB(), ref, model.OverlapQueue, 5, queueEntry(ref))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if d.Outcome != OutcomeQueueFull {
		t.Errorf("outcome = %s, want queue_full", d.Outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAdmitQueueFreeSlotSkipsQueue(t *testing.T) {
	c, mock := newController(t)
	ref := model.TaskRef{Type: model.TaskTypeCron, ID: uuid.New()}

	mock.ExpectExec(`running_instances < max_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	d, err := c.Admit(context.Background(), c.store.DB(), ref, model.OverlapQueue, 5, queueEntry(ref))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if d.Outcome != OutcomeProceed {
		t.Errorf("outcome = %s, want proceed", d.Outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAdmitUnknownPolicy(t *testing.T) {
	c, _ := newController(t)
	ref := model.TaskRef{Type: model.TaskTypeCron, ID: uuid.New()}

	if _, err := c.Admit(context.Background(), c.store.DB(), ref, model.OverlapPolicy("bogus"), 0, nil); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
