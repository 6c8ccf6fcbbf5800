// Package overlap decides what happens when an entity is dispatched while
// previous runs are still in flight: run anyway, skip the tick, or wait in a
// FIFO queue. All state lives in the entity row and the overlap_queue table;
// the controller only sequences the store calls so every decision is atomic
// with the claim transaction it runs inside.
package overlap

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	. "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/metrics"
	"github.com/cronboxhq/cronbox/internal/model"
	"github.com/cronboxhq/cronbox/internal/store"
)

// Outcome of an admission check.
type Outcome string

const (
	OutcomeProceed   Outcome = "proceed"
	OutcomeSkip      Outcome = "skip"
	OutcomeQueued    Outcome = "queued"
	OutcomeQueueFull Outcome = "queue_full"
)

// Decision reports whether a dispatch may run now. Position is the 1-based
// queue slot when Outcome is OutcomeQueued.
type Decision struct {
	Outcome  Outcome
	Position int
}

type Controller struct {
	store *store.Store
	m     *metrics.Metrics
}

func New(st *store.Store, m *metrics.Metrics) *Controller {
	return &Controller{store: st, m: m}
}

// Admit applies the entity's overlap policy inside the caller's transaction.
// For queue policy the entry is persisted when the slot is busy; the caller
// fills everything but the decision-dependent fields.
func (c *Controller) Admit(ctx context.Context, q sqlx.ExtContext, ref model.TaskRef, policy model.OverlapPolicy, maxQueueSize int, entry *model.OverlapQueueEntry) (Decision, error) {
	switch policy {
	case model.OverlapAllow:
		if _, err := c.store.AcquireSlot(ctx, q, ref, true); err != nil {
			return Decision{}, err
		}
		return c.decided(ref, Decision{Outcome: OutcomeProceed}), nil

	case model.OverlapSkip:
		acquired, err := c.store.AcquireSlot(ctx, q, ref, false)
		if err != nil {
			return Decision{}, err
		}
		if !acquired {
			return c.decided(ref, Decision{Outcome: OutcomeSkip}), nil
		}
		return c.decided(ref, Decision{Outcome: OutcomeProceed}), nil

	case model.OverlapQueue:
		acquired, err := c.store.AcquireSlot(ctx, q, ref, false)
		if err != nil {
			return Decision{}, err
		}
		if acquired {
			return c.decided(ref, Decision{Outcome: OutcomeProceed}), nil
		}
		depth, err := c.store.QueueDepth(ctx, q, ref)
		if err != nil {
			return Decision{}, err
		}
		if depth >= maxQueueSize {
			return c.decided(ref, Decision{Outcome: OutcomeQueueFull}), nil
		}
		if err := c.store.PushQueueEntry(ctx, q, entry); err != nil {
			return Decision{}, err
		}
		return c.decided(ref, Decision{Outcome: OutcomeQueued, Position: depth + 1}), nil

	default:
		return Decision{}, fmt.Errorf("overlap: unknown policy %q", policy)
	}
}

// Release frees the entity's slot after a run finishes. With queue policy the
// freed slot is handed to the oldest waiting entry atomically; the returned
// entry, if any, is ready for re-dispatch.
func (c *Controller) Release(ctx context.Context, ref model.TaskRef, policy model.OverlapPolicy) (*model.OverlapQueueEntry, error) {
	entry, err := c.store.ReleaseAndPop(ctx, ref, policy)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		L_debug("overlap: slot handed to queued entry", "taskType", ref.Type, "taskId", ref.ID, "entry", entry.ID)
	}
	return entry, nil
}

// DrainNext pops one queued entry for the entity if a slot is free. Used by
// the dispatcher's drain loop to recover entries whose release-time handoff
// was lost to a crash.
func (c *Controller) DrainNext(ctx context.Context, ref model.TaskRef) (*model.OverlapQueueEntry, error) {
	return c.store.DrainOne(ctx, ref)
}

// CleanupStale zeroes running_instances counters whose runs must have died:
// last_run_at plus the entity's execution timeout is in the past. Entities
// without an execution timeout are never reset.
func (c *Controller) CleanupStale(ctx context.Context, now time.Time) (int64, error) {
	n, err := c.store.ResetStaleInstances(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		L_warn("overlap: reset stale running counters", "count", n)
		if c.m != nil {
			c.m.StaleResets.Add(float64(n))
		}
	}
	return n, nil
}

func (c *Controller) decided(ref model.TaskRef, d Decision) Decision {
	if c.m != nil {
		c.m.OverlapDecisions.WithLabelValues(string(d.Outcome)).Inc()
	}
	if d.Outcome != OutcomeProceed {
		L_debug("overlap: admission refused", "taskType", ref.Type, "taskId", ref.ID, "outcome", d.Outcome, "position", d.Position)
	}
	return d
}
