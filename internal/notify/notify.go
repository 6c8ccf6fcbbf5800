// Package notify delivers lifecycle notifications over Telegram, email, and
// signed webhooks. Rendering is per-workspace language with English fallback;
// channels are dispatched in parallel and isolated from each other, so one
// failing delivery never blocks or fails another.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	. "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/metrics"
	"github.com/cronboxhq/cronbox/internal/model"
)

// EventType classifies what happened.
type EventType string

const (
	EventSuccess     EventType = "success"
	EventFailure     EventType = "failure"
	EventPartial     EventType = "partial"
	EventRecovery    EventType = "recovery"
	EventMissedStart EventType = "missed_start"
	EventMissedEnd   EventType = "missed_end"
)

// Event is one notification-worthy occurrence.
type Event struct {
	Type        EventType              `json:"event"`
	WorkspaceID uuid.UUID              `json:"workspace_id"`
	EntityKind  string                 `json:"entity_kind"`
	EntityName  string                 `json:"entity_name"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Rendered is a template-expanded message ready for delivery.
type Rendered struct {
	Subject string
	Text    string
	HTML    string
}

// Channel is one delivery transport.
type Channel interface {
	Name() string
	// Enabled reports whether the workspace has this channel configured.
	Enabled(ws *model.Workspace) bool
	Send(ctx context.Context, ws *model.Workspace, msg *Rendered, ev *Event) error
}

// WorkspaceGetter is the slice of the store the notifier needs.
type WorkspaceGetter interface {
	GetWorkspace(ctx context.Context, id uuid.UUID) (*model.Workspace, error)
}

// Notifier fans events out to every enabled channel of the event's workspace.
type Notifier struct {
	store       WorkspaceGetter
	catalog     *Catalog
	channels    []Channel
	defaultLang string
	m           *metrics.Metrics
}

func New(store WorkspaceGetter, defaultLang string, m *metrics.Metrics, channels ...Channel) (*Notifier, error) {
	catalog, err := LoadCatalog()
	if err != nil {
		return nil, err
	}
	if defaultLang == "" {
		defaultLang = "en"
	}
	return &Notifier{
		store:       store,
		catalog:     catalog,
		channels:    channels,
		defaultLang: defaultLang,
		m:           m,
	}, nil
}

// Send delivers the event. It never returns an error: delivery problems are
// logged and counted, nothing more. Safe to call from any goroutine.
func (n *Notifier) Send(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	ws, err := n.store.GetWorkspace(ctx, ev.WorkspaceID)
	if err != nil {
		L_error("notify: workspace lookup failed", "workspace", ev.WorkspaceID, "event", ev.Type, "error", err)
		return
	}

	lang := ws.Language
	if lang == "" {
		lang = n.defaultLang
	}
	msg, err := n.catalog.Render(lang, &ev)
	if err != nil {
		L_error("notify: render failed", "event", ev.Type, "lang", lang, "error", err)
		return
	}

	var g errgroup.Group
	sent := 0
	for _, ch := range n.channels {
		if !ch.Enabled(ws) {
			continue
		}
		sent++
		ch := ch
		g.Go(func() error {
			if err := ch.Send(ctx, ws, msg, &ev); err != nil {
				L_warn("notify: delivery failed", "channel", ch.Name(), "workspace", ws.ID, "event", ev.Type, "error", err)
				n.count(ch.Name(), "error")
				return nil
			}
			L_debug("notify: delivered", "channel", ch.Name(), "workspace", ws.ID, "event", ev.Type)
			n.count(ch.Name(), "ok")
			return nil
		})
	}
	g.Wait() //nolint:errcheck // channel errors are logged above, never propagated

	if sent == 0 {
		L_debug("notify: no channels configured", "workspace", ws.ID, "event", ev.Type)
	}
}

func (n *Notifier) count(channel, outcome string) {
	if n.m != nil {
		n.m.NotificationsTotal.WithLabelValues(channel, outcome).Inc()
	}
}
