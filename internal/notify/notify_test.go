package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cronboxhq/cronbox/internal/model"
)

type fakeStore struct {
	ws *model.Workspace
}

func (f *fakeStore) GetWorkspace(_ context.Context, id uuid.UUID) (*model.Workspace, error) {
	if f.ws == nil || f.ws.ID != id {
		return nil, errors.New("not found")
	}
	return f.ws, nil
}

type fakeChannel struct {
	name string
	fail bool

	mu   sync.Mutex
	sent []Event
}

func (f *fakeChannel) Name() string                    { return f.name }
func (f *fakeChannel) Enabled(_ *model.Workspace) bool { return true }
func (f *fakeChannel) Send(_ context.Context, _ *model.Workspace, _ *Rendered, ev *Event) error {
	if f.fail {
		return errors.New("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, *ev)
	return nil
}

func testWorkspace() *model.Workspace {
	url := "https://example.com/hook"
	secret := "s3cret"
	return &model.Workspace{
		ID:            uuid.New(),
		Name:          "acme",
		Language:      "en",
		WebhookURL:    &url,
		WebhookSecret: &secret,
	}
}

func TestRenderLanguageFallback(t *testing.T) {
	catalog, err := LoadCatalog()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	ev := &Event{
		Type:       EventFailure,
		EntityKind: "cron task",
		EntityName: "db backup",
		Data:       map[string]interface{}{"error": "timeout"},
	}

	for _, lang := range []string{"en", "ru", "xx"} {
		t.Run(lang, func(t *testing.T) {
			msg, err := catalog.Render(lang, ev)
			if err != nil {
				t.Fatalf("render: %v", err)
			}
			if !strings.Contains(msg.Subject, "db backup") {
				t.Errorf("subject = %q, want entity name in it", msg.Subject)
			}
			if !strings.Contains(msg.Text, "timeout") {
				t.Errorf("text = %q, want data in it", msg.Text)
			}
		})
	}
}

func TestRenderAllEventTypesHaveTemplates(t *testing.T) {
	catalog, err := LoadCatalog()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	for _, typ := range []EventType{EventSuccess, EventFailure, EventPartial, EventRecovery, EventMissedStart, EventMissedEnd} {
		if _, err := catalog.Render("en", &Event{Type: typ, EntityName: "x", EntityKind: "y"}); err != nil {
			t.Errorf("event %s: %v", typ, err)
		}
	}
}

func TestSendIsolatesChannelFailures(t *testing.T) {
	ws := testWorkspace()
	bad := &fakeChannel{name: "bad", fail: true}
	good := &fakeChannel{name: "good"}

	n, err := New(&fakeStore{ws: ws}, "en", nil, bad, good)
	if err != nil {
		t.Fatal(err)
	}

	n.Send(context.Background(), Event{
		Type:        EventFailure,
		WorkspaceID: ws.ID,
		EntityKind:  "cron task",
		EntityName:  "t1",
	})

	if len(good.sent) != 1 {
		t.Fatalf("good channel got %d events, want 1 despite bad channel failing", len(good.sent))
	}
}

func TestSendUnknownWorkspaceIsSwallowed(t *testing.T) {
	ch := &fakeChannel{name: "ch"}
	n, err := New(&fakeStore{}, "en", nil, ch)
	if err != nil {
		t.Fatal(err)
	}
	n.Send(context.Background(), Event{Type: EventSuccess, WorkspaceID: uuid.New()})
	if len(ch.sent) != 0 {
		t.Errorf("channel got %d events for unknown workspace", len(ch.sent))
	}
}

func TestWebhookPayloadAndSecret(t *testing.T) {
	var gotSecret string
	var gotBody webhookBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Webhook-Secret")
		json.NewDecoder(r.Body).Decode(&gotBody) //nolint:errcheck
	}))
	defer srv.Close()

	ws := testWorkspace()
	ws.WebhookURL = &srv.URL

	ch := NewWebhookChannel(5 * time.Second)
	ev := &Event{
		Type:       EventMissedStart,
		EntityKind: "process monitor",
		EntityName: "nightly etl",
		Data:       map[string]interface{}{"deadline": "2026-01-25T00:05:00Z"},
		Timestamp:  time.Now().UTC(),
	}
	if err := ch.Send(context.Background(), ws, &Rendered{}, ev); err != nil {
		t.Fatalf("send: %v", err)
	}

	if gotSecret != "s3cret" {
		t.Errorf("X-Webhook-Secret = %q, want s3cret", gotSecret)
	}
	if gotBody.Event != "missed_start" {
		t.Errorf("event = %q, want missed_start", gotBody.Event)
	}
	if gotBody.Data["entity_name"] != "nightly etl" || gotBody.Data["deadline"] != "2026-01-25T00:05:00Z" {
		t.Errorf("data = %v", gotBody.Data)
	}
}

func TestWebhookErrorStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ws := testWorkspace()
	ws.WebhookURL = &srv.URL

	ch := NewWebhookChannel(5 * time.Second)
	err := ch.Send(context.Background(), ws, &Rendered{}, &Event{Type: EventFailure})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestWebhookBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ws := testWorkspace()
	ws.WebhookURL = &srv.URL

	ch := NewWebhookChannel(5 * time.Second)
	ev := &Event{Type: EventFailure}
	for i := 0; i < 8; i++ {
		ch.Send(context.Background(), ws, &Rendered{}, ev) //nolint:errcheck // failures expected
	}
	if calls >= 8 {
		t.Errorf("server saw %d calls, breaker should have opened before 8", calls)
	}
}
