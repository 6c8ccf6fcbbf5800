package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	. "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/model"
)

// webhookBody is the outbound payload contract.
type webhookBody struct {
	Event     string                 `json:"event"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// WebhookChannel POSTs events to each workspace's endpoint with an optional
// signing secret. A per-destination circuit breaker keeps a dead endpoint
// from eating a delivery timeout on every event.
type WebhookChannel struct {
	client *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewWebhookChannel(timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookChannel{
		client:   &http.Client{Timeout: timeout},
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Enabled(ws *model.Workspace) bool {
	return ws.WebhookEnabled()
}

func (c *WebhookChannel) Send(ctx context.Context, ws *model.Workspace, _ *Rendered, ev *Event) error {
	url := *ws.WebhookURL

	data := map[string]interface{}{
		"entity_kind": ev.EntityKind,
		"entity_name": ev.EntityName,
	}
	for k, v := range ev.Data {
		data[k] = v
	}
	payload, err := json.Marshal(webhookBody{
		Event:     string(ev.Type),
		Data:      data,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	_, err = c.breaker(url).Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if ws.WebhookSecret != nil && *ws.WebhookSecret != "" {
			req.Header.Set("X-Webhook-Secret", *ws.WebhookSecret)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck // drain for connection reuse

		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("webhook %s: %w", url, err)
	}
	return nil
}

func (c *WebhookChannel) breaker(url string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[url]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    url,
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			L_warn("webhook: breaker state change", "url", name, "from", from.String(), "to", to.String())
		},
	})
	c.breakers[url] = b
	return b
}
