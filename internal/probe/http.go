package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logging "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/model"
)

func (p *Prober) runHTTP(ctx context.Context, t Target) *Result {
	// The gate runs before any connection. Blocked URLs fail immediately
	// with no network traffic and are never retried.
	if err := p.gate.Validate(t.URL); err != nil {
		return &Result{
			ErrorKind:    model.ErrKindSSRFBlocked,
			ErrorMessage: err.Error(),
		}
	}

	method := strings.ToUpper(t.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if t.Body != "" {
		body = strings.NewReader(t.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.URL, body)
	if err != nil {
		return &Result{
			ErrorKind:    model.ErrKindRequestError,
			ErrorMessage: fmt.Sprintf("build request: %v", err),
		}
	}
	req.Header.Set("User-Agent", "CronBox-Probe/1.0")
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		kind := model.ErrKindRequestError
		var se *SSRFError
		switch {
		case errors.As(err, &se):
			kind = model.ErrKindSSRFBlocked
		case errors.Is(err, context.DeadlineExceeded):
			kind = model.ErrKindTimeout
		}
		logging.L_debug("probe: http request failed", "url", t.URL, "kind", kind, "elapsed", elapsed, "error", err)
		return &Result{
			Duration:     elapsed,
			ErrorKind:    kind,
			ErrorMessage: err.Error(),
		}
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxResponseBytes+1))
	elapsed = time.Since(start)

	size := int64(len(raw))
	if resp.ContentLength > size {
		size = resp.ContentLength
	}
	if int64(len(raw)) > p.cfg.MaxResponseBytes {
		raw = raw[:p.cfg.MaxResponseBytes]
	}

	headers := make(model.StringMap, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	res := &Result{
		Duration: elapsed,
		HTTP: &HTTPResult{
			StatusCode: resp.StatusCode,
			Headers:    headers,
			Body:       string(raw),
			Size:       size,
		},
	}

	if readErr != nil {
		res.ErrorKind = model.ErrKindRequestError
		res.ErrorMessage = fmt.Sprintf("read response: %v", readErr)
		return res
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		res.Success = true
	} else {
		res.ErrorKind = model.ErrKindRequestError
		res.ErrorMessage = fmt.Sprintf("HTTP status %d", resp.StatusCode)
	}
	logging.L_trace("probe: http done", "url", t.URL, "status", resp.StatusCode, "elapsed", elapsed, "bytes", len(raw))
	return res
}
