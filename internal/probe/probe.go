// Package probe runs the protocol checks behind every dispatch: HTTP
// requests behind an SSRF gate, ICMP via the system ping binary, and raw TCP
// connects. Every probe honors its context and reports a uniform Result.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cronboxhq/cronbox/internal/model"
)

type Config struct {
	// MaxResponseBytes caps how much of an HTTP response body is kept.
	MaxResponseBytes int64

	// MaxICMPCount clamps the per-probe packet count.
	MaxICMPCount int

	// PingBinary is the ping executable to invoke for ICMP probes.
	PingBinary string

	// BlockedCIDRs are extra ranges refused by the SSRF gate on top of the
	// built-in loopback/private/link-local set.
	BlockedCIDRs []string

	// AllowLoopback admits 127.0.0.0/8 and ::1 through the SSRF gate. Only
	// tests probing local listeners set this.
	AllowLoopback bool
}

// Target carries the protocol parameters of one probe. Only the fields for
// the selected protocol are read.
type Target struct {
	Protocol model.Protocol

	URL     string
	Method  string
	Headers model.StringMap
	Body    string

	Host      string
	ICMPCount int
	Port      int
}

// Result is the uniform outcome of a probe attempt.
type Result struct {
	Success      bool
	Duration     time.Duration
	ErrorKind    model.ErrorKind
	ErrorMessage string

	HTTP *HTTPResult
	ICMP *ICMPResult
	TCP  *TCPResult
}

type HTTPResult struct {
	StatusCode int
	Headers    model.StringMap
	Body       string
	Size       int64
}

type ICMPResult struct {
	PacketsSent     int
	PacketsReceived int
	PacketLossPct   float64
	MinRTTMs        *float64
	AvgRTTMs        *float64
	MaxRTTMs        *float64
}

type TCPResult struct {
	ConnectTime time.Duration
}

// Prober executes probes. Safe for concurrent use; the HTTP client and its
// connection pool are shared across all workers.
type Prober struct {
	cfg    Config
	gate   *Gate
	client *http.Client
}

func New(cfg Config) (*Prober, error) {
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 64 * 1024
	}
	if cfg.MaxICMPCount <= 0 {
		cfg.MaxICMPCount = 10
	}
	if cfg.PingBinary == "" {
		cfg.PingBinary = "ping"
	}
	gate, err := NewGate(cfg.BlockedCIDRs)
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	gate.allowLoopback = cfg.AllowLoopback
	p := &Prober{cfg: cfg, gate: gate}
	p.client = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			// Redirect targets open new connections, so they pass the
			// same gate as the original URL.
			return gate.Validate(req.URL.String())
		},
	}
	return p, nil
}

// Run executes one probe attempt within the given timeout.
func (p *Prober) Run(ctx context.Context, t Target, timeout time.Duration) *Result {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch t.Protocol {
	case model.ProtocolHTTP:
		return p.runHTTP(ctx, t)
	case model.ProtocolICMP:
		return p.runICMP(ctx, t, timeout)
	case model.ProtocolTCP:
		return p.runTCP(ctx, t, timeout)
	default:
		return &Result{
			ErrorKind:    model.ErrKindUnknown,
			ErrorMessage: fmt.Sprintf("unsupported protocol %q", t.Protocol),
		}
	}
}
