package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	logging "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/model"
)

func (p *Prober) runTCP(ctx context.Context, t Target, timeout time.Duration) *Result {
	addr := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
	dialer := net.Dialer{Timeout: timeout}

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	elapsed := time.Since(start)
	if err != nil {
		kind := model.ErrKindTCPError
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			kind = model.ErrKindTimeout
		}
		logging.L_debug("probe: tcp connect failed", "addr", addr, "kind", kind, "elapsed", elapsed, "error", err)
		return &Result{
			Duration:     elapsed,
			ErrorKind:    kind,
			ErrorMessage: fmt.Sprintf("connect %s: %v", addr, err),
		}
	}
	conn.Close()

	logging.L_trace("probe: tcp connected", "addr", addr, "elapsed", elapsed)
	return &Result{
		Success:  true,
		Duration: elapsed,
		TCP:      &TCPResult{ConnectTime: elapsed},
	}
}
