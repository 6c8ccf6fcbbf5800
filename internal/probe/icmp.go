package probe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	logging "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/model"
)

var (
	pingPacketsRe = regexp.MustCompile(`(\d+) packets transmitted, (\d+)(?: packets)? received`)
	pingLossRe    = regexp.MustCompile(`([\d.]+)% packet loss`)
	pingRTTRe     = regexp.MustCompile(`(?:rtt|round-trip) min/avg/max(?:/(?:mdev|stddev))? = ([\d.]+)/([\d.]+)/([\d.]+)`)
)

// runICMP shells out to the system ping binary. Raw ICMP sockets need
// CAP_NET_RAW; the setuid ping that every host ships does not.
func (p *Prober) runICMP(ctx context.Context, t Target, timeout time.Duration) *Result {
	count := t.ICMPCount
	if count < 1 {
		count = 1
	}
	if count > p.cfg.MaxICMPCount {
		count = p.cfg.MaxICMPCount
	}

	totalSecs := int(timeout / time.Second)
	if totalSecs < 1 {
		totalSecs = 1
	}
	perPacket := totalSecs / count
	if perPacket < 1 {
		perPacket = 1
	}

	args := pingArgs(runtime.GOOS, count, perPacket, totalSecs)
	args = append(args, t.Host)

	logging.L_trace("probe: icmp exec", "binary", p.cfg.PingBinary, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, p.cfg.PingBinary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		logging.L_debug("probe: icmp timed out", "host", t.Host, "timeout", timeout)
		return &Result{
			Duration:     elapsed,
			ErrorKind:    model.ErrKindTimeout,
			ErrorMessage: fmt.Sprintf("ping timed out after %s", timeout),
		}
	}
	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			// Binary missing or not executable.
			return &Result{
				Duration:     elapsed,
				ErrorKind:    model.ErrKindICMPError,
				ErrorMessage: fmt.Sprintf("exec ping: %v", runErr),
			}
		}
	}

	output := stdout.String() + stderr.String()
	stats, ok := parsePingOutput(output)
	if !ok {
		msg := classifyPingError(output, t.Host)
		logging.L_debug("probe: icmp unparseable", "host", t.Host, "error", msg)
		return &Result{
			Duration:     elapsed,
			ErrorKind:    model.ErrKindICMPError,
			ErrorMessage: msg,
		}
	}

	res := &Result{
		Duration: elapsed,
		ICMP:     stats,
	}
	if stats.PacketsReceived > 0 {
		res.Success = true
	} else {
		res.ErrorKind = model.ErrKindICMPError
		res.ErrorMessage = classifyPingError(output, t.Host)
	}
	logging.L_trace("probe: icmp done", "host", t.Host, "sent", stats.PacketsSent, "received", stats.PacketsReceived, "elapsed", elapsed)
	return res
}

// pingArgs builds the flag set for the local ping flavor. Linux iputils
// takes -W in seconds; the BSD/macOS ping takes -W in milliseconds and -t as
// the overall deadline.
func pingArgs(goos string, count, perPacketSecs, totalSecs int) []string {
	c := strconv.Itoa(count)
	switch goos {
	case "linux":
		return []string{"-n", "-c", c, "-W", strconv.Itoa(perPacketSecs), "-w", strconv.Itoa(totalSecs)}
	case "darwin", "freebsd", "openbsd", "netbsd":
		return []string{"-n", "-c", c, "-W", strconv.Itoa(perPacketSecs * 1000), "-t", strconv.Itoa(totalSecs)}
	default:
		return []string{"-n", "-c", c}
	}
}

// parsePingOutput extracts the summary stats from canonical ping output.
// Returns ok=false when no transmit summary line is present.
func parsePingOutput(output string) (*ICMPResult, bool) {
	m := pingPacketsRe.FindStringSubmatch(output)
	if m == nil {
		return nil, false
	}
	sent, _ := strconv.Atoi(m[1])
	received, _ := strconv.Atoi(m[2])

	stats := &ICMPResult{
		PacketsSent:     sent,
		PacketsReceived: received,
	}

	if lm := pingLossRe.FindStringSubmatch(output); lm != nil {
		loss, err := strconv.ParseFloat(lm[1], 64)
		if err == nil {
			stats.PacketLossPct = loss
		}
	} else if sent > 0 {
		stats.PacketLossPct = float64(sent-received) / float64(sent) * 100
	}

	if rm := pingRTTRe.FindStringSubmatch(output); rm != nil {
		minRTT, err1 := strconv.ParseFloat(rm[1], 64)
		avgRTT, err2 := strconv.ParseFloat(rm[2], 64)
		maxRTT, err3 := strconv.ParseFloat(rm[3], 64)
		if err1 == nil && err2 == nil && err3 == nil {
			stats.MinRTTMs = &minRTT
			stats.AvgRTTMs = &avgRTT
			stats.MaxRTTMs = &maxRTT
		}
	}

	return stats, true
}

// classifyPingError maps ping's stderr chatter to a stable message.
func classifyPingError(output, host string) string {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "unknown host"),
		strings.Contains(lower, "name or service not known"),
		strings.Contains(lower, "cannot resolve"),
		strings.Contains(lower, "temporary failure in name resolution"):
		return fmt.Sprintf("unknown host: %s", host)
	case strings.Contains(lower, "network is unreachable"):
		return fmt.Sprintf("network unreachable: %s", host)
	case strings.Contains(lower, "destination host unreachable"),
		strings.Contains(lower, "host unreachable"):
		return fmt.Sprintf("host unreachable: %s", host)
	default:
		return fmt.Sprintf("no reply from %s", host)
	}
}
