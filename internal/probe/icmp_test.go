package probe

import (
	"strings"
	"testing"
)

const pingOutputLinux = `PING 8.8.8.8 (8.8.8.8) 56(84) bytes of data.
64 bytes from 8.8.8.8: icmp_seq=1 ttl=117 time=8.31 ms
64 bytes from 8.8.8.8: icmp_seq=2 ttl=117 time=8.02 ms
64 bytes from 8.8.8.8: icmp_seq=3 ttl=117 time=8.19 ms

--- 8.8.8.8 ping statistics ---
3 packets transmitted, 3 received, 0% packet loss, time 2003ms
rtt min/avg/max/mdev = 8.020/8.173/8.310/0.119 ms
`

const pingOutputMac = `PING 8.8.8.8 (8.8.8.8): 56 data bytes
64 bytes from 8.8.8.8: icmp_seq=0 ttl=117 time=9.123 ms
64 bytes from 8.8.8.8: icmp_seq=1 ttl=117 time=9.456 ms

--- 8.8.8.8 ping statistics ---
2 packets transmitted, 2 packets received, 0.0% packet loss
round-trip min/avg/max/stddev = 9.123/9.290/9.456/0.167 ms
`

const pingOutputAllLost = `PING 10.255.255.1 (10.255.255.1) 56(84) bytes of data.

--- 10.255.255.1 ping statistics ---
3 packets transmitted, 0 received, 100% packet loss, time 2031ms
`

func TestParsePingOutput(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		sent     int
		received int
		loss     float64
		wantRTT  bool
		avgRTT   float64
	}{
		{"linux", pingOutputLinux, 3, 3, 0, true, 8.173},
		{"macos", pingOutputMac, 2, 2, 0, true, 9.290},
		{"all lost", pingOutputAllLost, 3, 0, 100, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats, ok := parsePingOutput(tt.output)
			if !ok {
				t.Fatal("expected parse to succeed")
			}
			if stats.PacketsSent != tt.sent || stats.PacketsReceived != tt.received {
				t.Errorf("packets = %d/%d, want %d/%d",
					stats.PacketsSent, stats.PacketsReceived, tt.sent, tt.received)
			}
			if stats.PacketLossPct != tt.loss {
				t.Errorf("loss = %v, want %v", stats.PacketLossPct, tt.loss)
			}
			if tt.wantRTT {
				if stats.AvgRTTMs == nil {
					t.Fatal("expected rtt stats")
				}
				if *stats.AvgRTTMs != tt.avgRTT {
					t.Errorf("avg rtt = %v, want %v", *stats.AvgRTTMs, tt.avgRTT)
				}
			} else if stats.AvgRTTMs != nil {
				t.Errorf("unexpected rtt stats %v", *stats.AvgRTTMs)
			}
		})
	}
}

func TestParsePingOutputGarbage(t *testing.T) {
	if _, ok := parsePingOutput("ping: sendto: Network is unreachable\n"); ok {
		t.Error("expected parse failure without a summary line")
	}
}

func TestClassifyPingError(t *testing.T) {
	tests := []struct {
		output string
		want   string
	}{
		{"ping: unknown host nosuch.invalid", "unknown host"},
		{"ping: nosuch.invalid: Name or service not known", "unknown host"},
		{"ping: cannot resolve nosuch.invalid: Unknown host", "unknown host"},
		{"connect: Network is unreachable", "network unreachable"},
		{"From 10.0.0.1 icmp_seq=1 Destination Host Unreachable", "host unreachable"},
		{"", "no reply"},
	}

	for _, tt := range tests {
		got := classifyPingError(tt.output, "nosuch.invalid")
		if !strings.Contains(got, tt.want) {
			t.Errorf("classifyPingError(%q) = %q, want substring %q", tt.output, got, tt.want)
		}
	}
}

func TestPingArgs(t *testing.T) {
	linux := strings.Join(pingArgs("linux", 3, 2, 6), " ")
	if linux != "-n -c 3 -W 2 -w 6" {
		t.Errorf("linux args = %q", linux)
	}
	mac := strings.Join(pingArgs("darwin", 3, 2, 6), " ")
	if mac != "-n -c 3 -W 2000 -t 6" {
		t.Errorf("darwin args = %q", mac)
	}
}
