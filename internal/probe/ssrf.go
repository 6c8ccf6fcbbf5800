package probe

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	logging "github.com/cronboxhq/cronbox/internal/logging"
)

// SSRFError reports a URL refused by the gate.
type SSRFError struct {
	URL    string
	Reason string
}

func (e *SSRFError) Error() string {
	return fmt.Sprintf("URL blocked: %s", e.Reason)
}

// Gate validates probe URLs before any connection is made. It refuses
// non-http(s) schemes, loopback, private, link-local (including cloud
// metadata), multicast and unspecified addresses, plus any configured extra
// CIDRs. Hostnames are resolved first, which catches decimal/hex/octal IP
// encodings and DNS names pointing at internal ranges.
type Gate struct {
	extra []*net.IPNet

	// allowLoopback admits 127.0.0.0/8 and ::1. Only tests probing local
	// listeners set this.
	allowLoopback bool
}

func NewGate(cidrs []string) (*Gate, error) {
	g := &Gate{}
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("blocked cidr %q: %w", c, err)
		}
		g.extra = append(g.extra, ipnet)
	}
	return g, nil
}

// Validate checks whether the URL is safe to connect to.
func (g *Gate) Validate(urlStr string) error {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return &SSRFError{URL: urlStr, Reason: fmt.Sprintf("invalid URL: %v", err)}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return &SSRFError{URL: urlStr, Reason: fmt.Sprintf("scheme '%s' not allowed, only http/https", parsed.Scheme)}
	}

	host := parsed.Hostname()
	if host == "" {
		return &SSRFError{URL: urlStr, Reason: "empty hostname"}
	}

	if isCloudMetadataHost(host) {
		return &SSRFError{URL: urlStr, Reason: fmt.Sprintf("cloud metadata hostname blocked: %s", host)}
	}

	// Resolving first catches encoding tricks: 2130706433, 0x7f000001,
	// 0177.0.0.1 and 127.1 all come back as 127.0.0.1, and DNS names like
	// localtest.me come back as whatever they point at.
	ips, err := net.LookupIP(host)
	if err != nil {
		ip := net.ParseIP(host)
		if ip == nil {
			return &SSRFError{URL: urlStr, Reason: fmt.Sprintf("DNS resolution failed: %v", err)}
		}
		ips = []net.IP{ip}
	}

	for _, ip := range ips {
		if reason := g.blockedIP(ip); reason != "" {
			logging.L_debug("ssrf: blocked IP", "url", urlStr, "host", host, "ip", ip.String(), "reason", reason)
			return &SSRFError{URL: urlStr, Reason: fmt.Sprintf("%s (%s resolves to %s)", reason, host, ip.String())}
		}
	}

	logging.L_trace("ssrf: URL passed validation", "url", urlStr, "host", host)
	return nil
}

// blockedIP returns a reason string if the IP must be refused, empty if OK.
func (g *Gate) blockedIP(ip net.IP) string {
	if ip.IsLoopback() {
		if g.allowLoopback {
			return ""
		}
		return "loopback address blocked"
	}
	if ip.IsPrivate() {
		return "private network address blocked"
	}
	if ip.IsLinkLocalUnicast() {
		return "link-local address blocked"
	}
	if ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast() || ip.IsMulticast() {
		return "multicast address blocked"
	}
	if ip.IsUnspecified() {
		return "unspecified address blocked"
	}

	// 169.254.169.254 falls inside link-local, but name it explicitly.
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return "cloud metadata address blocked"
	}

	for _, n := range g.extra {
		if n.Contains(ip) {
			return fmt.Sprintf("address in blocked range %s", n)
		}
	}

	// IPv4-mapped IPv6: unwrap and check the IPv4 side too.
	if ip4 := ip.To4(); ip4 != nil && !ip.Equal(ip4) {
		if reason := g.blockedIP(ip4); reason != "" {
			return reason + " (IPv4-mapped)"
		}
	}

	return ""
}

// isCloudMetadataHost checks for known cloud metadata hostnames.
func isCloudMetadataHost(host string) bool {
	host = strings.ToLower(host)

	metadataHosts := []string{
		"metadata.google.internal",
		"metadata.goog",
		"kubernetes.default.svc",
		"kubernetes.default",
		"metadata",
	}

	for _, mh := range metadataHosts {
		if host == mh || strings.HasSuffix(host, "."+mh) {
			return true
		}
	}

	return false
}
