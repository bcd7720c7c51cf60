package admission

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/petahq/petamcp/internal/store"
)

const whitelistTTL = 15 * time.Minute

// IPFilter matches client IPs against the read-through cached whitelist.
// Internal failures fail open.
type IPFilter struct {
	wl  store.Whitelist
	log *slog.Logger

	mu        sync.Mutex
	nets      []*net.IPNet
	exacts    []net.IP
	openAll   bool
	fetchedAt time.Time

	nowFunc func() time.Time
}

// NewIPFilter creates the whitelist matcher.
func NewIPFilter(wl store.Whitelist, log *slog.Logger) *IPFilter {
	return &IPFilter{wl: wl, log: log, nowFunc: time.Now}
}

// Allow reports whether the client IP is admitted. An empty whitelist
// or a 0.0.0.0/0 entry disables filtering entirely.
func (f *IPFilter) Allow(ctx context.Context, clientIP string) bool {
	ip := normalizeIP(clientIP)
	if ip == nil {
		f.log.Warn("unparseable client ip", "ip", clientIP)
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.nowFunc()
	if now.Sub(f.fetchedAt) >= whitelistTTL {
		if err := f.refreshLocked(ctx); err != nil {
			f.log.Error("whitelist refresh failed, failing open", "error", err)
			return true
		}
		f.fetchedAt = now
	}

	if f.openAll {
		return true
	}
	for _, e := range f.exacts {
		if e.Equal(ip) {
			return true
		}
	}
	for _, n := range f.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (f *IPFilter) refreshLocked(ctx context.Context) error {
	entries, err := f.wl.ListWhitelist(ctx)
	if err != nil {
		return err
	}
	f.nets = f.nets[:0]
	f.exacts = f.exacts[:0]
	f.openAll = len(entries) == 0
	for _, e := range entries {
		cidr := strings.TrimSpace(e.CIDR)
		if cidr == "0.0.0.0/0" {
			f.openAll = true
		}
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			f.nets = append(f.nets, n)
			continue
		}
		if ip := normalizeIP(cidr); ip != nil {
			f.exacts = append(f.exacts, ip)
			continue
		}
		f.log.Warn("skipping malformed whitelist entry", "entry", cidr)
	}
	return nil
}

// Invalidate forces a re-read on the next Allow call. Used when the
// whitelist is edited over the control plane.
func (f *IPFilter) Invalidate() {
	f.mu.Lock()
	f.fetchedAt = time.Time{}
	f.mu.Unlock()
}

// normalizeIP parses an address, unwrapping IPv6-mapped IPv4 and
// folding ::1 onto the IPv4 loopback.
func normalizeIP(s string) net.IP {
	s = strings.TrimSpace(s)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimPrefix(s, "::ffff:")
	ip := net.ParseIP(s)
	if ip == nil {
		return nil
	}
	if ip.Equal(net.IPv6loopback) {
		return net.ParseIP("127.0.0.1")
	}
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}
