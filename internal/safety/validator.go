// Package safety guards outgoing requests against server-side request forgery.
package safety

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"github.com/JakeFAU/resilient-fetch/internal/fetch"
)

const maxRedirectHops = 10

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// reservedPrefixes covers ranges the net.IP predicates do not.
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("64:ff9b:1::/48"),
	netip.MustParsePrefix("100::/64"),
}

// Config controls validator behavior.
type Config struct {
	// BlockedHosts replaces DefaultBlockedHosts when non-empty.
	BlockedHosts []string
	Resolver     Resolver
}

// Validator checks URLs before any network call is made.
type Validator struct {
	blocklist *hostBlocklist
	resolver  Resolver
}

// New builds a Validator.
func New(cfg Config) *Validator {
	hosts := cfg.BlockedHosts
	if len(hosts) == 0 {
		hosts = DefaultBlockedHosts
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Validator{
		blocklist: newHostBlocklist(hosts),
		resolver:  resolver,
	}
}

// Validate returns nil when rawURL is safe to fetch. Rejections wrap
// fetch.ErrSSRFBlocked. A failed DNS lookup passes; the fetch will fail on
// its own.
func (v *Validator) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("%w: parse url: %v", fetch.ErrSSRFBlocked, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", fetch.ErrSSRFBlocked, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty hostname", fetch.ErrSSRFBlocked)
	}
	if entry := v.blocklist.match(host); entry != "" {
		return fmt.Errorf("%w: host %q matches blocked name %q", fetch.ErrSSRFBlocked, host, entry)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if reason := classify(addr); reason != "" {
			return fmt.Errorf("%w: address %s is %s", fetch.ErrSSRFBlocked, addr, reason)
		}
		return nil
	}

	addrs, err := v.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		if reason := classify(addr); reason != "" {
			return fmt.Errorf("%w: host %q resolves to %s address %s", fetch.ErrSSRFBlocked, host, reason, addr.Unmap())
		}
	}
	return nil
}

// Safe is the boolean form of Validate.
func (v *Validator) Safe(ctx context.Context, rawURL string) (bool, string) {
	if err := v.Validate(ctx, rawURL); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// CheckRedirect validates every redirect hop. It fits http.Client.CheckRedirect.
func (v *Validator) CheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirectHops {
		return fmt.Errorf("stopped after %d redirects", maxRedirectHops)
	}
	if err := v.Validate(req.Context(), req.URL.String()); err != nil {
		return fmt.Errorf("redirect to %s: %w", req.URL.Redacted(), err)
	}
	return nil
}

// IsBlocked reports whether err is a safety rejection.
func IsBlocked(err error) bool {
	return errors.Is(err, fetch.ErrSSRFBlocked)
}

// classify names why addr is unsafe, or returns "".
func classify(addr netip.Addr) string {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return "loopback"
	case addr.IsPrivate():
		return "private"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return "link-local"
	case addr.IsMulticast(), addr.IsInterfaceLocalMulticast():
		return "multicast"
	case addr.IsUnspecified():
		return "unspecified"
	}
	if addr.Is4() && addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return "broadcast"
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return "reserved"
		}
	}
	return ""
}
