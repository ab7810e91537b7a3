package safety

import "strings"

// DefaultBlockedHosts are internal-only names that never leave the network.
var DefaultBlockedHosts = []string{
	"localhost",
	"localhost.localdomain",
	"metadata.google.internal",
	".internal",
	".intranet",
	".local",
	".localdomain",
	".corp",
	".lan",
	".home",
	".home.arpa",
}

// hostBlocklist stores exact hosts and suffix wildcards.
type hostBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// newHostBlocklist accepts "host", ".suffix" and "*.suffix" entries.
// A suffix entry also blocks the bare suffix ("internal" for ".internal").
func newHostBlocklist(patterns []string) *hostBlocklist {
	matcher := &hostBlocklist{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			matcher.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			matcher.addSuffix(strings.TrimPrefix(value, "."))
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	return matcher
}

func (b *hostBlocklist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

// match returns the entry that blocks host, or "".
func (b *hostBlocklist) match(host string) string {
	if b == nil {
		return ""
	}
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return ""
	}
	if _, exact := b.exact[host]; exact {
		return host
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return "." + suffix
		}
	}
	return ""
}
