package sandbox

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/imgfloat/server-sub000/internal/domain"
)

// resolveURL resolves raw against the host origin and canonicalises it for
// comparison with known URLs. Only http and https are accepted.
func resolveURL(origin *url.URL, raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if !u.IsAbs() && origin != nil {
		u = origin.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", domain.ErrNetworkDenied, u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// canonical renders u for set membership. A port equal to the scheme's
// default is dropped and an empty path becomes "/", so spellings that reach
// the same resource compare equal.
func canonical(u *url.URL) string {
	c := *u
	c.Host = strings.ToLower(c.Host)
	if port := c.Port(); port != "" && port == defaultPort(c.Scheme) {
		c.Host = strings.TrimSuffix(c.Host, ":"+port)
	}
	if c.Path == "" && c.RawPath == "" && c.Opaque == "" {
		c.Path = "/"
	}
	c.Fragment, c.RawFragment = "", ""
	return c.String()
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

// hostPort returns u's lowercase host and explicit or default port.
func hostPort(u *url.URL) (string, string) {
	port := u.Port()
	if port == "" {
		port = defaultPort(u.Scheme)
	}
	return strings.ToLower(u.Hostname()), port
}

func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil || a.Scheme != b.Scheme {
		return false
	}
	ah, ap := hostPort(a)
	bh, bp := hostPort(b)
	return ah == bh && ap == bp
}

// matchDomain reports whether u is covered by one allowed-domain entry. An
// entry with a port matches that exact host and port; otherwise the host
// must equal the entry or be a subdomain of it.
func matchDomain(u *url.URL, entry string) bool {
	entry = strings.ToLower(strings.TrimSpace(entry))
	if i := strings.Index(entry, "://"); i >= 0 {
		entry = entry[i+3:]
	}
	entry = strings.TrimSuffix(entry, "/")
	entry = strings.TrimPrefix(entry, "*.")
	entry = strings.TrimPrefix(entry, ".")
	if entry == "" {
		return false
	}

	host, port := hostPort(u)
	if h, p, err := net.SplitHostPort(entry); err == nil {
		return host == strings.ToLower(h) && port == p
	}
	return host == entry || strings.HasSuffix(host, "."+entry)
}

// allowList is one script's view of permitted network targets.
type allowList struct {
	origin  *url.URL
	own     map[string]struct{}
	shared  func(string) bool
	domains []string
}

// check returns nil when the script may request u.
func (a *allowList) check(u *url.URL) error {
	if sameOrigin(a.origin, u) {
		return nil
	}
	key := canonical(u)
	if _, ok := a.own[key]; ok {
		return nil
	}
	if a.shared != nil && a.shared(key) {
		return nil
	}
	for _, d := range a.domains {
		if matchDomain(u, d) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not an allowed domain", domain.ErrNetworkDenied, u.Host)
}

// knownSet resolves raw URLs into a set of canonical URLs, skipping any
// that fail to resolve.
func knownSet(origin *url.URL, raws ...[]string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, list := range raws {
		for _, raw := range list {
			if raw == "" {
				continue
			}
			if u, err := resolveURL(origin, raw); err == nil {
				set[canonical(u)] = struct{}{}
			}
		}
	}
	return set
}
