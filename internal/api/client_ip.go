package api

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// clientIPResolver honours X-Forwarded-For only when the peer is a trusted proxy.
type clientIPResolver struct {
	trusted []netip.Prefix
}

// newClientIPResolver trusts loopback peers plus the given CIDRs or bare addresses.
// Unparseable entries are skipped.
func newClientIPResolver(trusted []string) *clientIPResolver {
	res := &clientIPResolver{
		trusted: []netip.Prefix{
			netip.MustParsePrefix("127.0.0.0/8"),
			netip.MustParsePrefix("::1/128"),
		},
	}
	for _, raw := range trusted {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(raw); err == nil {
			res.trusted = append(res.trusted, prefix.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(raw); err == nil {
			res.trusted = append(res.trusted, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return res
}

func (c *clientIPResolver) clientIPFromRequest(r *http.Request) string {
	peer := remoteHost(r.RemoteAddr)
	addr, err := netip.ParseAddr(peer)
	if err != nil || !c.isTrusted(addr.Unmap()) {
		return peer
	}
	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" {
		return peer
	}
	first, _, _ := strings.Cut(fwd, ",")
	first = strings.TrimSpace(first)
	if _, err := netip.ParseAddr(first); err != nil {
		return peer
	}
	return first
}

func (c *clientIPResolver) isTrusted(addr netip.Addr) bool {
	for _, prefix := range c.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
