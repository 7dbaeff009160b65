package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync/atomic"
)

// ClientIPExtractor resolves the client address of a request. Forwarded
// headers are honored only when the direct peer is a trusted proxy, so an
// empty extractor always returns the peer address.
type ClientIPExtractor struct {
	trusted []netip.Prefix
}

// NewClientIPExtractor creates an extractor trusting the given CIDRs or
// single addresses. Entries that parse as neither are skipped.
func NewClientIPExtractor(trustedProxies []string) *ClientIPExtractor {
	prefixes := make([]netip.Prefix, 0, len(trustedProxies))
	for _, entry := range trustedProxies {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(entry); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return &ClientIPExtractor{trusted: prefixes}
}

// Extract returns the client IP. Behind trusted proxies it walks
// X-Forwarded-For right to left and returns the first untrusted hop.
func (e *ClientIPExtractor) Extract(r *http.Request) string {
	remote := stripPort(r.RemoteAddr)
	if len(e.trusted) == 0 || !e.isTrusted(remote) {
		return remote
	}

	hops := strings.Split(r.Header.Get(HeaderXForwardedFor), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop != "" && !e.isTrusted(hop) {
			return hop
		}
	}
	return remote
}

func (e *ClientIPExtractor) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range e.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// stripPort removes the port from an address string.
func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

var globalExtractor atomic.Pointer[ClientIPExtractor]

func init() {
	globalExtractor.Store(NewClientIPExtractor(nil))
}

// SetGlobalIPExtractor sets the extractor used by the logging and rate
// limit middleware. It is called once at startup.
func SetGlobalIPExtractor(e *ClientIPExtractor) {
	if e != nil {
		globalExtractor.Store(e)
	}
}
