package provider

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"

	ccflare "github.com/ccflare/ccflare/internal"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. Set forceHTTP2 to true for remote HTTPS APIs, false
// for local HTTP/1.1 servers.
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// hopByHopHeaders must not be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// CopyInboundHeaders copies client headers onto an outbound request, dropping
// hop-by-hop headers and any inbound credentials. The adapter injects the
// account's own auth afterwards.
func CopyInboundHeaders(dst, src http.Header) {
	for key, vals := range src {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		lower := strings.ToLower(key)
		if lower == "authorization" || lower == "x-api-key" || lower == "host" ||
			lower == "content-length" || lower == ccflare.BypassSessionHeader {
			continue
		}
		dst[key] = vals
	}
}

// CopyResponseHeaders copies upstream response headers to the client writer,
// dropping hop-by-hop headers.
func CopyResponseHeaders(dst, src http.Header) {
	for key, vals := range src {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}
