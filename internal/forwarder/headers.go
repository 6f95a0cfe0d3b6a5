package forwarder

import (
	"net"
	"net/http"
	"strings"
)

// rewriteHeaders applies the outbound header rewriting rules of §4.7:
// Host is preserved verbatim, X-Forwarded-Host/-Proto/-For are set or
// appended, and changeOrigin semantics mean the outbound socket targets
// the computed upstream, never the client-addressed host.
func rewriteHeaders(out *http.Request, in *http.Request, tlsConn bool, proxyAddr string) {
	out.Header = in.Header.Clone()
	out.Host = in.Host

	out.Header.Set("X-Forwarded-Host", in.Host)
	out.Header.Set("X-Forwarded-Proto", forwardedProto(in, tlsConn))

	if peerHost, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		appendHeader(out.Header, "X-Forwarded-For", peerHost)
	} else {
		appendHeader(out.Header, "X-Forwarded-For", in.RemoteAddr)
	}

	if proxyAddr != "" {
		appendHeader(out.Header, "X-Forwarded-Port", proxyAddr)
	}
}

func forwardedProto(in *http.Request, tlsConn bool) string {
	if tlsConn || strings.EqualFold(in.Header.Get("X-Forwarded-Proto"), "https") {
		return "https"
	}
	return "http"
}

func appendHeader(h http.Header, key, value string) {
	if existing := h.Get(key); existing != "" {
		h.Set(key, existing+", "+value)
		return
	}
	h.Set(key, value)
}
