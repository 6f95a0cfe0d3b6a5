package forwarder

import (
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// isUpgrade reports whether r carries a Connection: Upgrade header
// (WebSocket or any other protocol upgrade).
func isUpgrade(r *http.Request) bool {
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "Upgrade") {
				return true
			}
		}
	}
	return false
}

// serveUpgrade handles the raw-socket splice path for WebSocket and other
// Connection: Upgrade requests, per §4.7's upgrade handling: routing is
// resolved the same way as a normal request, but a miss destroys the
// socket silently rather than writing an HTTP error response, since by
// this point the client has already committed to a non-HTTP protocol
// switch.
func (s *Server) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		writeStatus(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	host := normalizeHost(r.Host)
	var target *url.URL
	if host != "" {
		if m, err := s.resolver.Get(host, r.URL.Path); err == nil && m != nil {
			if raw, err := s.builder.Build(m, r.URL.RequestURI()); err == nil {
				target, _ = url.Parse(raw)
			}
		}
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		s.log.Error("upgrade hijack failed", zap.Error(err))
		return
	}
	defer clientConn.Close()

	if target == nil {
		return // missing host or unmapped host: destroy the socket silently
	}

	upstreamConn, err := net.DialTimeout("tcp", target.Host, defaultTimeout)
	if err != nil {
		s.log.Warn("upgrade upstream dial failed", zap.String("target", target.Host), zap.Error(err))
		return
	}
	defer upstreamConn.Close()

	out := r.Clone(r.Context())
	out.URL = target
	out.RequestURI = ""
	rewriteHeaders(out, r, r.TLS != nil, target.Port())
	if err := out.Write(upstreamConn); err != nil {
		s.log.Warn("upgrade request write failed", zap.Error(err))
		return
	}

	if n := clientBuf.Reader.Buffered(); n > 0 {
		if _, err := io.CopyN(upstreamConn, clientBuf.Reader, int64(n)); err != nil {
			return
		}
	}

	splice(clientConn, upstreamConn)
}

// splice copies bytes in both directions until either side closes,
// preserving subprotocols and custom headers byte-for-byte since nothing
// above the TCP layer is interpreted after the initial request write.
func splice(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
}
