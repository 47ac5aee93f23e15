// Package proxy implements the MITM session handler (spec component F): the
// entry point for every TCP connection the listener accepts. A plain HTTP
// request is filtered and forwarded directly (Case 1); a CONNECT request is
// answered with "200 Connection Established", TLS-terminated with a leaf
// minted by (B), and every inner request within the decrypted stream is run
// back through Case 1's logic with the target URL reconstructed as
// https://<host><path>.
package proxy

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"privaxy-go/internal/engine"
	"privaxy-go/internal/events"
	"privaxy-go/internal/exclusion"
	"privaxy-go/internal/logger"
	"privaxy-go/internal/metrics"
	"privaxy-go/internal/mitm"
	"privaxy-go/internal/rewriter"
)

const blockedBody = "Blocked by Privaxy"

// Server is the MITM session handler.
type Server struct {
	engine     *engine.Client
	exclusions *exclusion.Store
	blocking   *engine.Flag
	metrics    *metrics.Metrics
	broadcast  *events.Broadcaster
	outbound   *http.Client
	ca         *mitm.CA
	log        *logger.Logger
}

// New builds a Server wired to the shared engine client, exclusion store,
// blocking flag, metrics registry, event broadcaster, outbound HTTP client
// and CA.
func New(engineClient *engine.Client, exclusions *exclusion.Store, blocking *engine.Flag, m *metrics.Metrics, broadcast *events.Broadcaster, outbound *http.Client, ca *mitm.CA, log *logger.Logger) *Server {
	return &Server{
		engine:     engineClient,
		exclusions: exclusions,
		blocking:   blocking,
		metrics:    m,
		broadcast:  broadcast,
		outbound:   outbound,
		ca:         ca,
		log:        log,
	}
}

// publish is a no-op when no broadcaster is wired (e.g. in tests that don't
// care about the SSE feed).
func (s *Server) publish(kind events.Kind, url string) {
	if s.broadcast == nil {
		return
	}
	s.broadcast.Publish(events.Event{Kind: kind, URL: url, Timestamp: time.Now().Unix()})
}

// ServeHTTP dispatches CONNECT requests to the MITM path and everything else
// through the plain-HTTP path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	s.handleHTTP(w, r, "http", "")
}

// handleConnect implements spec.md §4.F Case 2. The leaf is minted before
// any byte is written to the client, so a mint failure can still be
// reported as a clean 502 instead of a torn-open tunnel.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	conn, _, err := hijacker.Hijack()
	if err != nil {
		s.log.Debugf("connect_hijack", "%s: %v", host, err)
		return
	}
	defer conn.Close() //nolint:errcheck // best-effort close

	if _, err := s.ca.CertFor(host); err != nil {
		s.metrics.ErrorsCert.Add(1)
		s.log.Errorf("cert_mint", "%s: %v", host, err)
		conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n")) //nolint:errcheck
		return
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		s.log.Debugf("connect_reply", "%s: %v", host, err)
		return
	}

	mitm.HandleConn(conn, host, s.ca, http.HandlerFunc(func(w2 http.ResponseWriter, r2 *http.Request) {
		s.handleHTTP(w2, r2, "https", host)
	}))
}

// handleHTTP implements spec.md §4.F Case 1. scheme/connectHost are "http"/""
// for a plain request and "https"/<CONNECT target> for a request running
// inside an already-terminated tunnel.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request, scheme, connectHost string) {
	// An absolute-form request line (plain HTTP proxying) carries the
	// authoritative target host in the URL; a Host header is only
	// informative there and may be stale. Inside a MITM'd tunnel the
	// request line is origin-form, so the Host header (falling back to the
	// CONNECT target) is authoritative instead.
	host := r.Host
	if r.URL.IsAbs() {
		host = r.URL.Host
	} else if host == "" {
		host = connectHost
	}
	domain := hostOnly(host)

	targetURL := scheme + "://" + host + r.URL.RequestURI()

	referer := r.Header.Get("Referer")
	excluded := s.exclusions.Matches(domain)

	if !excluded && s.blocking.Enabled() {
		res, err := s.engine.IsBlocked(r.Context(), targetURL, referer, "other")
		if err != nil {
			// Client disconnected or request context cancelled; nothing to
			// respond to.
			return
		}
		if res.Exception {
			s.metrics.Exceptions.Add(1)
			s.publish(events.Exception, targetURL)
		}
		if res.Blocked && !res.Exception {
			s.metrics.Blocked.Add(1)
			s.publish(events.Blocked, targetURL)
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(blockedBody)) //nolint:errcheck
			return
		}
	}

	s.metrics.Proxied.Add(1)
	s.publish(events.Proxied, targetURL)
	s.forward(w, r, targetURL, scheme, host, excluded)
}

// forward sends the request to the origin and streams the response back,
// attaching the cosmetic rewriter when the response is HTML, unless the
// host is excluded: an excluded host must skip both network and cosmetic
// filtering, so no engine query of any kind is issued for it.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, targetURL, scheme, host string, excluded bool) {
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, r.Body)
	if err != nil {
		s.log.Debugf("forward_build", "%s: %v", targetURL, err)
		http.Error(w, "bad request", http.StatusBadGateway)
		return
	}
	outReq.Header = r.Header.Clone()
	removeHopByHop(outReq.Header)
	outReq.ContentLength = r.ContentLength

	start := time.Now()
	resp, err := s.outbound.Do(outReq)
	s.metrics.RecordUpstreamLatency(time.Since(start))
	if err != nil {
		s.metrics.ErrorsUpstream.Add(1)
		s.log.Warnf("upstream", "%s %s: %v", r.Method, targetURL, err)
		http.Error(w, fmt.Sprintf("upstream error: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close() //nolint:errcheck

	removeHopByHop(resp.Header)
	copyHeader(w.Header(), resp.Header)

	contentType := resp.Header.Get("Content-Type")
	isHTML := strings.HasPrefix(contentType, "text/html")

	if isHTML && !excluded {
		w.Header().Del("Content-Length")
		w.WriteHeader(resp.StatusCode)
		modified, rerr := rewriter.Rewrite(r.Context(), w, resp.Body, targetURL, s.engine)
		if rerr != nil {
			s.log.Debugf("rewrite", "%s: %v", targetURL, rerr)
			return
		}
		if modified {
			s.metrics.Modified.Add(1)
			s.publish(events.Modified, targetURL)
		}
		return
	}

	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body) //nolint:errcheck
}

// hostOnly strips a trailing ":port" from host, if present.
func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade", "Proxy-Connection",
}

func removeHopByHop(h http.Header) {
	for _, v := range hopByHopHeaders {
		h.Del(v)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
