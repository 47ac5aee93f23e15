// Package httpclient builds the single shared outbound HTTP client used by
// both the MITM session handler (component F) and the rule-set updater
// (component G): no redirects, no upstream proxy, the native root store, a
// 60-second per-request timeout, and transparent gzip/deflate/brotli
// response decompression (spec.md §6).
//
// Grounded on internal/proxy.Server's transport field (dialer/timeout
// shape), generalized from a transport used only inline in one package into
// a constructor any component can share.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
)

// New returns the shared outbound HTTP client. It follows no redirects
// (CheckRedirect always stops at the first response), ignores
// HTTP_PROXY/HTTPS_PROXY/NO_PROXY (Proxy: nil — unlike a browser or the
// MITM-accepting listener, the outbound leg to origins never chains through
// another proxy), and relies on the process's native root CA store for
// origin TLS verification.
func New() *http.Client {
	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// DisableCompression turns off net/http's automatic gzip handling so
		// decodingTransport can apply one decompression policy uniformly
		// across gzip, deflate and brotli instead of gzip being special-cased.
		DisableCompression: true,
	}

	return &http.Client{
		Transport: &decodingTransport{base: transport},
		Timeout:   60 * time.Second,
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// decodingTransport wraps an http.RoundTripper and transparently decodes
// gzip, deflate or br (brotli) response bodies, removing the
// Content-Encoding header once decoded so callers always see identity
// content. net/http's transparent gzip handling is disabled on the base
// transport (DisableCompression) so this is the single place all three
// encodings are handled.
type decodingTransport struct {
	base http.RoundTripper
}

func (t *decodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Advertise support for all three so origins that only compress when
	// asked still get compressed on the wire (saves bandwidth on the way
	// back even though we decode it regardless).
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	enc := resp.Header.Get("Content-Encoding")
	var decoded io.Reader
	switch enc {
	case "gzip":
		gz, gerr := gzip.NewReader(resp.Body)
		if gerr != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("httpclient: gzip decode: %w", gerr)
		}
		decoded = gz
	case "deflate":
		decoded = flate.NewReader(resp.Body)
	case "br":
		decoded = brotli.NewReader(resp.Body)
	default:
		return resp, nil
	}

	resp.Body = &decodingReadCloser{Reader: decoded, underlying: resp.Body}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	return resp, nil
}

// decodingReadCloser closes the underlying network body even though the
// decompressing reader wrapping it may not itself implement io.Closer
// (flate.NewReader and brotli.NewReader do not).
type decodingReadCloser struct {
	io.Reader
	underlying io.ReadCloser
}

func (d *decodingReadCloser) Close() error {
	return d.underlying.Close()
}
