package mitm

import (
	"crypto/tls"
	"log"
	"net"
	"net/http"
	"time"
)

// HandleConn performs a TLS handshake on the hijacked client connection,
// then serves the decrypted HTTP/1.1 exchange through the provided handler.
// The handler receives plaintext HTTP requests that can be inspected and
// filtered. HTTP/2 is never negotiated on the MITM'd connection (the core
// only terminates and re-serves HTTP/1.1).
func HandleConn(clientConn net.Conn, host string, ca *CA, handler http.Handler) {
	tlsCfg := ca.TLSConfigForHost(host)

	tlsConn := tls.Server(clientConn, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		log.Printf("[MITM] TLS handshake failed for %s: %v", host, err)
		return
	}
	defer tlsConn.Close() //nolint:errcheck // best-effort close on TLS connection

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln := &singleConnListener{conn: tlsConn}
	srv.Serve(ln) //nolint:errcheck // always ErrServerClosed for single-conn listener
}

// singleConnListener wraps a single net.Conn as a net.Listener.
// Accept returns the connection once, then blocks until Close is called.
type singleConnListener struct {
	conn net.Conn
	done bool
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.done {
		// Block forever; Serve() calls Close() when the handler returns,
		// which terminates the listener and unblocks the server.
		select {}
	}
	l.done = true
	return l.conn, nil
}

func (l *singleConnListener) Close() error {
	return l.conn.Close()
}

func (l *singleConnListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}
