// Package mitm provides MITM TLS termination for intercepting HTTPS traffic.
// It dynamically generates leaf certificates signed by a local CA, enabling
// the proxy to decrypt, inspect, and filter HTTPS request/response bodies.
package mitm

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // SKI/AKI per RFC 5280 §4.2.1.2 method 1 is a SHA-1 digest, not a security primitive
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// leafBackdate and leafLifetime set a minted leaf's validity window,
// [now-leafBackdate, now+leafLifetime). Leaves are regenerated fresh on every
// process start, so this is long enough to outlive any single run.
const (
	leafBackdate = 60 * time.Second
	leafLifetime = 365 * 24 * time.Hour
	maxCNLength  = 64
	fallbackCN   = "cn_too_long.local"
)

// CA holds certificate authority material and the per-hostname leaf cache.
type CA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey

	mu    sync.RWMutex
	cache map[string]*tls.Certificate // hostname → leaf cert; entries are never replaced, Reload drops the whole map when the CA changes

	group singleflight.Group // coalesces concurrent mints for the same hostname

	onMint func(time.Duration) // optional observer, called once per real mint (never per cache hit)
}

// SetMintObserver registers fn to be called with the wall-clock duration of
// every real leaf mint (cache hits and coalesced rendezvous waiters do not
// trigger it). Used to drive the cert-mint latency/count metrics without
// coupling this package to a metrics type.
func (ca *CA) SetMintObserver(fn func(time.Duration)) {
	ca.onMint = fn
}

// LoadOrGenerateCA loads a CA from PEM files, or generates one if the files
// don't exist. If the files exist but are invalid, an error is returned.
func LoadOrGenerateCA(certFile, keyFile string) (*CA, error) {
	ca, err := LoadCA(certFile, keyFile)
	if err == nil {
		return ca, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		if genErr := GenerateCA(certFile, keyFile); genErr != nil {
			return nil, fmt.Errorf("generate CA: %w", genErr)
		}
		ca, err = LoadCA(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load generated CA: %w", err)
		}
		return ca, nil
	}

	return nil, fmt.Errorf("load CA: %w", err)
}

// LoadCA reads a CA certificate and private key from PEM files.
func LoadCA(certFile, keyFile string) (*CA, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("no PEM block found in %s", certFile)
	}
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("no PEM block found in %s", keyFile)
	}
	caKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		key, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("parse CA key: %w (also tried PKCS8: %v)", err, err2)
		}
		var ok bool
		caKey, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("CA key is not RSA")
		}
	}

	return &CA{
		cert:  caCert,
		key:   caKey,
		cache: make(map[string]*tls.Certificate),
	}, nil
}

// GenerateCA creates a new self-signed CA certificate and private key,
// writing them to the specified PEM files.
func GenerateCA(certFile, keyFile string) error {
	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	ski, err := subjectKeyID(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("compute subject key id: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "Privaxy Local CA",
			Organization: []string{"Privaxy"},
		},
		NotBefore:             time.Now().Add(-leafBackdate),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
		SubjectKeyId:          ski,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA cert: %w", err)
	}

	certOut, err := os.OpenFile(certFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create cert file: %w", err)
	}
	defer certOut.Close() //nolint:errcheck // best-effort close
	if encErr := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); encErr != nil {
		return fmt.Errorf("write cert PEM: %w", encErr)
	}

	keyOut, err := os.OpenFile(keyFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	defer keyOut.Close() //nolint:errcheck // best-effort close
	if encErr := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}); encErr != nil {
		return fmt.Errorf("write key PEM: %w", encErr)
	}

	return nil
}

// Reload re-reads the CA certificate and key from certFile/keyFile. If the
// material is byte-identical to what's already loaded, it's a no-op and
// reports changed=false; the existing leaf cache is left untouched. If the
// material differs, the new cert/key are swapped in and the leaf cache is
// flushed, since every previously minted leaf was signed by the old root
// and is no longer trusted by clients that only trust the new one.
func (ca *CA) Reload(certFile, keyFile string) (changed bool, err error) {
	fresh, err := LoadCA(certFile, keyFile)
	if err != nil {
		return false, err
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()
	if ca.cert != nil && bytes.Equal(ca.cert.Raw, fresh.cert.Raw) {
		return false, nil
	}
	ca.cert = fresh.cert
	ca.key = fresh.key
	ca.cache = make(map[string]*tls.Certificate)
	return true, nil
}

// CertFor returns the leaf TLS certificate for host, minting it on first use.
// Concurrent callers for the same host coalesce onto a single mint via the
// CA's singleflight group: the CA observes exactly one CSR per hostname, and
// every caller receives the identical leaf. Once minted, a host's leaf is
// never replaced, unless Reload loads different CA material and flushes the
// whole cache.
func (ca *CA) CertFor(host string) (*tls.Certificate, error) {
	ca.mu.RLock()
	if c, ok := ca.cache[host]; ok {
		ca.mu.RUnlock()
		return c, nil
	}
	ca.mu.RUnlock()

	v, err, _ := ca.group.Do(host, func() (any, error) {
		// Re-check under the coalescing group: another goroutine may have
		// finished minting between our RUnlock above and entering Do.
		ca.mu.RLock()
		if c, ok := ca.cache[host]; ok {
			ca.mu.RUnlock()
			return c, nil
		}
		ca.mu.RUnlock()

		start := time.Now()
		ca.mu.RLock()
		leaf, mintErr := ca.mint(host)
		ca.mu.RUnlock()
		if mintErr != nil {
			return nil, mintErr
		}
		if ca.onMint != nil {
			ca.onMint(time.Since(start))
		}

		ca.mu.Lock()
		ca.cache[host] = leaf
		ca.mu.Unlock()
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

// mint signs a fresh leaf certificate for host. It performs no caching;
// callers are responsible for publishing the result.
func (ca *CA) mint(host string) (*tls.Certificate, error) {
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	ski, err := subjectKeyID(&leafKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute subject key id: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonNameFor(host)},
		DNSNames:              []string{host},
		NotBefore:             time.Now().Add(-leafBackdate),
		NotAfter:              time.Now().Add(leafLifetime),
		SignatureAlgorithm:    x509.SHA256WithRSA,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageContentCommitment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          ski,
		AuthorityKeyId:        ca.cert.SubjectKeyId,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &leafKey.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("sign leaf cert: %w", err)
	}

	leaf := &tls.Certificate{
		Certificate: [][]byte{derBytes, ca.cert.Raw},
		PrivateKey:  leafKey,
	}
	leaf.Leaf, err = x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, fmt.Errorf("parse minted leaf: %w", err)
	}
	return leaf, nil
}

// TLSConfigForHost returns a *tls.Config that presents a dynamically minted
// certificate for host. HTTP/1.1 only: the core never negotiates h2 on the
// MITM'd connection.
func (ca *CA) TLSConfigForHost(host string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return ca.CertFor(host)
		},
		NextProtos: []string{"http/1.1"},
	}
}

// commonNameFor returns host as the CN when it fits in maxCNLength bytes and
// the sentinel fallbackCN otherwise; host is never cut short (the SAN DNS
// name is unaffected).
func commonNameFor(host string) string {
	if len(host) <= maxCNLength {
		return host
	}
	return fallbackCN
}

// randomSerial returns a random positive 160-bit serial number.
func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 160))
}

// subjectKeyID computes a SubjectKeyIdentifier per RFC 5280 §4.2.1.2 (1):
// the SHA-1 hash of the DER-encoded public key bit string.
func subjectKeyID(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(der) //nolint:gosec // see package-level note
	return sum[:], nil
}
