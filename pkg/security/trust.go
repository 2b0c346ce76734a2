package security

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrIssuerNotFound is returned when no issuer of a certificate is known.
var ErrIssuerNotFound = errors.New("issuer certificate not found")

// TrustProvider supplies the trust material used to validate signer
// certificates and OCSP responses.
//
// Implementations must be safe for concurrent use.
type TrustProvider interface {
	// TrustAnchors returns the trusted root certificates.
	TrustAnchors() []*x509.Certificate

	// Intermediates returns known intermediate CA certificates.
	Intermediates() []*x509.Certificate

	// OCSPResponders returns the responders explicitly trusted to sign OCSP
	// responses on behalf of issuer.
	OCSPResponders(issuer *x509.Certificate) []*x509.Certificate
}

// StaticTrustProvider is an in-memory TrustProvider.
type StaticTrustProvider struct {
	mu            sync.RWMutex
	anchors       []*x509.Certificate
	intermediates []*x509.Certificate
	responders    map[string][]*x509.Certificate
}

// NewStaticTrustProvider creates a provider trusting the given anchors.
func NewStaticTrustProvider(anchors ...*x509.Certificate) *StaticTrustProvider {
	return &StaticTrustProvider{
		anchors:    anchors,
		responders: make(map[string][]*x509.Certificate),
	}
}

// AddTrustAnchor adds a trusted root certificate.
func (p *StaticTrustProvider) AddTrustAnchor(cert *x509.Certificate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.anchors = append(p.anchors, cert)
}

// AddIntermediate adds an intermediate CA certificate.
func (p *StaticTrustProvider) AddIntermediate(cert *x509.Certificate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intermediates = append(p.intermediates, cert)
}

// AddOCSPResponder trusts responder to sign OCSP responses for issuer.
func (p *StaticTrustProvider) AddOCSPResponder(issuer, responder *x509.Certificate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := CertHash(issuer)
	p.responders[key] = append(p.responders[key], responder)
}

// TrustAnchors implements TrustProvider.
func (p *StaticTrustProvider) TrustAnchors() []*x509.Certificate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*x509.Certificate(nil), p.anchors...)
}

// Intermediates implements TrustProvider.
func (p *StaticTrustProvider) Intermediates() []*x509.Certificate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*x509.Certificate(nil), p.intermediates...)
}

// OCSPResponders implements TrustProvider.
func (p *StaticTrustProvider) OCSPResponders(issuer *x509.Certificate) []*x509.Certificate {
	if issuer == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*x509.Certificate(nil), p.responders[CertHash(issuer)]...)
}

// CertPool returns a pool holding certs.
func CertPool(certs []*x509.Certificate) *x509.CertPool {
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool
}

// FindIssuer looks up the certificate that signed cert among extra, the
// provider's intermediates and its trust anchors, in that order.
func FindIssuer(tp TrustProvider, cert *x509.Certificate, extra []*x509.Certificate) (*x509.Certificate, error) {
	if cert == nil {
		return nil, fmt.Errorf("%w: nil certificate", ErrInvalidCertificate)
	}

	candidates := make([]*x509.Certificate, 0, len(extra)+8)
	candidates = append(candidates, extra...)
	if tp != nil {
		candidates = append(candidates, tp.Intermediates()...)
		candidates = append(candidates, tp.TrustAnchors()...)
	}

	for _, c := range candidates {
		if c == nil || !bytes.Equal(c.RawSubject, cert.RawIssuer) {
			continue
		}
		if err := cert.CheckSignatureFrom(c); err == nil {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrIssuerNotFound, cert.Issuer.String())
}

// CertHash returns the hex encoded SHA-256 digest of the certificate DER.
func CertHash(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// LoadCertificates reads every CERTIFICATE block from a PEM file.
func LoadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading certificate file: %w", err)
	}
	return ParseCertificatesPEM(data)
}

// ParseCertificatesPEM parses every CERTIFICATE block in data.
func ParseCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no PEM certificates found")
	}
	return certs, nil
}
