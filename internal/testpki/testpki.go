// Package testpki creates throwaway certificate hierarchies and OCSP
// responses for tests.
package testpki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/digitorus/timestamp"
	"golang.org/x/crypto/ocsp"
)

// XML signature algorithm URIs reported by Signer.Algorithm.
const (
	AlgorithmRSASHA256   = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgorithmECDSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"
	AlgorithmEd25519     = "http://www.w3.org/2021/04/xmldsig-more#eddsa-ed25519"
)

var serials atomic.Int64

func nextSerial() *big.Int {
	return big.NewInt(1000 + serials.Add(1))
}

// PKI is a root CA able to issue leaf and responder certificates.
type PKI struct {
	CA    *x509.Certificate
	CAKey crypto.Signer
	// Now anchors validity periods of issued certificates.
	Now time.Time
}

// New creates a self-signed root CA valid around now.
func New(t testing.TB, now time.Time) *PKI {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating CA key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{Country: []string{"EE"}, Organization: []string{"Test"}, CommonName: "Test Root CA"},
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("creating CA certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing CA certificate: %v", err)
	}
	return &PKI{CA: cert, CAKey: key, Now: now}
}

// Issue creates a certificate for subject signed by the CA. When rsaKey is
// true the leaf gets an RSA key, otherwise ECDSA P-256.
func (p *PKI) Issue(t testing.TB, subject pkix.Name, rsaKey bool, ekus ...x509.ExtKeyUsage) (*x509.Certificate, crypto.Signer) {
	t.Helper()
	var key crypto.Signer
	var err error
	if rsaKey {
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	} else {
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return p.IssueKey(t, subject, key.Public(), ekus...), key
}

// IssueKey creates a certificate for subject binding pub.
func (p *PKI) IssueKey(t testing.TB, subject pkix.Name, pub crypto.PublicKey, ekus ...x509.ExtKeyUsage) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: nextSerial(),
		Subject:      subject,
		NotBefore:    p.Now.Add(-time.Hour),
		NotAfter:     p.Now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		ExtKeyUsage:  ekus,
		OCSPServer:   []string{"http://ocsp.test.invalid"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, p.CA, pub, p.CAKey)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return cert
}

// Responder issues a delegated OCSP responder certificate.
func (p *PKI) Responder(t testing.TB) (*x509.Certificate, crypto.Signer) {
	t.Helper()
	return p.Issue(t, pkix.Name{CommonName: "Test OCSP Responder"}, false, x509.ExtKeyUsageOCSPSigning)
}

// OCSPOptions customize a response.
type OCSPOptions struct {
	Status     int
	ThisUpdate time.Time
	NextUpdate time.Time
	RevokedAt  time.Time
	// Responder signs the response and is embedded. Nil means the CA signs
	// without embedding a certificate.
	Responder    *x509.Certificate
	ResponderKey crypto.Signer
	// Serial overrides the subject serial number.
	Serial *big.Int
}

// OCSP creates a DER encoded OCSP response for subject.
func (p *PKI) OCSP(t testing.TB, subject *x509.Certificate, opts OCSPOptions) []byte {
	t.Helper()
	if opts.ThisUpdate.IsZero() {
		opts.ThisUpdate = p.Now.Add(-time.Minute)
	}
	serial := subject.SerialNumber
	if opts.Serial != nil {
		serial = opts.Serial
	}
	tmpl := ocsp.Response{
		Status:       opts.Status,
		SerialNumber: serial,
		ThisUpdate:   opts.ThisUpdate,
		NextUpdate:   opts.NextUpdate,
		RevokedAt:    opts.RevokedAt,
	}
	responder, key := p.CA, p.CAKey
	if opts.Responder != nil {
		responder, key = opts.Responder, opts.ResponderKey
		tmpl.Certificate = opts.Responder
	}
	der, err := ocsp.CreateResponse(p.CA, responder, tmpl, key)
	if err != nil {
		t.Fatalf("creating OCSP response: %v", err)
	}
	return der
}

// Signer is a software signer exposing its certificate.
type Signer struct {
	Key  crypto.Signer
	Cert *x509.Certificate
}

// NewSigner issues a signing certificate for subject.
func (p *PKI) NewSigner(t testing.TB, subject pkix.Name, rsaKey bool) *Signer {
	t.Helper()
	cert, key := p.Issue(t, subject, rsaKey)
	return &Signer{Key: key, Cert: cert}
}

func (s *Signer) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.Key.Sign(rand, digest, opts)
}

func (s *Signer) Public() crypto.PublicKey { return s.Key.Public() }

func (s *Signer) Certificate() *x509.Certificate { return s.Cert }

func (s *Signer) Algorithm() string {
	switch s.Key.(type) {
	case *rsa.PrivateKey:
		return AlgorithmRSASHA256
	case ed25519.PrivateKey:
		return AlgorithmEd25519
	}
	return AlgorithmECDSASHA256
}

// NewEd25519Signer issues an Ed25519 signing certificate for subject.
func (p *PKI) NewEd25519Signer(t testing.TB, subject pkix.Name) *Signer {
	t.Helper()
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return &Signer{Key: key, Cert: p.IssueKey(t, subject, pub)}
}

// TSA issues a time-stamping authority certificate.
func (p *PKI) TSA(t testing.TB) (*x509.Certificate, crypto.Signer) {
	t.Helper()
	return p.Issue(t, pkix.Name{CommonName: "Test TSA"}, false, x509.ExtKeyUsageTimeStamping)
}

// Timestamp creates a DER encoded TimeStampResp over imprint, computed with
// h, signed by the TSA certificate.
func (p *PKI) Timestamp(t testing.TB, tsa *x509.Certificate, key crypto.Signer, h crypto.Hash, imprint []byte) []byte {
	t.Helper()
	return p.timestamp(t, tsa, key, h, imprint, true)
}

// TimestampWithoutCertificate is Timestamp with the TSA certificate left
// out of the token.
func (p *PKI) TimestampWithoutCertificate(t testing.TB, tsa *x509.Certificate, key crypto.Signer, h crypto.Hash, imprint []byte) []byte {
	t.Helper()
	return p.timestamp(t, tsa, key, h, imprint, false)
}

func (p *PKI) timestamp(t testing.TB, tsa *x509.Certificate, key crypto.Signer, h crypto.Hash, imprint []byte, withCert bool) []byte {
	t.Helper()
	ts := timestamp.Timestamp{
		HashAlgorithm:     h,
		HashedMessage:     imprint,
		Time:              p.Now,
		SerialNumber:      nextSerial(),
		Policy:            asn1.ObjectIdentifier{1, 2, 3, 4, 1},
		AddTSACertificate: withCert,
	}
	der, err := ts.CreateResponse(tsa, key)
	if err != nil {
		t.Fatalf("creating time-stamp: %v", err)
	}
	return der
}
