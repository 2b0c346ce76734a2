package security

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ocsp"

	"github.com/sirosfoundation/go-msglog/pkg/fault"
)

// OCSP status names carried by evidence and errors.
const (
	StatusGood    = "good"
	StatusRevoked = "revoked"
	StatusUnknown = "unknown"
)

// OCSPEvidence is a validated OCSP response for one subject certificate.
type OCSPEvidence struct {
	ResponderCert *x509.Certificate
	SubjectHash   string
	SerialNumber  *big.Int
	ThisUpdate    time.Time
	NextUpdate    time.Time
	Status        string
	RevokedAt     time.Time
	// Raw is the DER encoded OCSP response.
	Raw []byte
}

// FreshnessPolicy decides whether OCSP evidence may still be used.
type FreshnessPolicy struct {
	// Freshness is the maximum age of ThisUpdate.
	Freshness time.Duration
	// VerifyNextUpdate additionally rejects responses whose NextUpdate has
	// passed.
	VerifyNextUpdate bool
}

// DefaultFreshness is the default OCSP freshness window.
const DefaultFreshness = time.Hour

// Expired reports whether a response with the given update times is expired
// at the instant at.
func (p FreshnessPolicy) Expired(thisUpdate, nextUpdate, at time.Time) bool {
	if thisUpdate.Before(at.Add(-p.Freshness)) {
		return true
	}
	if p.VerifyNextUpdate && !nextUpdate.IsZero() && nextUpdate.Before(at) {
		return true
	}
	return false
}

const cacheShards = 32

// OCSPCache holds validated OCSP evidence keyed by subject certificate hash.
// Entries found expired on read are removed. Locking is per shard so
// unrelated certificates do not contend.
type OCSPCache struct {
	policy FreshnessPolicy
	shards [cacheShards]cacheShard
	logger *slog.Logger

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type cacheShard struct {
	mu      sync.Mutex
	entries map[string]*OCSPEvidence
}

// CacheStats are cumulative cache counters.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
}

// NewOCSPCache creates a cache applying policy on every read.
func NewOCSPCache(policy FreshnessPolicy, logger *slog.Logger) *OCSPCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &OCSPCache{policy: policy, logger: logger}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*OCSPEvidence)
	}
	return c
}

func (c *OCSPCache) shard(key string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.shards[h.Sum32()%cacheShards]
}

// Get returns the evidence stored under subjectHash if it is not expired at
// the instant at. Expired evidence is removed.
func (c *OCSPCache) Get(subjectHash string, at time.Time) (*OCSPEvidence, bool) {
	s := c.shard(subjectHash)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[subjectHash]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if c.policy.Expired(e.ThisUpdate, e.NextUpdate, at) {
		delete(s.entries, subjectHash)
		c.evictions.Add(1)
		c.misses.Add(1)
		c.logger.Debug("evicted expired OCSP response",
			"subject_hash", subjectHash,
			"this_update", e.ThisUpdate,
			"at", at)
		return nil, false
	}
	c.hits.Add(1)
	return e, true
}

// Put stores evidence, replacing any previous entry for the same subject.
func (c *OCSPCache) Put(e *OCSPEvidence) {
	s := c.shard(e.SubjectHash)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.SubjectHash] = e
}

// Remove deletes the entry for subjectHash.
func (c *OCSPCache) Remove(subjectHash string) {
	s := c.shard(subjectHash)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, subjectHash)
}

// Stats returns the cache counters.
func (c *OCSPCache) Stats() CacheStats {
	st := CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
	for i := range c.shards {
		c.shards[i].mu.Lock()
		st.Entries += len(c.shards[i].entries)
		c.shards[i].mu.Unlock()
	}
	return st
}

// OCSPSource fetches OCSP responses when none is embedded in a signature.
type OCSPSource interface {
	Fetch(ctx context.Context, subject, issuer *x509.Certificate) ([]byte, error)
}

// OCSPVerifier validates OCSP responses against a subject/issuer pair.
// It is safe for concurrent use.
type OCSPVerifier struct {
	trust  TrustProvider
	policy FreshnessPolicy
	cache  *OCSPCache
	clock  clockwork.Clock
	logger *slog.Logger
}

// OCSPOption configures an OCSPVerifier.
type OCSPOption func(*OCSPVerifier)

// WithFreshness sets the freshness window.
func WithFreshness(d time.Duration) OCSPOption {
	return func(v *OCSPVerifier) { v.policy.Freshness = d }
}

// WithVerifyNextUpdate enables the NextUpdate check.
func WithVerifyNextUpdate(enabled bool) OCSPOption {
	return func(v *OCSPVerifier) { v.policy.VerifyNextUpdate = enabled }
}

// WithOCSPCache shares an existing cache. Its policy is used for eviction.
func WithOCSPCache(c *OCSPCache) OCSPOption {
	return func(v *OCSPVerifier) { v.cache = c }
}

// WithOCSPClock sets the clock used when no verification instant is given.
func WithOCSPClock(c clockwork.Clock) OCSPOption {
	return func(v *OCSPVerifier) { v.clock = c }
}

// WithOCSPLogger sets the logger.
func WithOCSPLogger(l *slog.Logger) OCSPOption {
	return func(v *OCSPVerifier) { v.logger = l }
}

// NewOCSPVerifier creates a verifier using trust for responder authorization.
func NewOCSPVerifier(trust TrustProvider, opts ...OCSPOption) *OCSPVerifier {
	v := &OCSPVerifier{
		trust:  trust,
		policy: FreshnessPolicy{Freshness: DefaultFreshness},
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.cache == nil {
		v.cache = NewOCSPCache(v.policy, v.logger)
	}
	return v
}

// Cache returns the verifier's cache.
func (v *OCSPVerifier) Cache() *OCSPCache {
	return v.cache
}

// IsExpired reports whether resp is expired at the instant at.
func (v *OCSPVerifier) IsExpired(resp *ocsp.Response, at time.Time) bool {
	return v.policy.Expired(resp.ThisUpdate, resp.NextUpdate, at)
}

// Cached returns fresh cached evidence for subject, if any.
func (v *OCSPVerifier) Cached(subject *x509.Certificate, at time.Time) (*OCSPEvidence, bool) {
	return v.cache.Get(CertHash(subject), v.instant(at))
}

// VerifyValidityAndStatus validates the DER encoded OCSP response raw for
// subject issued by issuer at the instant at. The returned error is a
// fault.KindCertValidation error unless the status is good. Evidence is
// returned whenever the response itself could be validated, including for
// revoked certificates.
func (v *OCSPVerifier) VerifyValidityAndStatus(raw []byte, subject, issuer *x509.Certificate, at time.Time) (*OCSPEvidence, error) {
	if subject == nil || issuer == nil {
		return nil, fault.New(fault.KindCertValidation, "OCSP verification requires subject and issuer")
	}
	at = v.instant(at)
	serial := subject.SerialNumber.String()
	key := CertHash(subject)

	if cached, ok := v.cache.Get(key, at); ok && bytes.Equal(cached.Raw, raw) {
		return cached, checkStatus(cached, serial)
	}

	// The responder is authorized below; a nil issuer keeps ParseResponse
	// from insisting that the responder was issued by the CA.
	resp, err := ocsp.ParseResponse(raw, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindCertValidation, err, "invalid OCSP response").WithSerial(serial)
	}

	if resp.SerialNumber == nil || resp.SerialNumber.Cmp(subject.SerialNumber) != 0 {
		return nil, fault.New(fault.KindCertValidation, "OCSP response is for serial %v", resp.SerialNumber).WithSerial(serial)
	}

	responder, err := v.authorizeResponder(resp, issuer, at)
	if err != nil {
		return nil, fault.Wrap(fault.KindCertValidation, err, "unauthorized OCSP responder").WithSerial(serial)
	}

	if v.IsExpired(resp, at) {
		return nil, fault.New(fault.KindCertValidation, "OCSP response produced at %s is not fresh at %s",
			resp.ThisUpdate.UTC().Format(time.RFC3339), at.UTC().Format(time.RFC3339)).WithSerial(serial)
	}

	evidence := &OCSPEvidence{
		ResponderCert: responder,
		SubjectHash:   key,
		SerialNumber:  resp.SerialNumber,
		ThisUpdate:    resp.ThisUpdate,
		NextUpdate:    resp.NextUpdate,
		Status:        statusName(resp.Status),
		RevokedAt:     resp.RevokedAt,
		Raw:           append([]byte(nil), raw...),
	}
	v.cache.Put(evidence)

	return evidence, checkStatus(evidence, serial)
}

// authorizeResponder returns the certificate that signed resp when it is
// either a trusted responder for issuer, issuer itself, or a delegated
// responder issued by issuer with the OCSP signing extended key usage.
func (v *OCSPVerifier) authorizeResponder(resp *ocsp.Response, issuer *x509.Certificate, at time.Time) (*x509.Certificate, error) {
	var trusted []*x509.Certificate
	if v.trust != nil {
		trusted = v.trust.OCSPResponders(issuer)
	}

	if resp.Certificate == nil {
		// no embedded responder certificate: the signature has not been
		// checked yet
		for _, c := range append(trusted, issuer) {
			if err := resp.CheckSignatureFrom(c); err == nil {
				return c, nil
			}
		}
		return nil, fmt.Errorf("response not signed by issuer or a trusted responder")
	}

	signer := resp.Certificate
	for _, c := range trusted {
		if bytes.Equal(c.Raw, signer.Raw) {
			return signer, nil
		}
	}
	if bytes.Equal(signer.Raw, issuer.Raw) {
		return signer, nil
	}

	if err := signer.CheckSignatureFrom(issuer); err != nil {
		return nil, fmt.Errorf("responder %s not issued by %s: %w", signer.Subject, issuer.Subject, err)
	}
	if !hasOCSPSigning(signer) {
		return nil, fmt.Errorf("responder %s lacks the OCSP signing usage", signer.Subject)
	}
	if at.Before(signer.NotBefore) || at.After(signer.NotAfter) {
		return nil, fmt.Errorf("responder %s not valid at %s", signer.Subject, at.UTC().Format(time.RFC3339))
	}
	return signer, nil
}

func (v *OCSPVerifier) instant(at time.Time) time.Time {
	if at.IsZero() {
		return v.clock.Now()
	}
	return at
}

func hasOCSPSigning(cert *x509.Certificate) bool {
	for _, u := range cert.ExtKeyUsage {
		if u == x509.ExtKeyUsageOCSPSigning {
			return true
		}
	}
	return false
}

func checkStatus(e *OCSPEvidence, serial string) error {
	switch e.Status {
	case StatusGood:
		return nil
	case StatusRevoked:
		revokedAt := e.RevokedAt
		return fault.Wrap(fault.KindCertValidation, ErrCertificateRevoked, "OCSP").
			WithSerial(serial).
			WithOCSPStatus(StatusRevoked, &revokedAt)
	default:
		return fault.Wrap(fault.KindCertValidation, ErrCertificateStatusUnknown, "OCSP").
			WithSerial(serial).
			WithOCSPStatus(e.Status, nil)
	}
}

func statusName(status int) string {
	switch status {
	case ocsp.Good:
		return StatusGood
	case ocsp.Revoked:
		return StatusRevoked
	default:
		return StatusUnknown
	}
}

// HTTPOCSPSource fetches OCSP responses from the responder URL in the
// certificate's authority information access extension.
type HTTPOCSPSource struct {
	httpClient *http.Client
	hash       crypto.Hash
}

// NewHTTPOCSPSource creates a source. A nil client gets a client with timeout.
func NewHTTPOCSPSource(client *http.Client, timeout time.Duration) *HTTPOCSPSource {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPOCSPSource{httpClient: client, hash: crypto.SHA256}
}

// Fetch implements OCSPSource.
func (s *HTTPOCSPSource) Fetch(ctx context.Context, subject, issuer *x509.Certificate) ([]byte, error) {
	if len(subject.OCSPServer) == 0 {
		return nil, fmt.Errorf("no OCSP server URL in certificate")
	}

	request, err := ocsp.CreateRequest(subject, issuer, &ocsp.RequestOptions{Hash: s.hash})
	if err != nil {
		return nil, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	resp, err := s.doOCSPRequest(ctx, subject.OCSPServer[0], request)
	if err != nil {
		return nil, fmt.Errorf("OCSP request failed: %w", err)
	}
	return resp, nil
}

// doOCSPRequest tries HTTP POST first and falls back to GET.
func (s *HTTPOCSPSource) doOCSPRequest(ctx context.Context, ocspURL string, request []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ocspURL, bytes.NewReader(request))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")
	httpReq.Header.Set("Accept", "application/ocsp-response")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return s.doOCSPGET(ctx, ocspURL, request)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.doOCSPGET(ctx, ocspURL, request)
	}
	return io.ReadAll(resp.Body)
}

func (s *HTTPOCSPSource) doOCSPGET(ctx context.Context, ocspURL string, request []byte) ([]byte, error) {
	encoded := base64.StdEncoding.EncodeToString(request)
	reqURL := ocspURL + "/" + url.PathEscape(encoded)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/ocsp-response")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OCSP server returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
