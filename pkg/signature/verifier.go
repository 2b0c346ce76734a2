package signature

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ocsp"

	"github.com/sirosfoundation/go-msglog/pkg/fault"
	"github.com/sirosfoundation/go-msglog/pkg/hashchain"
	"github.com/sirosfoundation/go-msglog/pkg/security"
)

// Verifier checks signatures produced by Builder. Apart from the OCSP cache
// it holds no mutable state and is safe for concurrent use.
type Verifier struct {
	trust     security.TrustProvider
	ocsp      *security.OCSPVerifier
	validator security.CertificateValidator
	source    security.OCSPSource
	extractor IdentityExtractor
	policyID  string
	clock     clockwork.Clock
	logger    *slog.Logger
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithCertificateValidator replaces the default chain validator built from
// the trust provider.
func WithCertificateValidator(v security.CertificateValidator) VerifierOption {
	return func(vf *Verifier) { vf.validator = v }
}

// WithOCSPSource sets where OCSP responses are fetched when a signature
// embeds none for its certificate.
func WithOCSPSource(s security.OCSPSource) VerifierOption {
	return func(vf *Verifier) { vf.source = s }
}

// WithIdentityExtractor sets how the signer identity is read from the
// certificate.
func WithIdentityExtractor(e IdentityExtractor) VerifierOption {
	return func(vf *Verifier) { vf.extractor = e }
}

// WithExpectedPolicy requires signatures to carry the given policy identifier.
func WithExpectedPolicy(id string) VerifierOption {
	return func(vf *Verifier) { vf.policyID = id }
}

// WithVerifierClock sets the clock used when no verification instant is given.
func WithVerifierClock(c clockwork.Clock) VerifierOption {
	return func(vf *Verifier) { vf.clock = c }
}

// WithVerifierLogger sets the logger.
func WithVerifierLogger(l *slog.Logger) VerifierOption {
	return func(vf *Verifier) { vf.logger = l }
}

// NewVerifier creates a verifier. ocspVerifier may be shared between
// verifiers so they share one cache.
func NewVerifier(trust security.TrustProvider, ocspVerifier *security.OCSPVerifier, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		trust:     trust,
		ocsp:      ocspVerifier,
		extractor: SubjectIdentityExtractor{},
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.validator == nil {
		v.validator = security.NewTrustProviderValidator(trust)
	}
	if v.ocsp == nil {
		v.ocsp = security.NewOCSPVerifier(trust, security.WithOCSPClock(v.clock), security.WithOCSPLogger(v.logger))
	}
	return v
}

// Verify checks data against parts at the instant at (the current time when
// zero). When expected is non-nil the signing certificate must belong to that
// member. The checks run in order and the first failure is returned as a
// *fault.Error.
func (v *Verifier) Verify(ctx context.Context, data *Data, parts []hashchain.Part, expected *ClientID, at time.Time) error {
	if data == nil || len(data.SignatureXML) == 0 {
		return fault.New(fault.KindMalformedSignature, "no signature")
	}
	if at.IsZero() {
		at = v.clock.Now()
	}

	p, err := parseSignature(data.SignatureXML)
	if err != nil {
		return fault.Wrap(fault.KindMalformedSignature, err, "parsing signature")
	}
	docRef, err := p.documentReference()
	if err != nil {
		return fault.Wrap(fault.KindMalformedSignature, err, "signature references")
	}
	if v.policyID != "" && p.policyID != v.policyID {
		return fault.New(fault.KindMalformedSignature, "signature policy %q, want %q", p.policyID, v.policyID)
	}

	if err := v.verifySignatureValue(p); err != nil {
		return err
	}
	if err := v.verifyCertificate(ctx, p, at); err != nil {
		return err
	}
	if expected != nil {
		if err := v.verifySigner(p.cert, *expected); err != nil {
			return err
		}
	}

	if data.IsBatch() {
		return v.verifyHashChain(data, docRef, parts)
	}
	return verifySinglePart(docRef, parts)
}

func (v *Verifier) verifySignatureValue(p *parsedSignature) error {
	alg, err := lookupAlgorithm(p.signatureMethod)
	if err != nil {
		return fault.Wrap(fault.KindMalformedSignature, err, "signature method")
	}
	canonical, err := canonicalize(p.signedInfo)
	if err != nil {
		return fault.Wrap(fault.KindMalformedSignature, err, "canonicalizing SignedInfo")
	}
	if err := verify(p.cert.PublicKey, alg, canonical, p.signatureValue); err != nil {
		return fault.Wrap(fault.KindInvalidSignatureValue, err, "SignedInfo").
			WithSerial(p.cert.SerialNumber.String())
	}

	spRef, err := p.signedPropertiesReference()
	if err != nil {
		return fault.Wrap(fault.KindMalformedSignature, err, "signature references")
	}
	spCanonical, err := canonicalize(p.signedProperties)
	if err != nil {
		return fault.Wrap(fault.KindMalformedSignature, err, "canonicalizing SignedProperties")
	}
	if !bytes.Equal(digest(spRef.DigestMethod, spCanonical), spRef.Digest) {
		return fault.New(fault.KindInvalidSignatureValue, "signed properties digest mismatch")
	}
	if !bytes.Equal(digest(p.certDigestMethod, p.cert.Raw), p.certDigest) {
		return fault.New(fault.KindInvalidSignatureValue, "signing certificate digest mismatch").
			WithSerial(p.cert.SerialNumber.String())
	}
	return nil
}

func (v *Verifier) verifyCertificate(ctx context.Context, p *parsedSignature, at time.Time) error {
	cert := p.cert
	serial := cert.SerialNumber.String()

	issuer, err := security.FindIssuer(v.trust, cert, p.extraCerts)
	if err != nil {
		return fault.Wrap(fault.KindCertValidation, err, "resolving issuer").WithSerial(serial)
	}

	var chain []*x509.Certificate
	chain = append(chain, p.extraCerts...)
	if v.trust != nil {
		chain = append(chain, v.trust.Intermediates()...)
	}
	if err := v.validator.ValidateCertificate(ctx, cert, chain, at); err != nil {
		return fault.Wrap(fault.KindCertValidation, err, "certificate chain").WithSerial(serial)
	}

	raw, err := v.selectOCSP(p.ocspValues, cert)
	if err != nil {
		return fault.Wrap(fault.KindCertValidation, err, "embedded OCSP response").WithSerial(serial)
	}
	if raw == nil {
		if cached, ok := v.ocsp.Cached(cert, at); ok {
			raw = cached.Raw
		} else if v.source != nil {
			if raw, err = v.source.Fetch(ctx, cert, issuer); err != nil {
				return fault.Wrap(fault.KindCertValidation, err, "fetching OCSP response").WithSerial(serial)
			}
		} else {
			return fault.New(fault.KindCertValidation, "no OCSP response for signing certificate").WithSerial(serial)
		}
	}

	if _, err := v.ocsp.VerifyValidityAndStatus(raw, cert, issuer, at); err != nil {
		v.logger.Debug("OCSP check failed", "serial", serial, "error", err)
		return err
	}
	return nil
}

// selectOCSP returns the embedded response for cert. A nil result with a nil
// error means none of the embedded responses is about cert.
func (v *Verifier) selectOCSP(values []string, cert *x509.Certificate) ([]byte, error) {
	var firstErr error
	for _, val := range values {
		raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(val), ""))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		resp, err := ocsp.ParseResponse(raw, nil)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if resp.SerialNumber != nil && resp.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return raw, nil
		}
	}
	return nil, firstErr
}

func (v *Verifier) verifySigner(cert *x509.Certificate, expected ClientID) error {
	got, err := v.extractor.Extract(cert)
	if err != nil {
		return fault.Wrap(fault.KindIncorrectCertificate, err, "signer identity").
			WithSerial(cert.SerialNumber.String())
	}
	if got.Member() != expected.Member() {
		return fault.New(fault.KindIncorrectCertificate, "signed by %s, expected %s", got.Member(), expected.Member()).
			WithSerial(cert.SerialNumber.String())
	}
	return nil
}

func (v *Verifier) verifyHashChain(data *Data, docRef *parsedReference, parts []hashchain.Part) error {
	if docRef.URI != HashChainResultURI {
		return fault.New(fault.KindMalformedSignature, "batch signature references %q", docRef.URI)
	}
	if len(parts) == 0 {
		return fault.New(fault.KindMalformedSignature, "no parts to verify")
	}
	h, root, err := hashchain.ParseResult(data.HashChainResult)
	if err != nil {
		return fault.Wrap(fault.KindMalformedSignature, err, "hash chain result")
	}
	if h != docRef.DigestMethod || !bytes.Equal(root, docRef.Digest) {
		return fault.New(fault.KindInvalidSignatureValue, "hash chain result does not match the signed digest")
	}
	chain, err := hashchain.Parse(data.HashChain)
	if err != nil {
		return fault.Wrap(fault.KindMalformedSignature, err, "hash chain")
	}

	for _, part := range parts {
		err := chain.Verify(part, root)
		switch {
		case err == nil:
		case errors.Is(err, hashchain.ErrPartNotFound):
			return fault.Wrap(fault.KindMalformedSignature, err, "hash chain").WithPart(part.Name)
		case errors.Is(err, hashchain.ErrDigestMismatch), errors.Is(err, hashchain.ErrRootMismatch):
			return fault.Wrap(fault.KindInvalidSignatureValue, err, "hash chain").WithPart(part.Name)
		default:
			return fault.Wrap(fault.KindMalformedSignature, err, "hash chain").WithPart(part.Name)
		}
	}
	return nil
}

func verifySinglePart(docRef *parsedReference, parts []hashchain.Part) error {
	if len(parts) != 1 {
		return fault.New(fault.KindMalformedSignature, "single part signature verified against %d parts", len(parts))
	}
	part := parts[0]
	if part.Name != docRef.URI {
		return fault.New(fault.KindInvalidSignatureValue, "signature references %q", docRef.URI).WithPart(part.Name)
	}

	d := part.Digest
	if part.Data != nil || part.DigestMethod != docRef.DigestMethod {
		if part.Data == nil {
			return fault.New(fault.KindInvalidSignatureValue, "part digested with a different algorithm").WithPart(part.Name)
		}
		d = digest(docRef.DigestMethod, part.Data)
	}
	if !bytes.Equal(d, docRef.Digest) {
		return fault.New(fault.KindInvalidSignatureValue, "digest mismatch").WithPart(part.Name)
	}
	return nil
}
