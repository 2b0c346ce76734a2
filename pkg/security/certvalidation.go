package security

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/sirosfoundation/go-trust/pkg/authzen"
	"github.com/sirosfoundation/go-trust/pkg/authzenclient"
)

var (
	// ErrCertificateExpired is returned when a certificate has expired
	ErrCertificateExpired = errors.New("certificate has expired")
	// ErrCertificateNotYetValid is returned when a certificate is not yet valid
	ErrCertificateNotYetValid = errors.New("certificate is not yet valid")
	// ErrCertificateUntrusted is returned when a certificate is not trusted
	ErrCertificateUntrusted = errors.New("certificate is not trusted")
	// ErrCertificateRevoked is returned when a certificate has been revoked
	ErrCertificateRevoked = errors.New("certificate has been revoked")
	// ErrCertificateStatusUnknown is returned when the OCSP responder does not
	// know the certificate
	ErrCertificateStatusUnknown = errors.New("certificate status is unknown")
	// ErrInvalidCertificate is returned for other certificate validation failures
	ErrInvalidCertificate = errors.New("certificate validation failed")
)

// CertificateValidator validates signer certificates at a point in time.
//
// Implementations can enforce different trust models:
//   - Traditional PKI with CA trust chains
//   - AuthZEN Trust Framework (draft-johansson-authzen-trust-00)
type CertificateValidator interface {
	// ValidateCertificate validates cert at the instant at. intermediates
	// holds certificates that may complete the chain.
	ValidateCertificate(ctx context.Context, cert *x509.Certificate, intermediates []*x509.Certificate, at time.Time) error
}

// DefaultCertificateValidator implements traditional PKI validation
type DefaultCertificateValidator struct {
	roots   *x509.CertPool
	purpose string
}

// NewDefaultCertificateValidator creates a validator using traditional PKI
func NewDefaultCertificateValidator(roots *x509.CertPool) *DefaultCertificateValidator {
	return &DefaultCertificateValidator{
		roots: roots,
	}
}

// NewTrustProviderValidator creates a PKI validator rooted in the anchors of tp.
func NewTrustProviderValidator(tp TrustProvider) *DefaultCertificateValidator {
	return NewDefaultCertificateValidator(CertPool(tp.TrustAnchors()))
}

// WithPurpose restricts the extended key usages accepted for the leaf.
// Supported purposes are "signing", "tls-server", "tls-client" and "encryption".
func (v *DefaultCertificateValidator) WithPurpose(purpose string) *DefaultCertificateValidator {
	v.purpose = purpose
	return v
}

// ValidateCertificate validates a single certificate against the trust store
func (v *DefaultCertificateValidator) ValidateCertificate(ctx context.Context, cert *x509.Certificate, chain []*x509.Certificate, at time.Time) error {
	if cert == nil {
		return fmt.Errorf("%w: nil certificate", ErrInvalidCertificate)
	}
	if at.IsZero() {
		at = time.Now()
	}

	if at.Before(cert.NotBefore) {
		return ErrCertificateNotYetValid
	}
	if at.After(cert.NotAfter) {
		return ErrCertificateExpired
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		CurrentTime:   at,
		Intermediates: CertPool(chain),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}

	switch v.purpose {
	case "signing", "digital-signature":
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning, x509.ExtKeyUsageEmailProtection}
	case "tls-server":
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	case "tls-client":
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	case "encryption":
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection}
	}

	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateUntrusted, err)
	}
	return nil
}

// AuthZENTrustValidator implements validation using AuthZEN Trust Framework
// Based on draft-johansson-authzen-trust-00
//
// The PDP answers whether the public key in the certificate is bound to the
// subject name and authorized for the configured action. The validity window
// is still checked locally against the verification instant.
type AuthZENTrustValidator struct {
	client        *authzenclient.Client
	defaultAction string
	timeout       time.Duration
}

// NewAuthZENTrustValidator creates a validator using AuthZEN Trust Framework
// The pdpEndpoint should be the full URL to the /evaluation endpoint or base URL of the PDP
func NewAuthZENTrustValidator(pdpEndpoint string) *AuthZENTrustValidator {
	return NewAuthZENTrustValidatorWithClient(authzenclient.New(pdpEndpoint))
}

// NewAuthZENTrustValidatorWithClient creates a validator using a pre-configured authzenclient
func NewAuthZENTrustValidatorWithClient(client *authzenclient.Client) *AuthZENTrustValidator {
	return &AuthZENTrustValidator{
		client:        client,
		defaultAction: "signing",
		timeout:       30 * time.Second,
	}
}

// WithDefaultAction sets the action sent to the PDP.
func (v *AuthZENTrustValidator) WithDefaultAction(action string) *AuthZENTrustValidator {
	v.defaultAction = action
	return v
}

// WithTimeout bounds each PDP evaluation.
func (v *AuthZENTrustValidator) WithTimeout(d time.Duration) *AuthZENTrustValidator {
	v.timeout = d
	return v
}

// ValidateCertificate validates a certificate using AuthZEN Trust Framework
func (v *AuthZENTrustValidator) ValidateCertificate(ctx context.Context, cert *x509.Certificate, chain []*x509.Certificate, at time.Time) error {
	if cert == nil {
		return fmt.Errorf("%w: nil certificate", ErrInvalidCertificate)
	}
	if !at.IsZero() {
		if at.Before(cert.NotBefore) {
			return ErrCertificateNotYetValid
		}
		if at.After(cert.NotAfter) {
			return ErrCertificateExpired
		}
	}

	// x5c per RFC 7517 Section 4.7: standard base64 DER, leaf first
	x5c := make([]interface{}, 0, 1+len(chain))
	x5c = append(x5c, base64.StdEncoding.EncodeToString(cert.Raw))
	for _, intermediate := range chain {
		x5c = append(x5c, base64.StdEncoding.EncodeToString(intermediate.Raw))
	}

	subjectName := cert.Subject.CommonName
	if subjectName == "" && len(cert.DNSNames) > 0 {
		subjectName = cert.DNSNames[0]
	}
	if subjectName == "" && len(cert.URIs) > 0 {
		subjectName = cert.URIs[0].String()
	}
	if subjectName == "" {
		return fmt.Errorf("%w: certificate has no identifiable subject name", ErrInvalidCertificate)
	}

	request := &authzen.EvaluationRequest{
		Subject: authzen.Subject{
			Type: "key",
			ID:   subjectName,
		},
		Resource: authzen.Resource{
			Type: "x5c",
			ID:   subjectName,
			Key:  x5c,
		},
	}
	if v.defaultAction != "" {
		request.Action = &authzen.Action{Name: v.defaultAction}
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	response, err := v.client.Evaluate(ctx, request)
	if err != nil {
		return fmt.Errorf("AuthZEN evaluation failed: %w", err)
	}

	if !response.Decision {
		if response.Context != nil && response.Context.Reason != nil {
			return fmt.Errorf("%w: %v", ErrCertificateUntrusted, response.Context.Reason)
		}
		return ErrCertificateUntrusted
	}
	return nil
}
