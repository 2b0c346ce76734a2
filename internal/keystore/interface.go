// Package keystore provides signing keys for the message log.
//
// Every security server member signs its message records with its own key.
// The SignerProvider interface hides where that key lives:
//
//   - File: PEM key and certificate files (development only)
//   - PKCS#12: password protected .p12 bundles with the certificate chain
//   - PKCS#11: keys stored in hardware security modules (HSM) or smart cards
//
// The signers returned satisfy signature.Signer.
package keystore

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"io"
	"time"
)

// Common errors
var (
	ErrKeyNotFound = errors.New("signing key not found")
	ErrKeyLocked   = errors.New("signing key is locked")
)

// SignerProvider provides signing keys for members.
//
// Implementations must be safe for concurrent use.
type SignerProvider interface {
	// GetSigner returns the signer of member for keyID. An empty keyID
	// selects the member's default key.
	GetSigner(ctx context.Context, member, keyID string) (Signer, error)

	// GetCertificate returns the X.509 certificate for the specified key.
	GetCertificate(ctx context.Context, member, keyID string) (*x509.Certificate, error)

	// ListKeys returns all keys available for a member.
	ListKeys(ctx context.Context, member string) ([]KeyInfo, error)

	// Close releases any resources held by the provider.
	Close() error
}

// Signer performs the private key operation. Sign may block on a token.
type Signer interface {
	Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error)

	// Public returns the public key corresponding to the private key.
	Public() crypto.PublicKey

	// Certificate returns the X.509 certificate for this signer.
	Certificate() *x509.Certificate

	// Algorithm returns the signature algorithm URI for XML signatures.
	Algorithm() string
}

// ChainSigner is implemented by signers that know the certificates between
// their own and the trust anchor. They are embedded in signatures.
type ChainSigner interface {
	Signer
	Chain() []*x509.Certificate
}

// KeyInfo describes a signing key
type KeyInfo struct {
	// KeyID is the unique identifier for this key within the member
	KeyID string

	// Algorithm is the key algorithm (e.g., "RSA", "EC", "Ed25519")
	Algorithm string

	// KeySize is the key size in bits (e.g., 2048 for RSA, 256 for P-256)
	KeySize int

	NotBefore time.Time
	NotAfter  time.Time

	// CertificateSubject is the subject DN of the certificate
	CertificateSubject string
}

// DefaultKeyID names the key used when none is requested.
const DefaultKeyID = "default"

func keyIDOrDefault(keyID string) string {
	if keyID == "" {
		return DefaultKeyID
	}
	return keyID
}
