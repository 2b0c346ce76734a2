package keystore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"io"

	"github.com/sirosfoundation/go-msglog/pkg/asic"
	"github.com/sirosfoundation/go-msglog/pkg/signature"
)

// AlgorithmForKey returns the XML signature method for a public key.
func AlgorithmForKey(pub crypto.PublicKey) string {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		switch k.Curve.Params().BitSize {
		case 384:
			return signature.AlgorithmECDSASHA384
		case 521:
			return signature.AlgorithmECDSASHA512
		}
		return signature.AlgorithmECDSASHA256
	case ed25519.PublicKey:
		return signature.AlgorithmEd25519
	default:
		return signature.AlgorithmRSASHA256
	}
}

func keyAlgorithmName(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *ecdsa.PublicKey:
		return "EC"
	case *rsa.PublicKey:
		return "RSA"
	case ed25519.PublicKey:
		return "Ed25519"
	default:
		return "Unknown"
	}
}

func keySize(pub crypto.PublicKey) int {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return k.Curve.Params().BitSize
	case *rsa.PublicKey:
		return k.N.BitLen()
	case ed25519.PublicKey:
		return 256
	default:
		return 0
	}
}

func keyInfo(keyID string, cert *x509.Certificate) KeyInfo {
	return KeyInfo{
		KeyID:              keyID,
		Algorithm:          keyAlgorithmName(cert.PublicKey),
		KeySize:            keySize(cert.PublicKey),
		NotBefore:          cert.NotBefore,
		NotAfter:           cert.NotAfter,
		CertificateSubject: cert.Subject.String(),
	}
}

// memberDir maps a member identifier such as "EE/GOV/70000001" to a
// directory name.
func memberDir(member string) string {
	return asic.SanitizeName(member)
}

// softSigner implements Signer for keys held in memory.
type softSigner struct {
	key       crypto.Signer
	cert      *x509.Certificate
	chain     []*x509.Certificate
	algorithm string
}

func newSoftSigner(key crypto.Signer, cert *x509.Certificate, chain []*x509.Certificate) *softSigner {
	return &softSigner{key: key, cert: cert, chain: chain, algorithm: AlgorithmForKey(key.Public())}
}

func (s *softSigner) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.key.Sign(rand, digest, opts)
}

func (s *softSigner) Public() crypto.PublicKey {
	return s.key.Public()
}

func (s *softSigner) Certificate() *x509.Certificate {
	return s.cert
}

func (s *softSigner) Chain() []*x509.Certificate {
	return s.chain
}

func (s *softSigner) Algorithm() string {
	return s.algorithm
}

var (
	_ ChainSigner      = (*softSigner)(nil)
	_ signature.Signer = (*softSigner)(nil)
)
