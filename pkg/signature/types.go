package signature

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"io"
	"strings"

	"github.com/sirosfoundation/go-msglog/pkg/hashchain"
)

// Algorithm URIs
const (
	// Signature algorithms
	AlgorithmRSASHA256   = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgorithmRSASHA384   = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384"
	AlgorithmRSASHA512   = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"
	AlgorithmECDSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"
	AlgorithmECDSASHA384 = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha384"
	AlgorithmECDSASHA512 = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha512"
	AlgorithmEd25519     = "http://www.w3.org/2021/04/xmldsig-more#eddsa-ed25519"

	// Canonicalization
	AlgorithmC14N = "http://www.w3.org/2001/10/xml-exc-c14n#"
)

// Namespaces and fixed identifiers of the signature document.
const (
	NSXMLDSig = "http://www.w3.org/2000/09/xmldsig#"
	NSXAdES   = "http://uri.etsi.org/01903/v1.3.2#"

	// SignedPropertiesType is the reference type of the XAdES signed properties.
	SignedPropertiesType = "http://uri.etsi.org/01903#SignedProperties"
	// HashChainResultType is the reference type of a batch root digest.
	HashChainResultType = "http://sirosfoundation.org/msglog#HashChainResult"
	// HashChainResultURI is the reference URI of a batch root digest.
	HashChainResultURI = "/hashchainresult"

	signatureID        = "signature"
	signatureValueID   = "signature-value"
	signedPropertiesID = "signed-properties"
)

// DefaultPolicyID identifies the signature policy when none is configured.
const DefaultPolicyID = "urn:sirosfoundation:msglog:signature-policy:1"

// Signer performs the private key operation. It is satisfied by the
// keystore signers; Sign may block on a hardware token.
type Signer interface {
	Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error)
	Public() crypto.PublicKey
	Certificate() *x509.Certificate
	// Algorithm returns the XML signature method URI.
	Algorithm() string
}

// Data is a built signature. HashChainResult and HashChain are set only for
// batch signatures.
type Data struct {
	SignatureXML    []byte
	HashChainResult []byte
	HashChain       []byte
}

// IsBatch reports whether the signature covers a hash chain.
func (d *Data) IsBatch() bool {
	return len(d.HashChainResult) > 0
}

// ForPart narrows a batch signature to the proof of the named part. This is
// the form stored with each message record. Single part signatures are
// returned unchanged.
func (d *Data) ForPart(name string) (*Data, error) {
	if !d.IsBatch() {
		return d, nil
	}
	chain, err := hashchain.Parse(d.HashChain)
	if err != nil {
		return nil, err
	}
	narrowed, err := chain.Narrow(name)
	if err != nil {
		return nil, err
	}
	chainXML, err := narrowed.Marshal()
	if err != nil {
		return nil, err
	}
	return &Data{
		SignatureXML:    d.SignatureXML,
		HashChainResult: d.HashChainResult,
		HashChain:       chainXML,
	}, nil
}

type sigAlgorithm struct {
	uri  string
	hash crypto.Hash
	kind string // "rsa", "ecdsa", "ed25519"
}

var sigAlgorithms = map[string]sigAlgorithm{
	AlgorithmRSASHA256:   {AlgorithmRSASHA256, crypto.SHA256, "rsa"},
	AlgorithmRSASHA384:   {AlgorithmRSASHA384, crypto.SHA384, "rsa"},
	AlgorithmRSASHA512:   {AlgorithmRSASHA512, crypto.SHA512, "rsa"},
	AlgorithmECDSASHA256: {AlgorithmECDSASHA256, crypto.SHA256, "ecdsa"},
	AlgorithmECDSASHA384: {AlgorithmECDSASHA384, crypto.SHA384, "ecdsa"},
	AlgorithmECDSASHA512: {AlgorithmECDSASHA512, crypto.SHA512, "ecdsa"},
	AlgorithmEd25519:     {AlgorithmEd25519, 0, "ed25519"},
}

func lookupAlgorithm(uri string) (sigAlgorithm, error) {
	alg, ok := sigAlgorithms[strings.TrimSpace(uri)]
	if !ok {
		return sigAlgorithm{}, fmt.Errorf("unsupported signature method: %s", uri)
	}
	return alg, nil
}
