package signature

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"log/slog"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"

	"github.com/sirosfoundation/go-msglog/pkg/fault"
	"github.com/sirosfoundation/go-msglog/pkg/hashchain"
)

// Builder creates XAdES signatures over one or many message parts.
// A Builder holds no per-call state and is safe for concurrent use.
type Builder struct {
	digestMethod crypto.Hash
	policy       Policy
	clock        clockwork.Clock
	logger       *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithDigestMethod sets the digest algorithm for references and hash chains.
func WithDigestMethod(h crypto.Hash) Option {
	return func(b *Builder) { b.digestMethod = h }
}

// WithPolicy sets the signature policy. A nil digest is replaced by the
// SHA-256 digest of the identifier.
func WithPolicy(id string, policyDigest []byte) Option {
	return func(b *Builder) {
		b.policy = Policy{ID: id, DigestMethod: crypto.SHA256, Digest: policyDigest}
	}
}

// WithClock sets the clock providing the signing time.
func WithClock(c clockwork.Clock) Option {
	return func(b *Builder) { b.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// NewBuilder creates a builder. The default digest method is SHA-256.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		digestMethod: crypto.SHA256,
		policy:       Policy{ID: DefaultPolicyID, DigestMethod: crypto.SHA256},
		clock:        clockwork.NewRealClock(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.policy.Digest == nil {
		b.policy.Digest = digest(b.policy.DigestMethod, []byte(b.policy.ID))
	}
	return b
}

// Build signs parts with signer. A single part is referenced directly by its
// name; several parts are combined into a hash chain whose result is signed.
// The signing certificate is embedded in KeyInfo; extraCerts and
// ocspResponses are embedded as unsigned properties.
//
// Any failure aborts the whole batch.
func (b *Builder) Build(ctx context.Context, parts []hashchain.Part, signer Signer, ocspResponses [][]byte, extraCerts []*x509.Certificate) (*Data, error) {
	if signer == nil {
		return nil, fault.New(fault.KindInternal, "no signer")
	}
	cert := signer.Certificate()
	if cert == nil {
		return nil, fault.New(fault.KindInternal, "signer has no certificate")
	}
	if len(parts) == 0 {
		return nil, fault.New(fault.KindInternal, "no parts to sign")
	}
	alg, err := lookupAlgorithm(signer.Algorithm())
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "signer algorithm")
	}

	data := &Data{}
	var docRef reference

	if len(parts) == 1 {
		d, err := parts[0].ComputeDigest()
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "digest of %s", parts[0].Name)
		}
		method := parts[0].DigestMethod
		if method == 0 {
			method = b.digestMethod
		}
		docRef = reference{URI: parts[0].Name, DigestMethod: method, Digest: d}
	} else {
		chain, root, err := hashchain.Build(b.digestMethod, parts)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "building hash chain")
		}
		if data.HashChain, err = chain.Marshal(); err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "encoding hash chain")
		}
		if data.HashChainResult, err = hashchain.MarshalResult(b.digestMethod, root); err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "encoding hash chain result")
		}
		docRef = reference{
			URI:          HashChainResultURI,
			Type:         HashChainResultType,
			DigestMethod: b.digestMethod,
			Digest:       root,
		}
	}

	signingTime := b.clock.Now().UTC()
	signedProps, err := newSignedProperties(cert, signingTime, b.digestMethod, b.policy)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "creating signed properties")
	}
	spCanonical, err := canonicalize(signedProps)
	if err != nil {
		return nil, fault.Wrap(fault.KindMalformedSignature, err, "canonicalizing signed properties")
	}

	signedInfo, err := newSignedInfo(alg.uri, []reference{
		docRef,
		{
			URI:          "#" + signedPropertiesID,
			Type:         SignedPropertiesType,
			Transform:    true,
			DigestMethod: b.digestMethod,
			Digest:       digest(b.digestMethod, spCanonical),
		},
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "creating SignedInfo")
	}
	siCanonical, err := canonicalize(signedInfo)
	if err != nil {
		return nil, fault.Wrap(fault.KindMalformedSignature, err, "canonicalizing SignedInfo")
	}

	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "signing aborted")
	}

	// The key operation may block on a token; nothing is locked here.
	value, err := sign(signer, alg, siCanonical)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "signing with %s", cert.Subject.String())
	}

	doc := etree.NewDocument()
	sig := doc.CreateElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", NSXMLDSig)
	sig.CreateAttr("Id", signatureID)
	sig.AddChild(signedInfo)

	sv := sig.CreateElement("ds:SignatureValue")
	sv.CreateAttr("Id", signatureValueID)
	sv.SetText(base64.StdEncoding.EncodeToString(value))

	sig.CreateElement("ds:KeyInfo").CreateElement("ds:X509Data").
		CreateElement("ds:X509Certificate").SetText(base64.StdEncoding.EncodeToString(cert.Raw))

	qp := sig.CreateElement("ds:Object").CreateElement("xades:QualifyingProperties")
	qp.CreateAttr("xmlns:xades", NSXAdES)
	qp.CreateAttr("Target", "#"+signatureID)
	qp.AddChild(signedProps)
	qp.AddChild(newUnsignedProperties(extraCerts, ocspResponses))

	// no indentation: whitespace would change the canonical form
	if data.SignatureXML, err = doc.WriteToBytes(); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "serializing signature")
	}

	b.logger.Debug("built signature",
		"parts", len(parts),
		"batch", data.IsBatch(),
		"signer", cert.Subject.String(),
		"ocsp_responses", len(ocspResponses))

	return data, nil
}
