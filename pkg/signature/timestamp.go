package signature

import (
	"bytes"
	"context"
	"crypto"

	"github.com/digitorus/timestamp"

	"github.com/sirosfoundation/go-msglog/pkg/fault"
	"github.com/sirosfoundation/go-msglog/pkg/hashchain"
)

// Timestamp is an RFC 3161 time-stamp over one or many signatures. For a
// batch, the token covers the root of a hash chain whose leaves are the
// digests of the individual signature values.
type Timestamp struct {
	// Token is the DER encoded TimeStampResp.
	Token           []byte
	HashChainResult []byte
	HashChain       []byte
}

// IsBatch reports whether the time-stamp covers a hash chain.
func (t *Timestamp) IsBatch() bool {
	return len(t.HashChainResult) > 0
}

// SignatureValue returns the decoded ds:SignatureValue of data.
func SignatureValue(data *Data) ([]byte, error) {
	p, err := parseSignature(data.SignatureXML)
	if err != nil {
		return nil, err
	}
	return p.signatureValue, nil
}

// TimestampDigest returns the message imprint to request for a single
// signature.
func TimestampDigest(h crypto.Hash, data *Data) ([]byte, error) {
	value, err := SignatureValue(data)
	if err != nil {
		return nil, fault.Wrap(fault.KindMalformedSignature, err, "reading signature value")
	}
	return digest(h, value), nil
}

// BuildTimestampChain combines the signature values of sigs, named by names,
// into a hash chain. The returned root is the imprint to request from the
// time-stamping authority; the returned Timestamp lacks only the token.
func BuildTimestampChain(h crypto.Hash, names []string, sigs []*Data) (*Timestamp, []byte, error) {
	if len(names) != len(sigs) {
		return nil, nil, fault.New(fault.KindInternal, "%d names for %d signatures", len(names), len(sigs))
	}
	parts := make([]hashchain.Part, 0, len(sigs))
	for i, d := range sigs {
		value, err := SignatureValue(d)
		if err != nil {
			return nil, nil, fault.Wrap(fault.KindMalformedSignature, err, "reading signature value").WithPart(names[i])
		}
		p, err := hashchain.NewPart(names[i], h, value)
		if err != nil {
			return nil, nil, fault.Wrap(fault.KindInternal, err, "time-stamp chain")
		}
		parts = append(parts, p)
	}
	chain, root, err := hashchain.Build(h, parts)
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindInternal, err, "time-stamp chain")
	}
	ts := &Timestamp{}
	if ts.HashChain, err = chain.Marshal(); err != nil {
		return nil, nil, fault.Wrap(fault.KindInternal, err, "encoding time-stamp chain")
	}
	if ts.HashChainResult, err = hashchain.MarshalResult(h, root); err != nil {
		return nil, nil, fault.Wrap(fault.KindInternal, err, "encoding time-stamp chain")
	}
	return ts, root, nil
}

// VerifyTimestamp checks that ts covers the signature value of data and
// that the token is signed by a trusted time-stamping authority.
func (v *Verifier) VerifyTimestamp(ctx context.Context, data *Data, ts *Timestamp) error {
	if ts == nil || len(ts.Token) == 0 {
		return fault.New(fault.KindMissingTimestamp, "no time-stamp token")
	}
	value, err := SignatureValue(data)
	if err != nil {
		return fault.Wrap(fault.KindMalformedSignature, err, "reading signature value")
	}

	token, err := timestamp.ParseResponse(ts.Token)
	if err != nil {
		return fault.Wrap(fault.KindInvalidSignatureValue, err, "parsing time-stamp token")
	}
	if !token.HashAlgorithm.Available() {
		return fault.New(fault.KindInvalidSignatureValue, "time-stamp hash algorithm %v not available", token.HashAlgorithm)
	}

	covered := digest(token.HashAlgorithm, value)
	if ts.IsBatch() {
		if covered, err = timestampChainRoot(ts, value); err != nil {
			return err
		}
	}
	if !bytes.Equal(covered, token.HashedMessage) {
		return fault.New(fault.KindInvalidSignatureValue, "time-stamp does not cover the signature value")
	}

	// the token signature is only checked against embedded certificates
	if len(token.Certificates) == 0 {
		return fault.New(fault.KindCertValidation, "time-stamp token carries no TSA certificate")
	}
	tsa := token.Certificates[0]
	if err := v.validator.ValidateCertificate(ctx, tsa, token.Certificates[1:], token.Time); err != nil {
		return fault.Wrap(fault.KindCertValidation, err, "time-stamping authority").
			WithSerial(tsa.SerialNumber.String())
	}

	v.logger.Debug("verified time-stamp", "time", token.Time, "serial", token.SerialNumber)
	return nil
}

// timestampChainRoot finds the proof whose leaf is the digest of value and
// returns its root once it matches the recorded chain result.
func timestampChainRoot(ts *Timestamp, value []byte) ([]byte, error) {
	h, root, err := hashchain.ParseResult(ts.HashChainResult)
	if err != nil {
		return nil, fault.Wrap(fault.KindMalformedSignature, err, "time-stamp chain result")
	}
	chain, err := hashchain.Parse(ts.HashChain)
	if err != nil {
		return nil, fault.Wrap(fault.KindMalformedSignature, err, "time-stamp chain")
	}
	leaf := digest(chain.DigestMethod, value)
	for i := range chain.Proofs {
		proof := &chain.Proofs[i]
		if !bytes.Equal(proof.Leaf, leaf) {
			continue
		}
		if chain.DigestMethod != h || !bytes.Equal(proof.Root(h), root) {
			return nil, fault.New(fault.KindInvalidSignatureValue, "time-stamp chain root mismatch").WithPart(proof.Part)
		}
		return root, nil
	}
	return nil, fault.Wrap(fault.KindInvalidSignatureValue, hashchain.ErrPartNotFound, "signature value not in time-stamp chain")
}
