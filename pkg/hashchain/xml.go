package hashchain

import (
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/beevik/etree"
)

// Namespace of the HashChain and HashChainResult documents.
const Namespace = "http://sirosfoundation.org/xsd/msglog/hashchain"

// Digest algorithm URIs.
const (
	DigestSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"
	DigestSHA384 = "http://www.w3.org/2001/04/xmldsig-more#sha384"
	DigestSHA512 = "http://www.w3.org/2001/04/xmlenc#sha512"
)

// AlgorithmURI returns the XML digest method URI for h.
func AlgorithmURI(h crypto.Hash) (string, error) {
	switch h {
	case crypto.SHA256:
		return DigestSHA256, nil
	case crypto.SHA384:
		return DigestSHA384, nil
	case crypto.SHA512:
		return DigestSHA512, nil
	}
	return "", fmt.Errorf("unsupported digest algorithm: %v", h)
}

// HashForURI maps a digest method URI to a hash function.
func HashForURI(uri string) (crypto.Hash, error) {
	switch uri {
	case DigestSHA256:
		return crypto.SHA256, nil
	case DigestSHA384:
		return crypto.SHA384, nil
	case DigestSHA512:
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("unsupported digest method: %s", uri)
}

// MarshalResult encodes the root digest as a HashChainResult document.
func MarshalResult(h crypto.Hash, root []byte) ([]byte, error) {
	uri, err := AlgorithmURI(h)
	if err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	res := doc.CreateElement("HashChainResult")
	res.CreateAttr("xmlns", Namespace)
	res.CreateElement("DigestMethod").CreateAttr("Algorithm", uri)
	res.CreateElement("DigestValue").SetText(base64.StdEncoding.EncodeToString(root))

	return doc.WriteToBytes()
}

// ParseResult decodes a HashChainResult document.
func ParseResult(data []byte) (crypto.Hash, []byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "HashChainResult" {
		return 0, nil, fmt.Errorf("%w: missing HashChainResult", ErrMalformed)
	}

	h, err := parseDigestMethod(root)
	if err != nil {
		return 0, nil, err
	}
	value := root.SelectElement("DigestValue")
	if value == nil {
		return 0, nil, fmt.Errorf("%w: missing DigestValue", ErrMalformed)
	}
	digest, err := base64.StdEncoding.DecodeString(value.Text())
	if err != nil {
		return 0, nil, fmt.Errorf("%w: DigestValue: %v", ErrMalformed, err)
	}
	return h, digest, nil
}

// Marshal encodes the chain proofs as a HashChain document.
func (c *Chain) Marshal() ([]byte, error) {
	uri, err := AlgorithmURI(c.DigestMethod)
	if err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	hc := doc.CreateElement("HashChain")
	hc.CreateAttr("xmlns", Namespace)
	hc.CreateElement("DigestMethod").CreateAttr("Algorithm", uri)

	for _, p := range c.Proofs {
		if p.Err != nil {
			return nil, p.Err
		}
		partURI, err := AlgorithmURI(p.DigestMethod)
		if err != nil {
			return nil, fmt.Errorf("part %s: %w", p.Part, err)
		}
		pe := hc.CreateElement("Proof")
		pe.CreateAttr("Part", p.Part)
		pe.CreateAttr("DigestMethod", partURI)
		pe.CreateElement("LeafDigest").SetText(base64.StdEncoding.EncodeToString(p.Leaf))
		for _, s := range p.Steps {
			se := pe.CreateElement("Step")
			if s.Left {
				se.CreateAttr("Position", "left")
			} else {
				se.CreateAttr("Position", "right")
			}
			se.SetText(base64.StdEncoding.EncodeToString(s.Digest))
		}
	}

	return doc.WriteToBytes()
}

// Parse decodes a HashChain document. A document that is not a HashChain,
// or has no usable DigestMethod, fails as a whole; an undecodable proof is
// kept with its Err set and only fails verification of its own part.
func Parse(data []byte) (*Chain, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "HashChain" {
		return nil, fmt.Errorf("%w: missing HashChain", ErrMalformed)
	}

	h, err := parseDigestMethod(root)
	if err != nil {
		return nil, err
	}
	chain := &Chain{DigestMethod: h}

	for _, pe := range root.SelectElements("Proof") {
		name := pe.SelectAttrValue("Part", "")
		if name == "" {
			return nil, fmt.Errorf("%w: proof without part name", ErrMalformed)
		}
		proof, err := parseProof(pe, name)
		if err != nil {
			proof = Proof{Part: name, Err: fmt.Errorf("%w: part %s: %v", ErrMalformed, name, err)}
		}
		chain.Proofs = append(chain.Proofs, proof)
	}

	if len(chain.Proofs) == 0 {
		return nil, fmt.Errorf("%w: no proofs", ErrMalformed)
	}
	return chain, nil
}

// parseProof decodes one Proof element. Its errors are kept with the proof
// so the other parts of the chain stay verifiable.
func parseProof(pe *etree.Element, name string) (Proof, error) {
	partHash, err := HashForURI(pe.SelectAttrValue("DigestMethod", ""))
	if err != nil {
		return Proof{}, err
	}
	leafElem := pe.SelectElement("LeafDigest")
	if leafElem == nil {
		return Proof{}, errors.New("missing leaf digest")
	}
	leaf, err := base64.StdEncoding.DecodeString(leafElem.Text())
	if err != nil {
		return Proof{}, fmt.Errorf("leaf digest: %w", err)
	}

	proof := Proof{Part: name, DigestMethod: partHash, Leaf: leaf}
	for _, se := range pe.SelectElements("Step") {
		d, err := base64.StdEncoding.DecodeString(se.Text())
		if err != nil {
			return Proof{}, fmt.Errorf("step: %w", err)
		}
		var left bool
		switch se.SelectAttrValue("Position", "") {
		case "left":
			left = true
		case "right":
		default:
			return Proof{}, errors.New("bad step position")
		}
		proof.Steps = append(proof.Steps, Step{Left: left, Digest: d})
	}
	return proof, nil
}

func parseDigestMethod(parent *etree.Element) (crypto.Hash, error) {
	dm := parent.SelectElement("DigestMethod")
	if dm == nil {
		return 0, fmt.Errorf("%w: missing DigestMethod", ErrMalformed)
	}
	h, err := HashForURI(dm.SelectAttrValue("Algorithm", ""))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return h, nil
}
