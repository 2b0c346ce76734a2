package signature

import (
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml"

	"github.com/sirosfoundation/go-msglog/pkg/hashchain"
)

// reference is one ds:Reference of SignedInfo.
type reference struct {
	URI          string
	Type         string
	Transform    bool
	DigestMethod crypto.Hash
	Digest       []byte
}

// Policy identifies the signature policy a signature is bound to.
type Policy struct {
	ID           string
	DigestMethod crypto.Hash
	Digest       []byte
}

// canonicalize applies Exclusive XML C14N without comments to elem. The
// element must declare every namespace it uses.
func canonicalize(elem *etree.Element) ([]byte, error) {
	c14n := signedxml.ExclusiveCanonicalization{WithComments: false}
	out, err := c14n.ProcessElement(elem, "")
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func digest(h crypto.Hash, data []byte) []byte {
	hasher := h.New()
	hasher.Write(data)
	return hasher.Sum(nil)
}

func createDigestElems(parent *etree.Element, h crypto.Hash, value []byte) error {
	uri, err := hashchain.AlgorithmURI(h)
	if err != nil {
		return err
	}
	parent.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", uri)
	parent.CreateElement("ds:DigestValue").SetText(base64.StdEncoding.EncodeToString(value))
	return nil
}

// newSignedProperties creates the xades:SignedProperties element binding the
// signing time, the signing certificate and the signature policy.
func newSignedProperties(cert *x509.Certificate, signingTime time.Time, certDigest crypto.Hash, policy Policy) (*etree.Element, error) {
	sp := etree.NewElement("xades:SignedProperties")
	sp.CreateAttr("xmlns:ds", NSXMLDSig)
	sp.CreateAttr("xmlns:xades", NSXAdES)
	sp.CreateAttr("Id", signedPropertiesID)

	ssp := sp.CreateElement("xades:SignedSignatureProperties")
	ssp.CreateElement("xades:SigningTime").SetText(signingTime.UTC().Format(time.RFC3339))

	xcert := ssp.CreateElement("xades:SigningCertificate").CreateElement("xades:Cert")
	if err := createDigestElems(xcert.CreateElement("xades:CertDigest"), certDigest, digest(certDigest, cert.Raw)); err != nil {
		return nil, err
	}
	issuerSerial := xcert.CreateElement("xades:IssuerSerial")
	issuerSerial.CreateElement("ds:X509IssuerName").SetText(cert.Issuer.String())
	issuerSerial.CreateElement("ds:X509SerialNumber").SetText(cert.SerialNumber.String())

	spi := ssp.CreateElement("xades:SignaturePolicyIdentifier").CreateElement("xades:SignaturePolicyId")
	spi.CreateElement("xades:SigPolicyId").CreateElement("xades:Identifier").SetText(policy.ID)
	if err := createDigestElems(spi.CreateElement("xades:SigPolicyHash"), policy.DigestMethod, policy.Digest); err != nil {
		return nil, err
	}
	return sp, nil
}

// newSignedInfo creates ds:SignedInfo for the given references.
func newSignedInfo(signatureMethod string, refs []reference) (*etree.Element, error) {
	si := etree.NewElement("ds:SignedInfo")
	si.CreateAttr("xmlns:ds", NSXMLDSig)
	si.CreateElement("ds:CanonicalizationMethod").CreateAttr("Algorithm", AlgorithmC14N)
	si.CreateElement("ds:SignatureMethod").CreateAttr("Algorithm", signatureMethod)

	for _, r := range refs {
		ref := si.CreateElement("ds:Reference")
		ref.CreateAttr("URI", r.URI)
		if r.Type != "" {
			ref.CreateAttr("Type", r.Type)
		}
		if r.Transform {
			ref.CreateElement("ds:Transforms").CreateElement("ds:Transform").CreateAttr("Algorithm", AlgorithmC14N)
		}
		if err := createDigestElems(ref, r.DigestMethod, r.Digest); err != nil {
			return nil, fmt.Errorf("reference %s: %w", r.URI, err)
		}
	}
	return si, nil
}

// newUnsignedProperties embeds extra certificates and OCSP responses.
func newUnsignedProperties(extraCerts []*x509.Certificate, ocspResponses [][]byte) *etree.Element {
	up := etree.NewElement("xades:UnsignedProperties")
	usp := up.CreateElement("xades:UnsignedSignatureProperties")

	if len(extraCerts) > 0 {
		cv := usp.CreateElement("xades:CertificateValues")
		for _, c := range extraCerts {
			cv.CreateElement("xades:EncapsulatedX509Certificate").SetText(base64.StdEncoding.EncodeToString(c.Raw))
		}
	}
	if len(ocspResponses) > 0 {
		ov := usp.CreateElement("xades:RevocationValues").CreateElement("xades:OCSPValues")
		for _, r := range ocspResponses {
			ov.CreateElement("xades:EncapsulatedOCSPValue").SetText(base64.StdEncoding.EncodeToString(r))
		}
	}
	return up
}

// parsedReference is a ds:Reference read back from a document.
type parsedReference struct {
	URI          string
	Type         string
	DigestMethod crypto.Hash
	Digest       []byte
}

// parsedSignature holds the pieces of a signature document needed for
// verification.
type parsedSignature struct {
	signedInfo       *etree.Element
	signedProperties *etree.Element
	signatureMethod  string
	signatureValue   []byte
	references       []parsedReference
	cert             *x509.Certificate
	signingTime      time.Time
	certDigestMethod crypto.Hash
	certDigest       []byte
	policyID         string
	extraCerts       []*x509.Certificate
	// ocspValues are kept encoded; decoding problems are certificate
	// validation failures, not structural ones.
	ocspValues []string
}

// documentReference returns the reference to the signed data, as opposed to
// the signed properties.
func (p *parsedSignature) documentReference() (*parsedReference, error) {
	var found *parsedReference
	for i := range p.references {
		if p.references[i].Type == SignedPropertiesType {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("more than one data reference")
		}
		found = &p.references[i]
	}
	if found == nil {
		return nil, fmt.Errorf("no data reference")
	}
	return found, nil
}

func (p *parsedSignature) signedPropertiesReference() (*parsedReference, error) {
	for i := range p.references {
		if p.references[i].Type == SignedPropertiesType {
			return &p.references[i], nil
		}
	}
	return nil, fmt.Errorf("no signed properties reference")
}

func child(parent *etree.Element, local string) *etree.Element {
	if parent == nil {
		return nil
	}
	for _, c := range parent.ChildElements() {
		if c.Tag == local {
			return c
		}
	}
	return nil
}

func children(parent *etree.Element, local string) []*etree.Element {
	var out []*etree.Element
	if parent == nil {
		return out
	}
	for _, c := range parent.ChildElements() {
		if c.Tag == local {
			out = append(out, c)
		}
	}
	return out
}

func path(parent *etree.Element, locals ...string) *etree.Element {
	e := parent
	for _, l := range locals {
		e = child(e, l)
		if e == nil {
			return nil
		}
	}
	return e
}

func decodeBase64(e *etree.Element) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.Join(strings.Fields(e.Text()), ""))
}

func parseDigestElems(parent *etree.Element) (crypto.Hash, []byte, error) {
	dm := child(parent, "DigestMethod")
	dv := child(parent, "DigestValue")
	if dm == nil || dv == nil {
		return 0, nil, fmt.Errorf("missing DigestMethod or DigestValue in %s", parent.Tag)
	}
	h, err := hashchain.HashForURI(dm.SelectAttrValue("Algorithm", ""))
	if err != nil {
		return 0, nil, err
	}
	value, err := decodeBase64(dv)
	if err != nil {
		return 0, nil, fmt.Errorf("DigestValue: %w", err)
	}
	return h, value, nil
}

// parseSignature reads a signature document. Every error it returns means
// the document is malformed.
func parseSignature(data []byte) (*parsedSignature, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("parsing signature XML: %w", err)
	}
	sig := doc.Root()
	if sig == nil || sig.Tag != "Signature" || sig.NamespaceURI() != NSXMLDSig {
		return nil, fmt.Errorf("missing ds:Signature")
	}

	p := &parsedSignature{}

	p.signedInfo = child(sig, "SignedInfo")
	if p.signedInfo == nil {
		return nil, fmt.Errorf("missing ds:SignedInfo")
	}
	c14n := child(p.signedInfo, "CanonicalizationMethod")
	if c14n == nil || c14n.SelectAttrValue("Algorithm", "") != AlgorithmC14N {
		return nil, fmt.Errorf("unsupported or missing canonicalization method")
	}
	sm := child(p.signedInfo, "SignatureMethod")
	if sm == nil {
		return nil, fmt.Errorf("missing ds:SignatureMethod")
	}
	p.signatureMethod = sm.SelectAttrValue("Algorithm", "")

	for _, ref := range children(p.signedInfo, "Reference") {
		h, d, err := parseDigestElems(ref)
		if err != nil {
			return nil, fmt.Errorf("reference %q: %w", ref.SelectAttrValue("URI", ""), err)
		}
		p.references = append(p.references, parsedReference{
			URI:          ref.SelectAttrValue("URI", ""),
			Type:         ref.SelectAttrValue("Type", ""),
			DigestMethod: h,
			Digest:       d,
		})
	}
	if len(p.references) == 0 {
		return nil, fmt.Errorf("no ds:Reference")
	}

	sv := child(sig, "SignatureValue")
	if sv == nil {
		return nil, fmt.Errorf("missing ds:SignatureValue")
	}
	value, err := decodeBase64(sv)
	if err != nil || len(value) == 0 {
		return nil, fmt.Errorf("invalid ds:SignatureValue")
	}
	p.signatureValue = value

	certElem := path(sig, "KeyInfo", "X509Data", "X509Certificate")
	if certElem == nil {
		return nil, fmt.Errorf("missing signing certificate")
	}
	der, err := decodeBase64(certElem)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	if p.cert, err = x509.ParseCertificate(der); err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}

	qp := path(sig, "Object", "QualifyingProperties")
	if qp == nil {
		return nil, fmt.Errorf("missing ds:Object with xades:QualifyingProperties")
	}
	p.signedProperties = child(qp, "SignedProperties")
	if p.signedProperties == nil {
		return nil, fmt.Errorf("missing xades:SignedProperties")
	}
	ssp := child(p.signedProperties, "SignedSignatureProperties")

	st := child(ssp, "SigningTime")
	if st == nil {
		return nil, fmt.Errorf("missing xades:SigningTime")
	}
	if p.signingTime, err = time.Parse(time.RFC3339, strings.TrimSpace(st.Text())); err != nil {
		return nil, fmt.Errorf("xades:SigningTime: %w", err)
	}

	certDigest := path(ssp, "SigningCertificate", "Cert", "CertDigest")
	if certDigest == nil {
		return nil, fmt.Errorf("missing xades:SigningCertificate")
	}
	if p.certDigestMethod, p.certDigest, err = parseDigestElems(certDigest); err != nil {
		return nil, fmt.Errorf("xades:CertDigest: %w", err)
	}

	policyID := path(ssp, "SignaturePolicyIdentifier", "SignaturePolicyId", "SigPolicyId", "Identifier")
	if policyID == nil {
		return nil, fmt.Errorf("missing xades:SignaturePolicyIdentifier")
	}
	p.policyID = strings.TrimSpace(policyID.Text())

	usp := path(qp, "UnsignedProperties", "UnsignedSignatureProperties")
	for _, e := range children(child(usp, "CertificateValues"), "EncapsulatedX509Certificate") {
		der, err := decodeBase64(e)
		if err != nil {
			return nil, fmt.Errorf("xades:EncapsulatedX509Certificate: %w", err)
		}
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("xades:EncapsulatedX509Certificate: %w", err)
		}
		p.extraCerts = append(p.extraCerts, c)
	}
	for _, e := range children(path(usp, "RevocationValues", "OCSPValues"), "EncapsulatedOCSPValue") {
		p.ocspValues = append(p.ocspValues, e.Text())
	}

	return p, nil
}
