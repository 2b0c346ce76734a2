package signature

import (
	"crypto/x509"
	"fmt"
	"strings"
)

// ClientID identifies a member or subsystem of the federation.
type ClientID struct {
	Instance    string `json:"instance" bson:"instance" yaml:"instance"`
	MemberClass string `json:"member_class" bson:"member_class" yaml:"member_class"`
	MemberCode  string `json:"member_code" bson:"member_code" yaml:"member_code"`
	Subsystem   string `json:"subsystem,omitempty" bson:"subsystem,omitempty" yaml:"subsystem,omitempty"`
}

// String renders the identifier as INSTANCE/CLASS/CODE[/SUBSYSTEM].
func (c ClientID) String() string {
	s := c.Instance + "/" + c.MemberClass + "/" + c.MemberCode
	if c.Subsystem != "" {
		s += "/" + c.Subsystem
	}
	return s
}

// Member returns the identifier without the subsystem.
func (c ClientID) Member() ClientID {
	c.Subsystem = ""
	return c
}

// ParseClientID parses the String form.
func ParseClientID(s string) (ClientID, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 3 || len(parts) > 4 {
		return ClientID{}, fmt.Errorf("invalid client identifier %q", s)
	}
	for _, p := range parts {
		if p == "" {
			return ClientID{}, fmt.Errorf("invalid client identifier %q", s)
		}
	}
	id := ClientID{Instance: parts[0], MemberClass: parts[1], MemberCode: parts[2]}
	if len(parts) == 4 {
		id.Subsystem = parts[3]
	}
	return id, nil
}

// IdentityExtractor derives the member identity bound to a signing
// certificate.
type IdentityExtractor interface {
	Extract(cert *x509.Certificate) (ClientID, error)
}

// IdentityExtractorFunc adapts a function to IdentityExtractor.
type IdentityExtractorFunc func(cert *x509.Certificate) (ClientID, error)

// Extract implements IdentityExtractor.
func (f IdentityExtractorFunc) Extract(cert *x509.Certificate) (ClientID, error) {
	return f(cert)
}

// SubjectIdentityExtractor maps the subject C, O and CN attributes to the
// instance, member class and member code.
type SubjectIdentityExtractor struct{}

// Extract implements IdentityExtractor.
func (SubjectIdentityExtractor) Extract(cert *x509.Certificate) (ClientID, error) {
	if cert == nil {
		return ClientID{}, fmt.Errorf("nil certificate")
	}
	subj := cert.Subject
	if len(subj.Country) == 0 || len(subj.Organization) == 0 || subj.CommonName == "" {
		return ClientID{}, fmt.Errorf("certificate subject %q lacks C, O or CN", subj.String())
	}
	return ClientID{
		Instance:    subj.Country[0],
		MemberClass: subj.Organization[0],
		MemberCode:  subj.CommonName,
	}, nil
}
