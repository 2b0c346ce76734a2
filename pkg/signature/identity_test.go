package signature

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientID(t *testing.T) {
	tests := []struct {
		in      string
		want    ClientID
		wantErr bool
	}{
		{in: "EE/GOV/70000001", want: ClientID{Instance: "EE", MemberClass: "GOV", MemberCode: "70000001"}},
		{in: "EE/GOV/70000001/registry", want: ClientID{Instance: "EE", MemberClass: "GOV", MemberCode: "70000001", Subsystem: "registry"}},
		{in: "EE/GOV", wantErr: true},
		{in: "EE//70000001", wantErr: true},
		{in: "EE/GOV/1/2/3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseClientID(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestSubjectIdentityExtractor(t *testing.T) {
	cert := &x509.Certificate{Subject: memberSubject}
	id, err := SubjectIdentityExtractor{}.Extract(cert)
	require.NoError(t, err)
	assert.Equal(t, ClientID{Instance: "EE", MemberClass: "GOV", MemberCode: "70000001"}, id)

	_, err = SubjectIdentityExtractor{}.Extract(&x509.Certificate{Subject: pkix.Name{CommonName: "x"}})
	assert.Error(t, err)
}
