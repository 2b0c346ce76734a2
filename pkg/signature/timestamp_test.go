package signature

import (
	"context"
	"crypto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msglog/internal/testpki"
	"github.com/sirosfoundation/go-msglog/pkg/fault"
)

func TestVerifyTimestampSingle(t *testing.T) {
	f := newFixture(t)
	data := f.build(t, messageParts(t, 1))
	tsa, key := f.pki.TSA(t)

	imprint, err := TimestampDigest(crypto.SHA256, data)
	require.NoError(t, err)
	ts := &Timestamp{Token: f.pki.Timestamp(t, tsa, key, crypto.SHA256, imprint)}

	require.NoError(t, f.verifier.VerifyTimestamp(context.Background(), data, ts))
}

func TestVerifyTimestampBatch(t *testing.T) {
	f := newFixture(t)
	sigs := []*Data{
		f.build(t, messageParts(t, 1)),
		f.build(t, messageParts(t, 2)),
		f.build(t, messageParts(t, 1)),
	}
	ts, root, err := BuildTimestampChain(crypto.SHA256, []string{"/record/1", "/record/2", "/record/3"}, sigs)
	require.NoError(t, err)
	require.True(t, ts.IsBatch())

	tsa, key := f.pki.TSA(t)
	ts.Token = f.pki.Timestamp(t, tsa, key, crypto.SHA256, root)

	for _, d := range sigs {
		assert.NoError(t, f.verifier.VerifyTimestamp(context.Background(), d, ts))
	}

	outsider := f.build(t, messageParts(t, 1))
	err = f.verifier.VerifyTimestamp(context.Background(), outsider, ts)
	assertKind(t, err, fault.KindInvalidSignatureValue)
}

func TestVerifyTimestampMissing(t *testing.T) {
	f := newFixture(t)
	data := f.build(t, messageParts(t, 1))

	assertKind(t, f.verifier.VerifyTimestamp(context.Background(), data, nil), fault.KindMissingTimestamp)
	assertKind(t, f.verifier.VerifyTimestamp(context.Background(), data, &Timestamp{}), fault.KindMissingTimestamp)
}

func TestVerifyTimestampOtherSignature(t *testing.T) {
	f := newFixture(t)
	data := f.build(t, messageParts(t, 1))
	other := f.build(t, messageParts(t, 1))
	tsa, key := f.pki.TSA(t)

	imprint, err := TimestampDigest(crypto.SHA256, other)
	require.NoError(t, err)
	ts := &Timestamp{Token: f.pki.Timestamp(t, tsa, key, crypto.SHA256, imprint)}

	assertKind(t, f.verifier.VerifyTimestamp(context.Background(), data, ts), fault.KindInvalidSignatureValue)
}

func TestVerifyTimestampUntrustedTSA(t *testing.T) {
	f := newFixture(t)
	data := f.build(t, messageParts(t, 1))
	foreign := testpki.New(t, f.pki.Now)
	tsa, key := foreign.TSA(t)

	imprint, err := TimestampDigest(crypto.SHA256, data)
	require.NoError(t, err)
	ts := &Timestamp{Token: foreign.Timestamp(t, tsa, key, crypto.SHA256, imprint)}

	assertKind(t, f.verifier.VerifyTimestamp(context.Background(), data, ts), fault.KindCertValidation)
}

func TestVerifyTimestampWithoutCertificate(t *testing.T) {
	f := newFixture(t)
	data := f.build(t, messageParts(t, 1))
	imprint, err := TimestampDigest(crypto.SHA256, data)
	require.NoError(t, err)

	foreign := testpki.New(t, f.pki.Now)
	tsa, key := foreign.TSA(t)
	ts := &Timestamp{Token: foreign.TimestampWithoutCertificate(t, tsa, key, crypto.SHA256, imprint)}
	assertKind(t, f.verifier.VerifyTimestamp(context.Background(), data, ts), fault.KindCertValidation)

	tsa, key = f.pki.TSA(t)
	ts = &Timestamp{Token: f.pki.TimestampWithoutCertificate(t, tsa, key, crypto.SHA256, imprint)}
	assertKind(t, f.verifier.VerifyTimestamp(context.Background(), data, ts), fault.KindCertValidation)
}

func TestVerifyTimestampGarbageToken(t *testing.T) {
	f := newFixture(t)
	data := f.build(t, messageParts(t, 1))

	err := f.verifier.VerifyTimestamp(context.Background(), data, &Timestamp{Token: []byte("not a token")})
	assertKind(t, err, fault.KindInvalidSignatureValue)
}
