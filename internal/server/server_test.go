package server

import (
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/sirosfoundation/go-msglog/internal/config"
	"github.com/sirosfoundation/go-msglog/internal/testpki"
	"github.com/sirosfoundation/go-msglog/pkg/archive"
	"github.com/sirosfoundation/go-msglog/pkg/fault"
	"github.com/sirosfoundation/go-msglog/pkg/hashchain"
	"github.com/sirosfoundation/go-msglog/pkg/record"
	"github.com/sirosfoundation/go-msglog/pkg/signature"
)

var testMember = signature.ClientID{Instance: "EE", MemberClass: "GOV", MemberCode: "70000001"}

type fixture struct {
	pki    *testpki.PKI
	cert   *x509.Certificate
	cfg    *config.Config
	server *Server
}

func writePEM(t *testing.T, path, typ string, der ...[]byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	var out []byte
	for _, b := range der {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: b})...)
	}
	require.NoError(t, os.WriteFile(path, out, 0o600))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	pki := testpki.New(t, time.Now())

	cert, key := pki.Issue(t, pkix.Name{
		Country:      []string{testMember.Instance},
		Organization: []string{testMember.MemberClass},
		CommonName:   testMember.MemberCode,
	}, false)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	memberDir := filepath.Join(dir, "keys", "EE_GOV_70000001")
	writePEM(t, filepath.Join(memberDir, "default.key"), "PRIVATE KEY", keyDER)
	writePEM(t, filepath.Join(memberDir, "default.crt"), "CERTIFICATE", cert.Raw)
	writePEM(t, filepath.Join(dir, "anchors.pem"), "CERTIFICATE", pki.CA.Raw)

	cfg, err := config.Parse([]byte(fmt.Sprintf(`
instance: EE
signing:
  mode: file
  file:
    keyDir: %s
trust:
  anchorsFile: %s
archive:
  dir: %s
  maxSize: 1
  retry:
    maxRetries: 1
    interval: 1ms
`, filepath.Join(dir, "keys"), filepath.Join(dir, "anchors.pem"), filepath.Join(dir, "archive"))))
	require.NoError(t, err)

	s, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	return &fixture{pki: pki, cert: cert, cfg: cfg, server: s}
}

func TestSignVerifyArchive(t *testing.T) {
	f := newFixture(t)
	s := f.server
	ctx := context.Background()

	req, err := hashchain.NewPart("q1-request", crypto.SHA256, []byte("<request/>"))
	require.NoError(t, err)
	resp, err := hashchain.NewPart("q1-response", crypto.SHA256, []byte("<response/>"))
	require.NoError(t, err)

	ocspResp := f.pki.OCSP(t, f.cert, testpki.OCSPOptions{Status: ocsp.Good})
	sig, err := s.Sign(ctx, testMember.String(), []hashchain.Part{req, resp}, ocspResp)
	require.NoError(t, err)
	assert.True(t, sig.IsBatch())

	tsa, tsaKey := f.pki.TSA(t)
	var ids []string
	var sigs []*signature.Data
	for i, p := range []hashchain.Part{req, resp} {
		narrowed, err := sig.ForPart(p.Name)
		require.NoError(t, err)
		require.NoError(t, s.Verify(ctx, narrowed, []hashchain.Part{p}, &testMember, time.Time{}))

		m := &record.Message{
			QueryID:   "q1",
			ClientID:  testMember,
			Response:  i == 1,
			Message:   p.Data,
			Signature: narrowed,
			Time:      time.Now().UTC(),
		}
		require.NoError(t, s.Store().Save(ctx, m))
		ids = append(ids, m.ID)
		sigs = append(sigs, narrowed)
	}

	ts, imprint, err := signature.BuildTimestampChain(crypto.SHA256, ids, sigs)
	require.NoError(t, err)
	stamp := &record.Timestamp{
		ID:              "ts1",
		Token:           f.pki.Timestamp(t, tsa, tsaKey, crypto.SHA256, imprint),
		HashChainResult: ts.HashChainResult,
		HashChain:       ts.HashChain,
		Time:            time.Now().UTC(),
	}
	require.NoError(t, s.VerifyTimestamp(ctx, sigs[0], stamp))
	require.NoError(t, s.Store().SetTimestamp(ctx, ids, stamp))

	s.Archive().Start()
	n, err := s.Archive().ArchivePending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err := s.Retriever().Retrieve(ctx, "q1", record.All, false, false)
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)

	require.NoError(t, s.Shutdown(ctx))
	archives, err := archive.VerifyChain(ctx, s.Sink(), "EE")
	require.NoError(t, err)
	assert.Equal(t, 2, archives)

	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `msglog_signature_verifications_total{result="ok"} 2`)
	assert.Contains(t, rec.Body.String(), "msglog_archive_published_total 2")
}

func TestVerifyRejectsWrongMember(t *testing.T) {
	f := newFixture(t)
	defer f.server.Shutdown(context.Background())
	ctx := context.Background()

	part, err := hashchain.NewPart("q2-request", crypto.SHA256, []byte("<request/>"))
	require.NoError(t, err)
	sig, err := f.server.Sign(ctx, testMember.String(), []hashchain.Part{part},
		f.pki.OCSP(t, f.cert, testpki.OCSPOptions{Status: ocsp.Good}))
	require.NoError(t, err)

	other := signature.ClientID{Instance: "EE", MemberClass: "COM", MemberCode: "1"}
	err = f.server.Verify(ctx, sig, []hashchain.Part{part}, &other, time.Time{})
	assert.ErrorIs(t, err, fault.ErrIncorrectCertificate)
}

func TestSignUnknownMember(t *testing.T) {
	f := newFixture(t)
	defer f.server.Shutdown(context.Background())

	part, err := hashchain.NewPart("q3-request", crypto.SHA256, []byte("<request/>"))
	require.NoError(t, err)
	_, err = f.server.Sign(context.Background(), "EE/GOV/unknown", []hashchain.Part{part})
	assert.Error(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)
	defer f.server.Shutdown(context.Background())

	for _, path := range []string{"/health", "/ready"} {
		rec := httptest.NewRecorder()
		f.server.httpSrv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	}
}

func TestNewMissingAnchors(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
instance: EE
signing:
  file:
    keyDir: %s
trust:
  anchorsFile: %s
`, dir, filepath.Join(dir, "absent.pem"))))
	require.NoError(t, err)

	_, err = New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "loading trust anchors")
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
