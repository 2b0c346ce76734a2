package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msglog/pkg/fault"
	"github.com/sirosfoundation/go-msglog/pkg/security"
)

func TestArchiveObserver(t *testing.T) {
	r := NewRecorder()
	r.ArchivePublished("mlog-EE-0000000001-x-y.zip", 3, 1024)
	r.ArchivePublished("mlog-EE-0000000002-x-y.zip", 2, 2048)
	r.ArchiveFailed(fault.New(fault.KindArchiveIO, "disk full"))
	r.ArchiveFailed(fault.New(fault.KindEncryption, "no key"))
	r.ArchiveFailed(fault.New(fault.KindArchiveIO, "disk full"))

	assert.Equal(t, 2.0, testutil.ToFloat64(r.archivesPublished))
	assert.Equal(t, 5.0, testutil.ToFloat64(r.archivedRecords))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.archiveFailures.WithLabelValues("ArchiveIoError")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.archiveFailures.WithLabelValues("EncryptionError")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.archiveSize))
}

func TestObserveVerification(t *testing.T) {
	r := NewRecorder()
	r.ObserveVerification(nil, time.Millisecond)
	r.ObserveVerification(nil, time.Millisecond)
	r.ObserveVerification(fault.New(fault.KindCertValidation, "revoked"), time.Millisecond)
	r.ObserveVerification(io.EOF, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.verifications.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.verifications.WithLabelValues("CertValidation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.verifications.WithLabelValues("InternalError")))
}

func TestOCSPCacheMetrics(t *testing.T) {
	now := time.Now()
	cache := security.NewOCSPCache(security.FreshnessPolicy{Freshness: time.Hour}, nil)
	cache.Put(&security.OCSPEvidence{SubjectHash: "fresh", ThisUpdate: now})
	cache.Put(&security.OCSPEvidence{SubjectHash: "stale", ThisUpdate: now.Add(-2 * time.Hour)})
	cache.Get("fresh", now)
	cache.Get("stale", now)
	cache.Get("absent", now)

	r := NewRecorder()
	require.NoError(t, r.RegisterOCSPCache(cache))

	expected := `
# HELP msglog_ocsp_cache_entries OCSP responses currently cached
# TYPE msglog_ocsp_cache_entries gauge
msglog_ocsp_cache_entries 1
# HELP msglog_ocsp_cache_evictions_total Stale OCSP responses dropped from the cache
# TYPE msglog_ocsp_cache_evictions_total counter
msglog_ocsp_cache_evictions_total 1
# HELP msglog_ocsp_cache_hits_total OCSP cache lookups answered from the cache
# TYPE msglog_ocsp_cache_hits_total counter
msglog_ocsp_cache_hits_total 1
# HELP msglog_ocsp_cache_misses_total OCSP cache lookups without a usable response
# TYPE msglog_ocsp_cache_misses_total counter
msglog_ocsp_cache_misses_total 2
`
	require.NoError(t, testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected),
		"msglog_ocsp_cache_entries",
		"msglog_ocsp_cache_evictions_total",
		"msglog_ocsp_cache_hits_total",
		"msglog_ocsp_cache_misses_total"))

	assert.Error(t, r.RegisterOCSPCache(cache), "registering twice")
}

func TestHandler(t *testing.T) {
	r := NewRecorder()
	r.ArchivePublished("a", 1, 10)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "msglog_archive_published_total 1")
}

func TestServeStopsOnCancel(t *testing.T) {
	r := NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, "127.0.0.1:0", "/metrics", nil) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
