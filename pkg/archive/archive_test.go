package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto"
	"crypto/ecdh"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msglog/internal/storage/memory"
	"github.com/sirosfoundation/go-msglog/pkg/asic"
	"github.com/sirosfoundation/go-msglog/pkg/fault"
	"github.com/sirosfoundation/go-msglog/pkg/record"
	"github.com/sirosfoundation/go-msglog/pkg/reliability"
	"github.com/sirosfoundation/go-msglog/pkg/security"
	"github.com/sirosfoundation/go-msglog/pkg/signature"
)

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testRecord(i int) *record.Message {
	id := fmt.Sprintf("r%03d", i)
	return &record.Message{
		ID:       id,
		QueryID:  "q/1",
		Response: i%2 == 1,
		Message:  []byte("<soap:Envelope>" + id + "</soap:Envelope>"),
		Signature: &signature.Data{
			SignatureXML: []byte(`<ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#">` + id + `</ds:Signature>`),
		},
		Timestamp: &record.Timestamp{ID: "ts", Token: []byte("token-" + id)},
		Time:      baseTime.Add(time.Duration(i) * time.Minute),
	}
}

func recordSize(t *testing.T) int64 {
	t.Helper()
	data, err := asic.NewCodec().EncodeRecord(testRecord(1))
	require.NoError(t, err)
	return int64(len(data))
}

func seeded(t *testing.T, n int) (*memory.Store, []*record.Message) {
	t.Helper()
	store := memory.NewStore()
	var recs []*record.Message
	for i := 1; i <= n; i++ {
		m := testRecord(i)
		require.NoError(t, store.Save(context.Background(), m))
		recs = append(recs, m)
	}
	return store, recs
}

func noWait() reliability.RetryPolicy {
	return reliability.RetryPolicy{MaxRetries: 2}
}

func TestArchiveName(t *testing.T) {
	n := ArchiveName{
		Instance: "EE",
		Seq:      42,
		Start:    baseTime,
		End:      baseTime.Add(90 * time.Minute),
	}
	assert.Equal(t, "mlog-EE-0000000042-20240601120000-20240601133000.zip", n.String())

	parsed, err := ParseArchiveName("EE", n.String())
	require.NoError(t, err)
	assert.Equal(t, n, parsed)

	n.Encrypted = true
	assert.True(t, strings.HasSuffix(n.String(), ".zip.xenc"))
	parsed, err = ParseArchiveName("EE", n.String())
	require.NoError(t, err)
	assert.True(t, parsed.Encrypted)
}

func TestParseArchiveNameRejects(t *testing.T) {
	for _, name := range []string{
		"mlog-FI-0000000001-20240601120000-20240601120000.zip",
		"mlog-EE-1-20240601120000-20240601120000.zip",
		"mlog-EE-0000000001-20240601120000.zip",
		"mlog-EE-0000000001-20240601120000-20240601120000.tar",
		"mlog-EE-0000000001-2024060112-20240601120000.zip",
		"mlog-EE-extra-0000000001-20240601120000-20240601120000.zip",
	} {
		_, err := ParseArchiveName("EE", name)
		assert.Error(t, err, name)
	}
}

func TestLinkingInfo(t *testing.T) {
	li := &LinkingInfo{
		DigestMethod:   crypto.SHA512,
		PreviousName:   "mlog-EE-0000000001-20240601120000-20240601120000.zip",
		PreviousDigest: []byte{0xde, 0xad},
		Entries: []EntryDigest{
			{Name: "a.asice", Digest: []byte{1}},
			{Name: "b.asice", Digest: []byte{2}},
		},
	}
	data, err := li.Marshal()
	require.NoError(t, err)
	assert.Equal(t, "SHA-512 mlog-EE-0000000001-20240601120000-20240601120000.zip dead\na.asice 01\nb.asice 02\n", string(data))

	parsed, err := ParseLinkingInfo(data)
	require.NoError(t, err)
	assert.Equal(t, li, parsed)

	first := &LinkingInfo{DigestMethod: crypto.SHA256}
	data, err = first.Marshal()
	require.NoError(t, err)
	assert.Equal(t, "SHA-256 - -\n", string(data))
	parsed, err = ParseLinkingInfo(data)
	require.NoError(t, err)
	assert.Empty(t, parsed.PreviousName)
	assert.Nil(t, parsed.PreviousDigest)
}

func TestLinkingInfoRejects(t *testing.T) {
	for _, in := range []string{
		"",
		"SHA-256 -\n",
		"MD5 - -\n",
		"SHA-256 - abcd\n",
		"SHA-256 prev zz\n",
		"SHA-256 - -\na.asice\n",
		"SHA-256 - -\na.asice xyz\n",
	} {
		_, err := ParseLinkingInfo([]byte(in))
		assert.ErrorIs(t, err, ErrMalformedLinkingInfo, in)
	}

	_, err := (&LinkingInfo{DigestMethod: crypto.MD5}).Marshal()
	assert.Error(t, err)
	_, err = (&LinkingInfo{DigestMethod: crypto.SHA256, Entries: []EntryDigest{{Name: "a b"}}}).Marshal()
	assert.Error(t, err)
}

func TestCacheRotation(t *testing.T) {
	size := recordSize(t)
	c := NewCache(asic.NewCodec(), WithMaxArchiveSize(2*size+size/2))

	require.NoError(t, c.Add(testRecord(1)))
	require.NoError(t, c.Add(testRecord(2)))
	assert.False(t, c.IsRotating())
	assert.Equal(t, 2*size, c.Size())
	assert.Equal(t, baseTime.Add(time.Minute), c.StartTime())
	assert.Equal(t, baseTime.Add(2*time.Minute), c.EndTime())

	require.NoError(t, c.Add(testRecord(3)))
	require.True(t, c.IsRotating())
	b := c.Rotated()
	assert.Equal(t, []string{"r001", "r002"}, b.RecordIDs())
	assert.Equal(t, baseTime.Add(time.Minute), b.Start)
	assert.Equal(t, baseTime.Add(2*time.Minute), b.End)
	assert.Equal(t, size, c.Size())
	assert.True(t, c.Contains("r001"))

	data, err := c.ArchiveBytes()
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.True(t, strings.HasPrefix(zr.File[0].Name, "q_1-response-"))
	assert.True(t, strings.HasPrefix(zr.File[1].Name, "q_1-request-"))
	assert.True(t, strings.HasSuffix(zr.File[0].Name, asic.Extension))

	c.Commit()
	assert.False(t, c.IsRotating())
	assert.Nil(t, c.Rotated())
	assert.False(t, c.Contains("r001"))
	assert.True(t, c.Contains("r003"))

	_, err = c.ArchiveBytes()
	assert.Error(t, err)
}

func TestCacheOversizedEntry(t *testing.T) {
	size := recordSize(t)
	c := NewCache(asic.NewCodec(), WithMaxArchiveSize(size/2))

	require.NoError(t, c.Add(testRecord(1)))
	require.True(t, c.IsRotating())
	assert.Equal(t, []string{"r001"}, c.Rotated().RecordIDs())
	assert.Zero(t, c.Size())

	// the second record seals nothing new in front of it, only itself
	require.NoError(t, c.Add(testRecord(2)))
	c.Commit()
	require.True(t, c.IsRotating())
	assert.Equal(t, []string{"r002"}, c.Rotated().RecordIDs())
}

func TestCacheNameCollision(t *testing.T) {
	c := NewCache(asic.NewCodec(), WithRandom(func() string { return "x" }))
	for i := 0; i < 3; i++ {
		m := testRecord(2 * i)
		require.NoError(t, c.Add(m))
	}
	c.Flush()
	var names []string
	for _, e := range c.Rotated().Entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"q_1-request-x.asice", "q_1-request-x-1.asice", "q_1-request-x-2.asice"}, names)
}

func TestCacheRequiresTimestamp(t *testing.T) {
	c := NewCache(asic.NewCodec())
	m := testRecord(1)
	m.Timestamp = nil
	err := c.Add(m)
	assert.Equal(t, fault.KindMissingTimestamp, fault.KindOf(err))
	assert.Zero(t, c.Size())
}

func TestCacheIgnoresPendingRecord(t *testing.T) {
	c := NewCache(asic.NewCodec())
	require.NoError(t, c.Add(testRecord(1)))
	require.NoError(t, c.Add(testRecord(1)))
	c.Flush()
	assert.Len(t, c.Rotated().Entries, 1)
}

func newWriter(t *testing.T, store record.Store, sink Sink, perArchive int, opts ...WriterOption) *Writer {
	t.Helper()
	size := recordSize(t)
	cache := NewCache(asic.NewCodec(), WithMaxArchiveSize(int64(perArchive)*size+size/2))
	opts = append([]WriterOption{WithRetryPolicy(noWait())}, opts...)
	return NewWriter("EE", store, sink, cache, opts...)
}

func TestWriterChain(t *testing.T) {
	ctx := context.Background()
	store, recs := seeded(t, 7)
	sink, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	w := newWriter(t, store, sink, 2)

	for _, m := range recs {
		require.NoError(t, w.Write(ctx, m))
	}
	names, err := sink.List(ctx, "mlog-EE-")
	require.NoError(t, err)
	require.Len(t, names, 3)
	assert.Equal(t, "mlog-EE-0000000001-20240601120100-20240601120200.zip", names[0])

	got, ok := store.Get("r007")
	require.True(t, ok)
	assert.False(t, got.Archived)

	require.NoError(t, w.Close(ctx))
	assert.ErrorIs(t, w.Write(ctx, testRecord(8)), ErrWriterClosed)

	for _, m := range recs {
		got, ok := store.Get(m.ID)
		require.True(t, ok)
		assert.True(t, got.Archived, m.ID)
	}

	n, err := VerifyChain(ctx, sink, "EE")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	data, err := sink.Read(ctx, "mlog-EE-0000000002-20240601120300-20240601120400.zip")
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	raw, err := readZipEntry(zr, EntryLinkingInfo)
	require.NoError(t, err)
	li, err := ParseLinkingInfo(raw)
	require.NoError(t, err)
	assert.Equal(t, names[0], li.PreviousName)
	first, err := sink.Read(ctx, names[0])
	require.NoError(t, err)
	assert.Equal(t, digestOf(crypto.SHA256, first), li.PreviousDigest)
	assert.Len(t, li.Entries, 2)

	manifest, err := readZipEntry(zr, EntryManifest)
	require.NoError(t, err)
	assert.Equal(t, "r003\nr004\n", string(manifest))
}

func TestWriterContinuesExistingChain(t *testing.T) {
	ctx := context.Background()
	sink, err := NewDirSink(t.TempDir())
	require.NoError(t, err)

	store, recs := seeded(t, 4)
	w := newWriter(t, store, sink, 10)
	require.NoError(t, w.Write(ctx, recs[0]))
	require.NoError(t, w.Write(ctx, recs[1]))
	require.NoError(t, w.Close(ctx))

	w = newWriter(t, store, sink, 10, WithLinkDigest(crypto.SHA384))
	require.NoError(t, w.Write(ctx, recs[2]))
	require.NoError(t, w.Close(ctx))

	names, err := sink.List(ctx, "mlog-EE-")
	require.NoError(t, err)
	require.Len(t, names, 2)
	parsed, err := ParseArchiveName("EE", names[1])
	require.NoError(t, err)
	assert.EqualValues(t, 2, parsed.Seq)

	n, err := VerifyChain(ctx, sink, "EE")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestWriterEmptyClose(t *testing.T) {
	ctx := context.Background()
	sink, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	w := newWriter(t, memory.NewStore(), sink, 2)
	require.NoError(t, w.Close(ctx))
	require.NoError(t, w.Close(ctx))

	names, err := sink.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

// flakySink fails Publish while fail is positive.
type flakySink struct {
	Sink
	mu        sync.Mutex
	fail      int
	err       error
	published int
}

func (s *flakySink) Publish(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return s.err
	}
	s.published++
	return s.Sink.Publish(ctx, name, data)
}

func TestWriterRetriesPublish(t *testing.T) {
	ctx := context.Background()
	dir, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	sink := &flakySink{Sink: dir, fail: 2, err: fault.New(fault.KindArchiveIO, "disk busy")}
	store, recs := seeded(t, 1)

	w := newWriter(t, store, sink, 2)
	require.NoError(t, w.Write(ctx, recs[0]))
	require.NoError(t, w.Close(ctx))
	assert.Equal(t, 1, sink.published)
	assert.Zero(t, sink.fail)
}

func TestWriterKeepsBatchOnFailure(t *testing.T) {
	ctx := context.Background()
	dir, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	sink := &flakySink{Sink: dir, fail: 3, err: fault.New(fault.KindArchiveIO, "disk full")}
	store, recs := seeded(t, 3)
	w := newWriter(t, store, sink, 1)

	require.NoError(t, w.Write(ctx, recs[0]), "first record fits")
	err = w.Write(ctx, recs[1])
	require.Error(t, err)
	assert.ErrorIs(t, err, reliability.ErrRetriesExhausted)
	assert.Equal(t, fault.KindArchiveIO, fault.KindOf(err))
	assert.True(t, w.cache.IsRotating())

	got, _ := store.Get("r001")
	assert.False(t, got.Archived)

	require.NoError(t, w.Write(ctx, recs[2]))
	require.NoError(t, w.Close(ctx))
	for _, m := range recs {
		got, _ := store.Get(m.ID)
		assert.True(t, got.Archived, m.ID)
	}
	n, err := VerifyChain(ctx, dir, "EE")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestWriterDoesNotRetryPermanentErrors(t *testing.T) {
	ctx := context.Background()
	dir, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	sink := &flakySink{Sink: dir, fail: 1, err: errors.New("permission denied")}
	store, recs := seeded(t, 1)
	w := newWriter(t, store, sink, 1)

	require.NoError(t, w.Write(ctx, recs[0]))
	require.Error(t, w.Close(ctx))
	assert.Zero(t, sink.fail)
	assert.Zero(t, sink.published)

	require.NoError(t, w.Close(ctx))
	assert.Equal(t, 1, sink.published)
}

// unackedSink stores files but reports failure while fail is positive.
type unackedSink struct {
	Sink
	mu    sync.Mutex
	fail  int
	calls int
}

func (s *unackedSink) Publish(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := s.Sink.Publish(ctx, name, data); err != nil {
		return err
	}
	if s.fail > 0 {
		s.fail--
		return fault.New(fault.KindArchiveIO, "request timed out")
	}
	return nil
}

func TestWriterDoesNotRepublishStoredArchive(t *testing.T) {
	ctx := context.Background()
	dir, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	sink := &unackedSink{Sink: dir, fail: 100}
	store, recs := seeded(t, 1)
	w := newWriter(t, store, sink, 1)

	require.NoError(t, w.Write(ctx, recs[0]))
	require.Error(t, w.Close(ctx))
	calls := sink.calls

	sink.fail = 0
	require.NoError(t, w.Close(ctx))
	assert.Equal(t, calls, sink.calls)

	names, err := dir.List(ctx, "mlog-EE-")
	require.NoError(t, err)
	require.Len(t, names, 1)
	parsed, err := ParseArchiveName("EE", names[0])
	require.NoError(t, err)
	assert.EqualValues(t, 1, parsed.Seq)

	got, _ := store.Get("r001")
	assert.True(t, got.Archived)
	n, err := VerifyChain(ctx, dir, "EE")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWriterRepublishesSameArchive(t *testing.T) {
	ctx := context.Background()
	dir, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	sink := &flakySink{Sink: dir, fail: 100, err: fault.New(fault.KindArchiveIO, "disk full")}
	store, recs := seeded(t, 2)
	w := newWriter(t, store, sink, 1)

	require.NoError(t, w.Write(ctx, recs[0]))
	require.Error(t, w.Write(ctx, recs[1]))
	require.NotNil(t, w.pending)
	name, data := w.pending.name, w.pending.data

	sink.fail = 0
	require.NoError(t, w.Close(ctx))
	got, err := dir.Read(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Nil(t, w.pending)
}

// flakyStore fails MarkArchived while fail is positive.
type flakyStore struct {
	*memory.Store
	mu   sync.Mutex
	fail int
}

func (s *flakyStore) MarkArchived(ctx context.Context, ids []string) error {
	s.mu.Lock()
	if s.fail > 0 {
		s.fail--
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.Store.MarkArchived(ctx, ids)
}

func TestWriterDoesNotRepublishAfterMarkFailure(t *testing.T) {
	ctx := context.Background()
	dir, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	sink := &flakySink{Sink: dir}
	mem, recs := seeded(t, 1)
	store := &flakyStore{Store: mem, fail: 3}
	w := newWriter(t, store, sink, 1)

	require.NoError(t, w.Write(ctx, recs[0]))
	require.Error(t, w.Close(ctx))
	assert.Equal(t, 1, sink.published)

	require.NoError(t, w.Close(ctx))
	assert.Equal(t, 1, sink.published)
	got, _ := mem.Get("r001")
	assert.True(t, got.Archived)
}

func TestWriterRecover(t *testing.T) {
	ctx := context.Background()
	sink, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	mem, recs := seeded(t, 3)

	crashed := newWriter(t, &flakyStore{Store: mem, fail: 100}, sink, 5)
	for _, m := range recs {
		require.NoError(t, crashed.Write(ctx, m))
	}
	require.Error(t, crashed.Close(ctx))
	for _, m := range recs {
		got, _ := mem.Get(m.ID)
		assert.False(t, got.Archived)
	}

	w := newWriter(t, mem, sink, 5)
	n, err := w.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, m := range recs {
		got, _ := mem.Get(m.ID)
		assert.True(t, got.Archived)
	}

	pending, err := mem.FindArchivable(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWriterRecoverEmpty(t *testing.T) {
	sink, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	w := newWriter(t, memory.NewStore(), sink, 5)
	n, err := w.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func newArchiveKeys(t *testing.T) (asic.KeyProvider, asic.PrivateKeyProvider) {
	t.Helper()
	priv, err := security.GenerateX25519KeyPair()
	require.NoError(t, err)
	pub := func(group string) (*ecdh.PublicKey, error) {
		if group != "auditors" {
			return nil, errors.New("unknown group")
		}
		return priv.PublicKey(), nil
	}
	private := func(group string) (*ecdh.PrivateKey, error) {
		if group != "auditors" {
			return nil, errors.New("unknown group")
		}
		return priv, nil
	}
	return pub, private
}

func TestWriterEncrypted(t *testing.T) {
	ctx := context.Background()
	sink, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	pub, private := newArchiveKeys(t)
	dec := asic.NewDecryptor(private, nil)
	store, recs := seeded(t, 4)

	w := newWriter(t, store, sink, 2, WithEncryption(asic.NewEncryptor(pub, nil), "auditors"))
	for _, m := range recs {
		require.NoError(t, w.Write(ctx, m))
	}
	require.NoError(t, w.Close(ctx))

	names, err := sink.List(ctx, "mlog-EE-")
	require.NoError(t, err)
	require.Len(t, names, 2)
	for _, name := range names {
		assert.True(t, strings.HasSuffix(name, ".zip.xenc"), name)
	}

	_, err = VerifyChain(ctx, sink, "EE")
	assert.Error(t, err)
	n, err := VerifyChain(ctx, sink, "EE", WithChainDecryptor(dec, "auditors"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = newWriter(t, store, sink, 2, WithEncryption(asic.NewEncryptor(pub, nil), "auditors")).Recover(ctx)
	assert.Equal(t, fault.KindEncryption, fault.KindOf(err))

	r := newWriter(t, store, sink, 2,
		WithEncryption(asic.NewEncryptor(pub, nil), "auditors"),
		WithRecoveryDecryptor(dec))
	n, err = r.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestWriterEncryptionFailure(t *testing.T) {
	ctx := context.Background()
	dir, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	sink := &flakySink{Sink: dir}
	pub, _ := newArchiveKeys(t)
	store, recs := seeded(t, 1)

	w := newWriter(t, store, sink, 1, WithEncryption(asic.NewEncryptor(pub, nil), "nobody"))
	require.NoError(t, w.Write(ctx, recs[0]))
	err = w.Close(ctx)
	assert.Equal(t, fault.KindEncryption, fault.KindOf(err))
	assert.Zero(t, sink.published)
}

type countingObserver struct {
	mu        sync.Mutex
	published []string
	failed    int
}

func (o *countingObserver) ArchivePublished(name string, records int, size int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.published = append(o.published, name)
}

func (o *countingObserver) ArchiveFailed(error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
}

func TestWriterObserver(t *testing.T) {
	ctx := context.Background()
	dir, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	sink := &flakySink{Sink: dir, fail: 1, err: errors.New("denied")}
	store, recs := seeded(t, 1)
	obs := &countingObserver{}

	w := newWriter(t, store, sink, 1, WithObserver(obs))
	require.NoError(t, w.Write(ctx, recs[0]))
	require.Error(t, w.Close(ctx))
	require.NoError(t, w.Close(ctx))
	assert.Equal(t, 1, obs.failed)
	assert.Len(t, obs.published, 1)
}

func writeChain(t *testing.T, n int) (*DirSink, []string) {
	t.Helper()
	ctx := context.Background()
	sink, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	store, recs := seeded(t, n)
	w := newWriter(t, store, sink, 1)
	for _, m := range recs {
		require.NoError(t, w.Write(ctx, m))
	}
	require.NoError(t, w.Close(ctx))
	names, err := sink.List(ctx, "mlog-EE-")
	require.NoError(t, err)
	require.Len(t, names, n)
	return sink, names
}

// rewriteEntry replaces the content of one archive entry in place.
func rewriteEntry(t *testing.T, path, entry string, content []byte) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range zr.File {
		w, err := zw.Create(f.Name)
		require.NoError(t, err)
		if f.Name == entry {
			_, err = w.Write(content)
		} else {
			var body []byte
			body, err = readFile(f)
			require.NoError(t, err)
			_, err = w.Write(body)
		}
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	ctx := context.Background()

	t.Run("entry content", func(t *testing.T) {
		sink, names := writeChain(t, 3)
		path := filepath.Join(sink.Dir(), names[1])
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		require.NoError(t, err)
		rewriteEntry(t, path, zr.File[0].Name, []byte("forged"))

		n, err := VerifyChain(ctx, sink, "EE")
		assert.ErrorIs(t, err, ErrChainBroken)
		assert.Equal(t, 1, n)
	})

	t.Run("manifest only", func(t *testing.T) {
		sink, names := writeChain(t, 3)
		rewriteEntry(t, filepath.Join(sink.Dir(), names[0]), EntryManifest, []byte("other\n"))

		// entries still match, but the successor's link does not
		n, err := VerifyChain(ctx, sink, "EE")
		assert.ErrorIs(t, err, ErrChainBroken)
		assert.Equal(t, 1, n)
	})

	t.Run("removed archive", func(t *testing.T) {
		sink, names := writeChain(t, 3)
		require.NoError(t, os.Remove(filepath.Join(sink.Dir(), names[1])))
		_, err := VerifyChain(ctx, sink, "EE")
		assert.ErrorIs(t, err, ErrChainBroken)
	})

	t.Run("pruned head", func(t *testing.T) {
		sink, names := writeChain(t, 3)
		require.NoError(t, os.Remove(filepath.Join(sink.Dir(), names[0])))
		n, err := VerifyChain(ctx, sink, "EE")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("extra entry", func(t *testing.T) {
		sink, names := writeChain(t, 1)
		path := filepath.Join(sink.Dir(), names[0])
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		require.NoError(t, err)

		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		for _, f := range zr.File {
			require.NoError(t, zw.Copy(f))
		}
		w, err := zw.Create("smuggled.asice")
		require.NoError(t, err)
		_, err = w.Write([]byte("x"))
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

		_, err = VerifyChain(ctx, sink, "EE")
		assert.ErrorIs(t, err, ErrChainBroken)
	})
}

func TestDirSink(t *testing.T) {
	ctx := context.Background()
	sink, err := NewDirSink(filepath.Join(t.TempDir(), "archives"))
	require.NoError(t, err)

	require.NoError(t, sink.Publish(ctx, "b.zip", []byte("b")))
	require.NoError(t, sink.Publish(ctx, "a.zip", []byte("a")))
	require.NoError(t, os.WriteFile(filepath.Join(sink.Dir(), ".a.zip.tmp-1"), nil, 0o600))

	names, err := sink.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.zip", "b.zip"}, names)

	data, err := sink.Read(ctx, "a.zip")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)

	_, err = sink.Read(ctx, "missing.zip")
	assert.ErrorIs(t, err, ErrArchiveNotFound)

	assert.Error(t, sink.Publish(ctx, "../escape.zip", nil))
	assert.Error(t, sink.Publish(ctx, ".hidden", nil))
}

func TestWorker(t *testing.T) {
	ctx := context.Background()
	sink, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	store, recs := seeded(t, 20)
	worker := NewWorker(newWriter(t, store, sink, 3), 4)
	worker.Start()

	var wg sync.WaitGroup
	errs := make(chan error, len(recs))
	for _, m := range recs {
		wg.Add(1)
		go func(m *record.Message) {
			defer wg.Done()
			errs <- worker.Submit(ctx, m)
		}(m)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, worker.Stop(ctx))
	assert.ErrorIs(t, worker.Submit(ctx, testRecord(21)), ErrWorkerStopped)
	require.NoError(t, worker.Stop(ctx))

	for _, m := range recs {
		got, _ := store.Get(m.ID)
		assert.True(t, got.Archived, m.ID)
	}
	n, err := VerifyChain(ctx, sink, "EE")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestWorkerArchivePending(t *testing.T) {
	ctx := context.Background()
	sink, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	store, _ := seeded(t, 5)
	unstamped := testRecord(6)
	unstamped.Timestamp = nil
	require.NoError(t, store.Save(ctx, unstamped))

	worker := NewWorker(newWriter(t, store, sink, 2), 1)
	worker.Start()

	n, err := worker.ArchivePending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// buffered records are not added twice
	n, err = worker.ArchivePending(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, worker.Stop(ctx))
	pending, err := store.FindArchivable(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
	got, _ := store.Get("r006")
	assert.False(t, got.Archived)

	n, err = VerifyChain(ctx, sink, "EE")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestWorkerStopRetriesClose(t *testing.T) {
	ctx := context.Background()
	dir, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	sink := &flakySink{Sink: dir, fail: 1, err: errors.New("permission denied")}
	store, recs := seeded(t, 1)
	worker := NewWorker(newWriter(t, store, sink, 1), 1)
	worker.Start()

	require.NoError(t, worker.Submit(ctx, recs[0]))
	require.Error(t, worker.Stop(ctx))
	assert.Zero(t, sink.published)

	require.NoError(t, worker.Stop(ctx))
	assert.Equal(t, 1, sink.published)
	got, _ := store.Get("r001")
	assert.True(t, got.Archived)
	require.NoError(t, worker.Stop(ctx))
	assert.Equal(t, 1, sink.published)
}

func TestWorkerCanceledSubmit(t *testing.T) {
	sink, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	worker := NewWorker(newWriter(t, memory.NewStore(), sink, 2), 1)
	worker.Start()
	defer worker.Stop(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, worker.Submit(ctx, testRecord(1)), context.Canceled)
}
