package archive

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"crypto"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/sirosfoundation/go-msglog/pkg/asic"
	"github.com/sirosfoundation/go-msglog/pkg/fault"
	"github.com/sirosfoundation/go-msglog/pkg/record"
	"github.com/sirosfoundation/go-msglog/pkg/reliability"
)

// ErrWriterClosed is returned by Write after Close.
var ErrWriterClosed = errors.New("archive writer closed")

// Observer receives archive events, e.g. for metrics.
type Observer interface {
	ArchivePublished(name string, records int, size int)
	ArchiveFailed(err error)
}

type nopObserver struct{}

func (nopObserver) ArchivePublished(string, int, int) {}
func (nopObserver) ArchiveFailed(error)               {}

// Writer turns sealed cache batches into linked archive files.
// A Writer is not safe for concurrent use; see Worker.
type Writer struct {
	instance     string
	store        record.Store
	sink         Sink
	cache        *Cache
	digestMethod crypto.Hash
	encryptor    *asic.Encryptor
	decryptor    *asic.Decryptor
	group        string
	retry        reliability.RetryPolicy
	observer     Observer
	logger       *slog.Logger

	// published is set when the oldest batch reached the sink but its
	// records are not yet marked archived.
	published string
	// pending holds the file built for the oldest batch until the sink
	// accepts it, so a retry republishes the same name and bytes.
	pending *builtArchive
	closed  bool
}

type builtArchive struct {
	name string
	data []byte
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithLinkDigest sets the digest algorithm of the linking info.
func WithLinkDigest(h crypto.Hash) WriterOption {
	return func(w *Writer) { w.digestMethod = h }
}

// WithEncryption encrypts every archive file for group.
func WithEncryption(enc *asic.Encryptor, group string) WriterOption {
	return func(w *Writer) {
		w.encryptor = enc
		w.group = group
	}
}

// WithRecoveryDecryptor lets Recover read encrypted archive files.
func WithRecoveryDecryptor(dec *asic.Decryptor) WriterOption {
	return func(w *Writer) { w.decryptor = dec }
}

// WithRetryPolicy sets how publishing and record updates are retried.
func WithRetryPolicy(p reliability.RetryPolicy) WriterOption {
	return func(w *Writer) { w.retry = p }
}

// WithObserver sets the event observer.
func WithObserver(o Observer) WriterOption {
	return func(w *Writer) { w.observer = o }
}

// WithWriterLogger sets the logger.
func WithWriterLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) { w.logger = l }
}

// NewWriter creates a writer for the archives of instance.
func NewWriter(instance string, store record.Store, sink Sink, cache *Cache, opts ...WriterOption) *Writer {
	w := &Writer{
		instance:     instance,
		store:        store,
		sink:         sink,
		cache:        cache,
		digestMethod: crypto.SHA256,
		retry:        reliability.DefaultRetryPolicy(),
		observer:     nopObserver{},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.retry.Logger == nil {
		w.retry.Logger = w.logger
	}
	return w
}

// Write adds a time-stamped record to the cache and writes every batch the
// addition sealed. A failed write leaves the batch in the cache; the next
// Write or Close retries it.
func (w *Writer) Write(ctx context.Context, m *record.Message) error {
	if w.closed {
		return ErrWriterClosed
	}
	if err := w.cache.Add(m); err != nil {
		return err
	}
	return w.drain(ctx)
}

// ArchivePending writes up to limit records the store reports as
// archivable and returns how many were added.
func (w *Writer) ArchivePending(ctx context.Context, limit int) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	recs, err := w.store.FindArchivable(ctx, limit)
	if err != nil {
		return 0, fault.Wrap(fault.KindArchiveIO, err, "finding archivable records")
	}
	n := 0
	for _, m := range recs {
		if w.cache.Contains(m.ID) {
			continue
		}
		if err := w.Write(ctx, m); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Close writes whatever is buffered. The writer stays usable when Close
// fails so it can be called again.
func (w *Writer) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.cache.Flush()
	if err := w.drain(ctx); err != nil {
		return err
	}
	w.closed = true
	return nil
}

func (w *Writer) drain(ctx context.Context) error {
	for w.cache.IsRotating() {
		if err := w.rotate(ctx); err != nil {
			w.observer.ArchiveFailed(err)
			return err
		}
	}
	return nil
}

func (w *Writer) rotate(ctx context.Context) error {
	batch := w.cache.Rotated()

	if w.published == "" {
		if err := w.publish(ctx, batch); err != nil {
			return err
		}
	}

	ids := batch.RecordIDs()
	err := w.retry.Do(ctx, func(ctx context.Context) error {
		if err := w.store.MarkArchived(ctx, ids); err != nil {
			return fault.Wrap(fault.KindArchiveIO, err, "marking records archived")
		}
		return nil
	}, fault.Retryable)
	if err != nil {
		return fault.Wrap(fault.KindArchiveIO, err, "archive %s published", w.published)
	}
	w.published = ""
	w.cache.Commit()
	return nil
}

func (w *Writer) publish(ctx context.Context, batch *Batch) error {
	stored := false
	if w.pending == nil {
		name, data, err := w.build(ctx, batch)
		if err != nil {
			return err
		}
		w.pending = &builtArchive{name: name, data: data}
	} else {
		// a failed attempt may have reached the sink anyway
		var err error
		if stored, err = w.inSink(ctx, w.pending.name); err != nil {
			return err
		}
	}

	name, data := w.pending.name, w.pending.data
	if stored {
		w.logger.Warn("archive already in sink", "name", name)
	} else {
		err := w.retry.Do(ctx, func(ctx context.Context) error {
			return w.sink.Publish(ctx, name, data)
		}, fault.Retryable)
		if err != nil {
			return fault.Wrap(fault.KindArchiveIO, err, "publishing %s", name)
		}
	}
	w.pending = nil
	w.published = name
	w.observer.ArchivePublished(name, len(batch.Entries), len(data))
	w.logger.Info("archive published",
		"name", name,
		"records", len(batch.Entries),
		"bytes", len(data))
	return nil
}

func (w *Writer) inSink(ctx context.Context, name string) (bool, error) {
	names, err := w.sink.List(ctx, name)
	if err != nil {
		return false, fault.Wrap(fault.KindArchiveIO, err, "listing archives")
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// build assembles the archive file of batch, linked to the newest
// published archive.
func (w *Writer) build(ctx context.Context, batch *Batch) (string, []byte, error) {
	prev, prevData, err := w.latest(ctx)
	if err != nil {
		return "", nil, err
	}

	li := LinkingInfo{DigestMethod: w.digestMethod}
	name := ArchiveName{
		Instance:  w.instance,
		Seq:       1,
		Start:     batch.Start,
		End:       batch.End,
		Encrypted: w.encryptor != nil,
	}
	if prev != nil {
		name.Seq = prev.Seq + 1
		li.PreviousName = prev.String()
		li.PreviousDigest = digestOf(w.digestMethod, prevData)
	}
	for _, e := range batch.Entries {
		li.Entries = append(li.Entries, EntryDigest{Name: e.Name, Digest: digestOf(w.digestMethod, e.Data)})
	}
	linking, err := li.Marshal()
	if err != nil {
		return "", nil, fault.Wrap(fault.KindInternal, err, "linking info")
	}
	manifest := []byte(strings.Join(batch.RecordIDs(), "\n") + "\n")

	data, err := w.cache.ArchiveBytes(
		Entry{Name: EntryLinkingInfo, Data: linking, Time: batch.End},
		Entry{Name: EntryManifest, Data: manifest, Time: batch.End},
	)
	if err != nil {
		return "", nil, err
	}
	if w.encryptor != nil {
		if data, err = w.encryptor.Encrypt(w.group, data); err != nil {
			return "", nil, err
		}
	}
	return name.String(), data, nil
}

// latest returns the newest archive of the instance and its bytes, or nil
// when there is none.
func (w *Writer) latest(ctx context.Context) (*ArchiveName, []byte, error) {
	names, err := w.sink.List(ctx, namePrefixFor(w.instance))
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindArchiveIO, err, "listing archives")
	}
	for i := len(names) - 1; i >= 0; i-- {
		parsed, err := ParseArchiveName(w.instance, names[i])
		if err != nil {
			continue
		}
		data, err := w.sink.Read(ctx, names[i])
		if err != nil {
			return nil, nil, err
		}
		return &parsed, data, nil
	}
	return nil, nil, nil
}

// Recover marks the records of the newest archive as archived. It repairs
// a crash between publishing an archive and updating the store, and
// returns the number of records in that archive.
func (w *Writer) Recover(ctx context.Context) (int, error) {
	prev, data, err := w.latest(ctx)
	if err != nil || prev == nil {
		return 0, err
	}
	if prev.Encrypted {
		if w.decryptor == nil {
			return 0, fault.New(fault.KindEncryption, "no decryptor for %s", prev)
		}
		if data, err = w.decryptor.Decrypt(w.group, data); err != nil {
			return 0, err
		}
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fault.Wrap(fault.KindArchiveIO, err, "opening %s", prev)
	}
	manifest, err := readZipEntry(zr, EntryManifest)
	if err != nil {
		return 0, fault.Wrap(fault.KindArchiveIO, err, "%s", prev)
	}
	ids := parseManifest(manifest)
	if err := w.store.MarkArchived(ctx, ids); err != nil {
		return 0, fault.Wrap(fault.KindArchiveIO, err, "marking records of %s archived", prev)
	}
	w.logger.Info("recovered archive state", "name", prev.String(), "records", len(ids))
	return len(ids), nil
}

func parseManifest(data []byte) []string {
	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if id := strings.TrimSpace(sc.Text()); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func readZipEntry(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, errors.New("no " + name + " entry")
}
