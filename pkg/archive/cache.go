package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-msglog/pkg/asic"
	"github.com/sirosfoundation/go-msglog/pkg/compression"
	"github.com/sirosfoundation/go-msglog/pkg/fault"
	"github.com/sirosfoundation/go-msglog/pkg/record"
)

// DefaultMaxArchiveSize is the rotation threshold used when none is set.
const DefaultMaxArchiveSize = 100 << 20

// Entry is one encoded container waiting to be archived.
type Entry struct {
	Name     string
	RecordID string
	Data     []byte
	Time     time.Time
}

// Batch is the content of one archive file.
type Batch struct {
	Entries []Entry
	Size    int64
	Start   time.Time
	End     time.Time

	names map[string]struct{}
}

func newBatch() *Batch {
	return &Batch{names: make(map[string]struct{})}
}

func (b *Batch) add(e Entry) {
	b.Entries = append(b.Entries, e)
	b.names[e.Name] = struct{}{}
	b.Size += int64(len(e.Data))
	if b.Start.IsZero() || e.Time.Before(b.Start) {
		b.Start = e.Time
	}
	if e.Time.After(b.End) {
		b.End = e.Time
	}
}

// RecordIDs returns the IDs of the records in the batch.
func (b *Batch) RecordIDs() []string {
	ids := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		ids[i] = e.RecordID
	}
	return ids
}

// Cache accumulates containers and seals them into batches of bounded size.
// A Cache is not safe for concurrent use; a Writer owns it.
type Cache struct {
	codec      *asic.Codec
	compressor *compression.Compressor
	maxSize    int64
	random     func() string

	current *Batch
	sealed  []*Batch
	pending map[string]struct{}
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithMaxArchiveSize sets the size after which the cache rotates.
func WithMaxArchiveSize(n int64) CacheOption {
	return func(c *Cache) { c.maxSize = n }
}

// WithCacheCompressor sets the compressor for the archive entries.
func WithCacheCompressor(comp *compression.Compressor) CacheOption {
	return func(c *Cache) { c.compressor = comp }
}

// WithRandom sets the source of the random component of entry names.
func WithRandom(f func() string) CacheOption {
	return func(c *Cache) { c.random = f }
}

// NewCache creates an empty cache encoding records with codec.
func NewCache(codec *asic.Codec, opts ...CacheOption) *Cache {
	c := &Cache{
		codec:      codec,
		compressor: compression.NewCompressor(),
		maxSize:    DefaultMaxArchiveSize,
		random:     func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:16] },
		current:    newBatch(),
		pending:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add encodes m and buffers it. When the buffered data plus the new
// container would exceed the size limit, the buffer is sealed first and the
// container starts a new one. A container larger than the limit on its own is
// sealed immediately.
func (c *Cache) Add(m *record.Message) error {
	if m.Timestamp == nil || len(m.Timestamp.Token) == 0 {
		return fault.New(fault.KindMissingTimestamp, "record %s is not time-stamped", m.ID)
	}
	if c.Contains(m.ID) {
		return nil
	}
	data, err := c.codec.EncodeRecord(m)
	if err != nil {
		return err
	}

	if len(c.current.Entries) > 0 && c.current.Size+int64(len(data)) > c.maxSize {
		c.seal()
	}
	c.current.add(Entry{
		Name:     c.entryName(m),
		RecordID: m.ID,
		Data:     data,
		Time:     m.Time,
	})
	c.pending[m.ID] = struct{}{}
	if c.current.Size > c.maxSize {
		c.seal()
	}
	return nil
}

// entryName returns a name unique within the current batch.
func (c *Cache) entryName(m *record.Message) string {
	base := fmt.Sprintf("%s-%s-%s", asic.SanitizeName(m.QueryID), m.Direction(), c.random())
	name := base + asic.Extension
	for i := 1; ; i++ {
		if _, taken := c.current.names[name]; !taken {
			return name
		}
		name = fmt.Sprintf("%s-%d%s", base, i, asic.Extension)
	}
}

func (c *Cache) seal() {
	c.sealed = append(c.sealed, c.current)
	c.current = newBatch()
}

// Flush seals the buffer if it holds anything.
func (c *Cache) Flush() {
	if len(c.current.Entries) > 0 {
		c.seal()
	}
}

// Contains reports whether the record is buffered or sealed but not yet
// committed.
func (c *Cache) Contains(id string) bool {
	_, ok := c.pending[id]
	return ok
}

// IsRotating reports whether a sealed batch waits to be written.
func (c *Cache) IsRotating() bool {
	return len(c.sealed) > 0
}

// Rotated returns the oldest sealed batch, or nil.
func (c *Cache) Rotated() *Batch {
	if len(c.sealed) == 0 {
		return nil
	}
	return c.sealed[0]
}

// Commit drops the oldest sealed batch once it has been written.
func (c *Cache) Commit() {
	if len(c.sealed) == 0 {
		return
	}
	for _, e := range c.sealed[0].Entries {
		delete(c.pending, e.RecordID)
	}
	c.sealed[0] = nil
	c.sealed = c.sealed[1:]
}

// StartTime returns the earliest record time in the buffer.
func (c *Cache) StartTime() time.Time { return c.current.Start }

// EndTime returns the latest record time in the buffer.
func (c *Cache) EndTime() time.Time { return c.current.End }

// Size returns the number of buffered bytes.
func (c *Cache) Size() int64 { return c.current.Size }

// ArchiveBytes returns the ZIP of the oldest sealed batch followed by extra
// entries.
func (c *Cache) ArchiveBytes(extra ...Entry) ([]byte, error) {
	b := c.Rotated()
	if b == nil {
		return nil, fault.New(fault.KindInternal, "no sealed batch")
	}
	return zipEntries(c.compressor, append(append([]Entry(nil), b.Entries...), extra...))
}

func zipEntries(comp *compression.Compressor, entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	comp.Register(zw)
	for _, e := range entries {
		fh := &zip.FileHeader{Name: e.Name, Method: comp.Method(e.Name)}
		if !e.Time.IsZero() {
			fh.Modified = e.Time.UTC()
		}
		w, err := zw.CreateHeader(fh)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "creating archive entry %s", e.Name)
		}
		if _, err := w.Write(e.Data); err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "writing archive entry %s", e.Name)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "closing archive")
	}
	return buf.Bytes(), nil
}
