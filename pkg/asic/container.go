package asic

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/sirosfoundation/go-msglog/pkg/compression"
	"github.com/sirosfoundation/go-msglog/pkg/fault"
	"github.com/sirosfoundation/go-msglog/pkg/record"
	"github.com/sirosfoundation/go-msglog/pkg/signature"
)

// MimeType is the content of the mimetype entry.
const MimeType = "application/vnd.etsi.asic-e+zip"

// Entry names.
const (
	EntryMimeType          = "mimetype"
	EntryMessage           = "message.xml"
	EntrySignature         = "META-INF/signatures.xml"
	EntryHashChainResult   = "META-INF/hashchainresult.xml"
	EntryHashChain         = "META-INF/hashchain.xml"
	EntryTimestamp         = "META-INF/timestamp.tsr"
	EntryTSHashChainResult = "META-INF/ts-hashchainresult.xml"
	EntryTSHashChain       = "META-INF/ts-hashchain.xml"
	EntryManifest          = "META-INF/manifest.xml"
)

// Container is the decoded content of a signed container.
type Container struct {
	Message   []byte
	Signature *signature.Data
	Timestamp *signature.Timestamp
}

// Codec encodes and decodes containers.
type Codec struct {
	compressor *compression.Compressor
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithCompressor sets how entries are compressed. Entries are stored by
// default.
func WithCompressor(c *compression.Compressor) CodecOption {
	return func(codec *Codec) { codec.compressor = c }
}

// NewCodec creates a codec.
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{compressor: compression.NewCompressor()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromRecord builds the container of a message record.
func FromRecord(m *record.Message) (*Container, error) {
	if m.Signature == nil {
		return nil, fault.New(fault.KindMalformedSignature, "record %s has no signature", m.ID)
	}
	return &Container{
		Message:   m.Message,
		Signature: m.Signature,
		Timestamp: m.Timestamp.Signature(),
	}, nil
}

// EncodeRecord encodes the container of a message record. The record time is
// used as the modification time of every entry.
func (c *Codec) EncodeRecord(m *record.Message) ([]byte, error) {
	container, err := FromRecord(m)
	if err != nil {
		return nil, err
	}
	return c.encode(container, m.Time)
}

// Encode encodes a container.
func (c *Codec) Encode(container *Container) ([]byte, error) {
	return c.encode(container, time.Time{})
}

type entry struct {
	name      string
	mediaType string
	data      []byte
}

func (c *Codec) encode(container *Container, modified time.Time) ([]byte, error) {
	if container == nil || container.Signature == nil || len(container.Signature.SignatureXML) == 0 {
		return nil, fault.New(fault.KindInternal, "container has no signature")
	}

	entries := []entry{
		{EntryMessage, "text/xml", container.Message},
		{EntrySignature, "text/xml", container.Signature.SignatureXML},
	}
	if container.Signature.IsBatch() {
		entries = append(entries,
			entry{EntryHashChainResult, "text/xml", container.Signature.HashChainResult},
			entry{EntryHashChain, "text/xml", container.Signature.HashChain})
	}
	if ts := container.Timestamp; ts != nil && len(ts.Token) > 0 {
		entries = append(entries, entry{EntryTimestamp, "application/timestamp-reply", ts.Token})
		if ts.IsBatch() {
			entries = append(entries,
				entry{EntryTSHashChainResult, "text/xml", ts.HashChainResult},
				entry{EntryTSHashChain, "text/xml", ts.HashChain})
		}
	}

	manifest, err := buildManifest(entries)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "building manifest")
	}
	entries = append(entries, entry{EntryManifest, "text/xml", manifest})

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	c.compressor.Register(zw)

	// mimetype comes first and is never compressed
	if err := writeEntry(zw, EntryMimeType, zip.Store, modified, []byte(MimeType)); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := writeEntry(zw, e.name, c.compressor.Method(e.name), modified, e.data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "closing container")
	}
	return buf.Bytes(), nil
}

func writeEntry(zw *zip.Writer, name string, method uint16, modified time.Time, data []byte) error {
	fh := &zip.FileHeader{Name: name, Method: method}
	if !modified.IsZero() {
		fh.Modified = modified.UTC()
	}
	w, err := zw.CreateHeader(fh)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "creating entry %s", name)
	}
	if _, err := w.Write(data); err != nil {
		return fault.Wrap(fault.KindInternal, err, "writing entry %s", name)
	}
	return nil
}

// Decode reads a container. Structural problems are reported as
// fault.KindMalformedSignature.
func (c *Codec) Decode(data []byte) (*Container, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fault.Wrap(fault.KindMalformedSignature, err, "reading container")
	}
	if len(zr.File) == 0 || zr.File[0].Name != EntryMimeType {
		return nil, fault.New(fault.KindMalformedSignature, "container does not start with mimetype")
	}
	if zr.File[0].Method != zip.Store {
		return nil, fault.New(fault.KindMalformedSignature, "mimetype entry is compressed")
	}

	contents := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if _, dup := contents[f.Name]; dup {
			return nil, fault.New(fault.KindMalformedSignature, "duplicate entry %s", f.Name)
		}
		b, err := readFile(f)
		if err != nil {
			return nil, fault.Wrap(fault.KindMalformedSignature, err, "reading entry %s", f.Name)
		}
		contents[f.Name] = b
	}
	if string(contents[EntryMimeType]) != MimeType {
		return nil, fault.New(fault.KindMalformedSignature, "unexpected mimetype %q", contents[EntryMimeType])
	}

	sig, ok := contents[EntrySignature]
	if !ok {
		return nil, fault.New(fault.KindMalformedSignature, "missing %s", EntrySignature)
	}
	container := &Container{
		Message: contents[EntryMessage],
		Signature: &signature.Data{
			SignatureXML:    sig,
			HashChainResult: contents[EntryHashChainResult],
			HashChain:       contents[EntryHashChain],
		},
	}
	if (container.Signature.HashChainResult == nil) != (container.Signature.HashChain == nil) {
		return nil, fault.New(fault.KindMalformedSignature, "incomplete hash chain entries")
	}
	if token, ok := contents[EntryTimestamp]; ok {
		container.Timestamp = &signature.Timestamp{
			Token:           token,
			HashChainResult: contents[EntryTSHashChainResult],
			HashChain:       contents[EntryTSHashChain],
		}
	}

	if manifest, ok := contents[EntryManifest]; ok {
		if err := checkManifest(manifest, contents); err != nil {
			return nil, fault.Wrap(fault.KindMalformedSignature, err, "manifest")
		}
	}
	return container, nil
}

func readFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Name, err)
	}
	return b, nil
}
