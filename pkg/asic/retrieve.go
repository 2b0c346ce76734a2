package asic

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/sirosfoundation/go-msglog/pkg/fault"
	"github.com/sirosfoundation/go-msglog/pkg/record"
)

// Extension of container files.
const Extension = ".asice"

// ErrNotUnique is returned when a unique retrieval matches several records.
var ErrNotUnique = errors.New("more than one record matches")

// Result is the outcome of a retrieval.
type Result struct {
	// Data is a single container, or a ZIP of containers when Multiple is
	// set.
	Data     []byte
	Multiple bool
	// Records lists the IDs of the included records.
	Records []string
	// Skipped lists the IDs of records left out because they have no
	// timestamp yet.
	Skipped []string
}

// ContentType returns the media type of Data.
func (r *Result) ContentType() string {
	if r.Multiple {
		return "application/zip"
	}
	return MimeType
}

// Retriever produces containers for logged queries.
type Retriever struct {
	store  record.Store
	codec  *Codec
	logger *slog.Logger
}

// NewRetriever creates a retriever. A nil codec stores entries uncompressed.
func NewRetriever(store record.Store, codec *Codec, logger *slog.Logger) *Retriever {
	if codec == nil {
		codec = NewCodec()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{store: store, codec: codec, logger: logger}
}

// Retrieve returns the containers of the records logged for queryID that
// pass filter. With unique set exactly one record must match and a single
// container is returned; otherwise a ZIP of containers is returned.
//
// A record without a timestamp fails the whole retrieval with
// fault.KindMissingTimestamp. With bestEffort set such records are left out
// and listed in Result.Skipped instead; if nothing remains the retrieval
// still fails.
func (r *Retriever) Retrieve(ctx context.Context, queryID string, filter record.Filter, unique, bestEffort bool) (*Result, error) {
	records, err := r.store.FindByQueryID(ctx, queryID, filter)
	if err != nil {
		return nil, fault.Wrap(fault.KindArchiveIO, err, "finding records of %q", queryID)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("query %q: %w", queryID, record.ErrNotFound)
	}
	if unique && len(records) > 1 {
		return nil, fmt.Errorf("query %q: %w", queryID, ErrNotUnique)
	}

	res := &Result{}
	var included []*record.Message
	for _, m := range records {
		if m.Timestamp == nil || len(m.Timestamp.Token) == 0 {
			if !bestEffort {
				return nil, fault.New(fault.KindMissingTimestamp, "record %s of query %q is not timestamped", m.ID, queryID)
			}
			r.logger.Warn("skipping record without timestamp",
				"query_id", queryID,
				"record_id", m.ID)
			res.Skipped = append(res.Skipped, m.ID)
			continue
		}
		included = append(included, m)
	}
	if len(included) == 0 {
		return nil, fault.New(fault.KindMissingTimestamp, "no timestamped records for query %q", queryID)
	}

	if unique {
		data, err := r.codec.EncodeRecord(included[0])
		if err != nil {
			return nil, err
		}
		res.Data = data
		res.Records = []string{included[0].ID}
		return res, nil
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, m := range included {
		data, err := r.codec.EncodeRecord(m)
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("%s-%s-%d%s", SanitizeName(queryID), m.Direction(), i+1, Extension)
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store, Modified: m.Time.UTC()})
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "adding %s", name)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "adding %s", name)
		}
		res.Records = append(res.Records, m.ID)
	}
	if err := zw.Close(); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "closing result")
	}
	res.Data = buf.Bytes()
	res.Multiple = true
	return res, nil
}

// SanitizeName makes s usable as a file name component. Characters other
// than letters, digits, '.', '-' and '_' become '_'.
func SanitizeName(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		}
		return '_'
	}, s)
}
