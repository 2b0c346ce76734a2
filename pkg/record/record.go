package record

import (
	"context"
	"errors"
	"time"

	"github.com/sirosfoundation/go-msglog/pkg/signature"
)

var (
	// ErrNotFound is returned for unknown record IDs.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyTimestamped is returned when a timestamp is attached twice.
	ErrAlreadyTimestamped = errors.New("record already timestamped")
)

// Timestamp is a batch time-stamp covering one or more message records.
type Timestamp struct {
	ID string `json:"id" bson:"id"`
	// Token is the DER encoded RFC 3161 TimeStampResp.
	Token           []byte    `json:"token" bson:"token"`
	HashChainResult []byte    `json:"hash_chain_result,omitempty" bson:"hash_chain_result,omitempty"`
	HashChain       []byte    `json:"hash_chain,omitempty" bson:"hash_chain,omitempty"`
	Time            time.Time `json:"time" bson:"time"`
}

// Signature returns the time-stamp in the form the verifier checks.
func (t *Timestamp) Signature() *signature.Timestamp {
	if t == nil {
		return nil
	}
	return &signature.Timestamp{
		Token:           t.Token,
		HashChainResult: t.HashChainResult,
		HashChain:       t.HashChain,
	}
}

// Message is one logged request or response.
type Message struct {
	ID        string             `json:"id" bson:"_id"`
	QueryID   string             `json:"query_id" bson:"query_id"`
	ClientID  signature.ClientID `json:"client_id" bson:"client_id"`
	Response  bool               `json:"response" bson:"response"`
	Message   []byte             `json:"message" bson:"message"`
	Signature *signature.Data    `json:"signature" bson:"signature"`
	Timestamp *Timestamp         `json:"timestamp,omitempty" bson:"timestamp,omitempty"`
	Time      time.Time          `json:"time" bson:"time"`
	Archived  bool               `json:"archived" bson:"archived"`
}

// Direction returns "request" or "response".
func (m *Message) Direction() string {
	if m.Response {
		return "response"
	}
	return "request"
}

// Filter selects records by direction.
type Filter int

const (
	// All matches requests and responses.
	All Filter = iota
	// Requests matches requests only.
	Requests
	// Responses matches responses only.
	Responses
)

// Match reports whether m passes the filter.
func (f Filter) Match(m *Message) bool {
	switch f {
	case Requests:
		return !m.Response
	case Responses:
		return m.Response
	}
	return true
}

// Store persists message records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save inserts a new record. An empty ID is assigned.
	Save(ctx context.Context, m *Message) error

	// SetTimestamp attaches ts to the records with the given IDs. A record
	// that already has a timestamp fails with ErrAlreadyTimestamped.
	SetTimestamp(ctx context.Context, ids []string, ts *Timestamp) error

	// MarkArchived flags the records as archived. Unknown IDs are ignored so
	// the call can be repeated after a crash.
	MarkArchived(ctx context.Context, ids []string) error

	// FindByQueryID returns the records of a query ordered by time.
	FindByQueryID(ctx context.Context, queryID string, filter Filter) ([]*Message, error)

	// FindArchivable returns up to limit timestamped, unarchived records
	// ordered by time. A limit of zero means no limit.
	FindArchivable(ctx context.Context, limit int) ([]*Message, error)
}
