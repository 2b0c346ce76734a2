package fault

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an error.
type Kind int

const (
	// KindInternal is an unexpected or wrapped failure.
	KindInternal Kind = iota
	// KindMalformedSignature means the signature document could not be
	// parsed or lacks a mandatory element.
	KindMalformedSignature
	// KindInvalidSignatureValue means a signature value or a digest did not
	// match.
	KindInvalidSignatureValue
	// KindCertValidation covers untrusted chains, expired certificates and
	// revoked, unknown or stale OCSP evidence.
	KindCertValidation
	// KindIncorrectCertificate means the signer identity differs from the
	// expected one.
	KindIncorrectCertificate
	// KindMissingTimestamp means a record has not been timestamped yet.
	KindMissingTimestamp
	// KindArchiveIO is a transient archive I/O failure; it may be retried.
	KindArchiveIO
	// KindEncryption is a structural encryption failure; it is never retried.
	KindEncryption
)

func (k Kind) String() string {
	switch k {
	case KindMalformedSignature:
		return "MalformedSignature"
	case KindInvalidSignatureValue:
		return "InvalidSignatureValue"
	case KindCertValidation:
		return "CertValidation"
	case KindIncorrectCertificate:
		return "IncorrectCertificate"
	case KindMissingTimestamp:
		return "MissingTimestamp"
	case KindArchiveIO:
		return "ArchiveIoError"
	case KindEncryption:
		return "EncryptionError"
	default:
		return "InternalError"
	}
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrInternal              = &Error{Kind: KindInternal}
	ErrMalformedSignature    = &Error{Kind: KindMalformedSignature}
	ErrInvalidSignatureValue = &Error{Kind: KindInvalidSignatureValue}
	ErrCertValidation        = &Error{Kind: KindCertValidation}
	ErrIncorrectCertificate  = &Error{Kind: KindIncorrectCertificate}
	ErrMissingTimestamp      = &Error{Kind: KindMissingTimestamp}
	ErrArchiveIO             = &Error{Kind: KindArchiveIO}
	ErrEncryption            = &Error{Kind: KindEncryption}
)

// Error is a classified error with optional audit context.
type Error struct {
	Kind    Kind
	Message string

	// CertSerial is the serial number of the offending certificate.
	CertSerial string
	// OCSPStatus is the OCSP status ("good", "revoked", "unknown").
	OCSPStatus string
	// RevokedAt is set for revoked certificates.
	RevokedAt *time.Time
	// Part names the message part whose digest did not match.
	Part string

	Err error
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Part != "" {
		fmt.Fprintf(&b, " (part %s)", e.Part)
	}
	if e.CertSerial != "" {
		fmt.Fprintf(&b, " (certificate serial %s)", e.CertSerial)
	}
	if e.OCSPStatus != "" {
		fmt.Fprintf(&b, " (OCSP status %s", e.OCSPStatus)
		if e.RevokedAt != nil {
			fmt.Fprintf(&b, ", revoked at %s", e.RevokedAt.UTC().Format(time.RFC3339))
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithSerial records the offending certificate serial.
func (e *Error) WithSerial(serial string) *Error {
	e.CertSerial = serial
	return e
}

// WithPart records the offending message part.
func (e *Error) WithPart(name string) *Error {
	e.Part = name
	return e
}

// WithOCSPStatus records the OCSP status and, when set, the revocation time.
func (e *Error) WithOCSPStatus(status string, revokedAt *time.Time) *Error {
	e.OCSPStatus = status
	e.RevokedAt = revokedAt
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when err is not classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Retryable reports whether err is a transient archive I/O failure.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == KindArchiveIO
	}
	return false
}
