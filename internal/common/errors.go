// Package common defines shared constants, sentinel errors and the error
// classification used across the uploader. Callers should use errors.Is to
// match sentinels and KindOf to decide whether a failure may be retried.
package common

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Part-level errors.
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrEmptyPart        = errors.New("empty part")
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// Session-level errors.
	ErrIntegrity = errors.New("integrity check failed")

	// Connection lifecycle errors.
	ErrShutdown = errors.New("connection manager shut down")

	// Usage errors.
	ErrMissingFlag = errors.New("missing required flag")
)

// Kind classifies an error by what the caller is allowed to do about it.
type Kind int

const (
	// KindUnknown is reported for errors that carry no classification.
	KindUnknown Kind = iota
	// KindTransient failures may be retried by the caller.
	KindTransient
	// KindPermanent failures are rejected by the store and retrying will
	// not help (malformed checksum or range).
	KindPermanent
	// KindFatal failures abort the whole upload session.
	KindFatal
	// KindLocal failures come from the local environment (file I/O).
	KindLocal
	// KindUsage failures are bad command-line input.
	KindUsage
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindFatal:
		return "fatal"
	case KindLocal:
		return "local"
	case KindUsage:
		return "usage"
	default:
		return "unknown"
	}
}

// Error is a classified error. UploadID is set once a session exists so an
// operator can recover the still-open upload by hand.
type Error struct {
	Kind     Kind
	Op       string
	UploadID string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.UploadID != "" {
		fmt.Fprintf(&b, " (upload id %s)", e.UploadID)
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

// Transient marks err as retryable.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent marks err as rejected by the store.
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// Fatal marks err as fatal for the session identified by uploadID, which
// may be empty if no session was created yet.
func Fatal(op, uploadID string, err error) error {
	return &Error{Kind: KindFatal, Op: op, UploadID: uploadID, Err: err}
}

// Local marks err as a local I/O failure.
func Local(op string, err error) error {
	return &Error{Kind: KindLocal, Op: op, Err: err}
}

// Usage marks err as a command-line usage error.
func Usage(op string, err error) error {
	return &Error{Kind: KindUsage, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err may be retried. Unclassified errors are
// treated as transient: network failures rarely carry a type.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	k := KindOf(err)
	return k == KindTransient || k == KindUnknown
}

// UploadIDOf returns the first upload id recorded in err's chain.
func UploadIDOf(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.UploadID != "" {
			return e.UploadID
		}
		err = e.Err
	}
	return ""
}
