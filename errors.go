package video_archiver

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateJob       = errors.New("duplicate job for source")
	ErrJobNotFound        = errors.New("unknown job")
	ErrUnresolvableSource = errors.New("source cannot be resolved")
	ErrDownloadFailed     = errors.New("download failed")
	ErrCorruptSource      = errors.New("downloaded content failed verification")
	ErrIncomplete         = errors.New("not all ranges are verified")
	ErrAlreadyExists      = errors.New("fingerprint already in index")
)

// Kind partitions pipeline failures by how the scheduler should react to them.
type Kind int

const (
	// KindUnknown is anything that hasn't been classified; treated as transient.
	KindUnknown Kind = iota
	// KindTransient failures (network blips, rate limits) are retried with backoff.
	KindTransient
	// KindPermanentSource failures (gone, forbidden) fail the job immediately.
	KindPermanentSource
	// KindIntegrity failures (checksum mismatch) are retried at chunk granularity.
	KindIntegrity
	// KindCapacity failures (duplicate submission, store full) are rejected at submission.
	KindCapacity
	// KindInternal failures (state log write) are unrecoverable.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanentSource:
		return "permanent-source"
	case KindIntegrity:
		return "integrity"
	case KindCapacity:
		return "capacity"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%v: %v", e.kind, e.err)
}

func (e *kindError) Unwrap() error {
	return e.err
}

// WithKind attaches a failure classification to err, preserving the error chain.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Transient is shorthand for WithKind(KindTransient, err).
func Transient(err error) error {
	return WithKind(KindTransient, err)
}

// KindOf returns the innermost classification attached to err, falling back to
// classifying well-known sentinel errors.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	switch {
	case errors.Is(err, ErrUnresolvableSource):
		return KindPermanentSource
	case errors.Is(err, ErrCorruptSource):
		return KindIntegrity
	case errors.Is(err, ErrDuplicateJob), errors.Is(err, ErrAlreadyExists):
		return KindCapacity
	default:
		return KindUnknown
	}
}

// IsRetryable returns true if the scheduler is allowed to retry after err.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindIntegrity, KindUnknown:
		return true
	default:
		return false
	}
}
