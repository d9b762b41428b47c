package failure

import (
	"errors"
	"fmt"
)

// Kind classifies the ways a single-asset recompression can end without
// producing a smaller file. Kinds are per-asset: none of them aborts a batch.
type Kind int

const (
	KindUnknown Kind = iota

	// KindUnsupportedFormat means the MIME type has no adapter. The asset is
	// left untouched and the operation is reported as not applicable.
	KindUnsupportedFormat

	// KindCapabilityUnavailable means the runtime lacks a codec the format
	// needs (for example a WebP encoder).
	KindCapabilityUnavailable

	// KindSourceUnreadable means the file was missing or unreadable before
	// any backup was taken.
	KindSourceUnreadable

	// KindEncodeFailure means the codec failed or produced no usable output.
	KindEncodeFailure

	// KindSizeRegression means the encoded output was larger than the input.
	// The original is kept; this is an expected outcome, not a fault.
	KindSizeRegression

	// KindBackupFailure means the pre-transaction backup could not be made.
	KindBackupFailure

	// KindAnimatedSource means a multi-frame GIF was refused.
	KindAnimatedSource

	// KindAlreadyOptimal means the adapter decided the file needs no work.
	KindAlreadyOptimal
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindUnsupportedFormat:
		return "unsupported_format"
	case KindCapabilityUnavailable:
		return "capability_unavailable"
	case KindSourceUnreadable:
		return "source_unreadable"
	case KindEncodeFailure:
		return "encode_failure"
	case KindSizeRegression:
		return "size_regression"
	case KindBackupFailure:
		return "backup_failure"
	case KindAnimatedSource:
		return "animated_source"
	case KindAlreadyOptimal:
		return "already_optimal"
	default:
		return "unknown"
	}
}

// NotApplicable reports whether the kind means "nothing to do for this file"
// rather than a failed attempt.
func (k Kind) NotApplicable() bool {
	return k == KindUnsupportedFormat || k == KindAnimatedSource
}

// Retryable reports whether a later attempt on the same file may succeed
// without anything about the file itself changing.
func (k Kind) Retryable() bool {
	switch k {
	case KindSourceUnreadable, KindBackupFailure, KindCapabilityUnavailable:
		return true
	default:
		return false
	}
}

// Error carries a Kind together with the operation and file it happened on.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Op)
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an *Error of the given kind.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
