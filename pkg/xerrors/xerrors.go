package xerrors

import (
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies filepool errors.
type Kind int

const (
	// KindInvalidID marks identifiers that do not parse as pool identifiers.
	KindInvalidID Kind = iota
	// KindNotFound marks well-formed identifiers with no stored entry.
	KindNotFound
	// KindSourceMissing marks ingestion sources that do not exist or are unreadable.
	KindSourceMissing
	// KindFilesystem covers placement and retrieval I/O failures.
	KindFilesystem
	// KindSecret covers secret-material load and persistence failures.
	KindSecret
	// KindConfig covers rejected pool configuration values.
	KindConfig
	// KindInternal is the fallback for everything else.
	KindInternal
)

// Error wraps an underlying error with pool metadata. Ref holds the
// identifier or path the operation was acting on.
type Error struct {
	Kind Kind
	Op   string
	Ref  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := kindString(e.Kind)
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Ref != "" {
		base += " " + e.Ref
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func kindString(kind Kind) string {
	switch kind {
	case KindInvalidID:
		return "invalid identifier"
	case KindNotFound:
		return "not found"
	case KindSourceMissing:
		return "source not found"
	case KindFilesystem:
		return "filesystem error"
	case KindSecret:
		return "secret material error"
	case KindConfig:
		return "invalid configuration"
	default:
		return "internal error"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, ref string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Ref: ref, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, ref string) error {
	return &Error{Kind: kind, Op: op, Ref: ref}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
// Bare stdlib filesystem errors classify into the closest pool kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, iofs.ErrNotExist), errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrPermission), errors.Is(err, os.ErrPermission):
		return KindFilesystem
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalidID
	default:
		return KindInternal
	}
}

// Is reports whether err classifies as the given Kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
