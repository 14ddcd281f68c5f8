package models

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrorKind classifies download failures so callers can tell "retry the whole
// thing" from "permanently broken" from "needs manual inspection".
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConfig
	KindManifestFetch
	KindMalformedManifest
	KindKeyFetch
	KindSegmentDecrypt
	KindSegmentTransient
	KindIncompleteDownload
	KindNoWorkingProxies
	KindMerge
	KindDurationMismatch
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindManifestFetch:
		return "manifest_fetch"
	case KindMalformedManifest:
		return "malformed_manifest"
	case KindKeyFetch:
		return "key_fetch"
	case KindSegmentDecrypt:
		return "segment_decrypt"
	case KindSegmentTransient:
		return "segment_transient"
	case KindIncompleteDownload:
		return "incomplete_download"
	case KindNoWorkingProxies:
		return "no_working_proxies"
	case KindMerge:
		return "merge"
	case KindDurationMismatch:
		return "duration_mismatch"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Retryable reports whether retrying the whole download may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindManifestFetch, KindKeyFetch, KindSegmentTransient, KindIncompleteDownload, KindNoWorkingProxies:
		return true
	}
	return false
}

// Warning reports whether the kind downgrades the output instead of failing it.
func (k ErrorKind) Warning() bool {
	return k == KindDurationMismatch
}

// Fatal reports whether the kind stops the download with no usable output.
func (k ErrorKind) Fatal() bool {
	return k != KindUnknown && !k.Warning() && k != KindIncompleteDownload
}

// Error is the typed error returned by every download stage.
type Error struct {
	Kind  ErrorKind
	Op    string
	URL   string
	Index int // segment index, -1 when not segment scoped
	Err   error
}

// NewError creates an Error that is not tied to a segment.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Index: -1, Err: err}
}

// Errorf creates an Error with a formatted cause.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return NewError(kind, op, fmt.Errorf(format, args...))
}

// WithURL attaches the offending URL.
func (e *Error) WithURL(u string) *Error {
	e.URL = u
	return e
}

// WithIndex attaches the offending segment index.
func (e *Error) WithIndex(i int) *Error {
	e.Index = i
	return e
}

func (e *Error) Error() string {
	msg := e.Op
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Index >= 0 {
		msg += " segment " + strconv.Itoa(e.Index)
	}
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the ErrorKind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
