// Package errs defines the error taxonomy shared by the chunker, particles,
// parsers and drivers.
//
// Every error carries a Kind. Sample and UnexpectedData errors describe noisy
// field data and are reported through the parser's exception callback; the
// remaining kinds describe API misuse and are returned to the caller.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind int

const (
	KindSample Kind = iota
	KindUnexpectedData
	KindDatasetParser
	KindReadOnly
	KindNotImplemented
	KindInvalidParameter
	KindSanityCheck
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindSample:
		return "sample"
	case KindUnexpectedData:
		return "unexpected data"
	case KindDatasetParser:
		return "dataset parser"
	case KindReadOnly:
		return "read only"
	case KindNotImplemented:
		return "not implemented"
	case KindInvalidParameter:
		return "invalid parameter"
	case KindSanityCheck:
		return "sanity check"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrSample           = &Error{Kind: KindSample}
	ErrUnexpectedData   = &Error{Kind: KindUnexpectedData}
	ErrDatasetParser    = &Error{Kind: KindDatasetParser}
	ErrReadOnly         = &Error{Kind: KindReadOnly}
	ErrNotImplemented   = &Error{Kind: KindNotImplemented}
	ErrInvalidParameter = &Error{Kind: KindInvalidParameter}
	ErrSanityCheck      = &Error{Kind: KindSanityCheck}
	ErrConfiguration    = &Error{Kind: KindConfiguration}
)

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error

	// Data holds the offending bytes for unexpected data reports.
	Data       []byte
	Start, End int64
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so that sentinels match wrapped errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// Len returns the number of offending bytes of an unexpected data error.
func (e *Error) Len() int {
	return len(e.Data)
}

func New(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Sample(op string, format string, args ...any) *Error {
	return New(KindSample, op, format, args...)
}

// UnexpectedData reports bytes that matched no known record.
func UnexpectedData(op string, data []byte, start, end int64) *Error {
	return &Error{
		Kind:  KindUnexpectedData,
		Op:    op,
		Msg:   fmt.Sprintf("unexpected data at [%d:%d] (%d bytes)", start, end, len(data)),
		Data:  append([]byte(nil), data...),
		Start: start,
		End:   end,
	}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsRecoverable reports whether err describes bad field data rather than misuse.
func IsRecoverable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	return k == KindSample || k == KindUnexpectedData
}
