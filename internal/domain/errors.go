package domain

import (
	"errors"
	"fmt"
)

// Kind classifies core failures.
// Params: one of the Kind* constants.
// Returns: error category used by errors.Is matching.
type Kind string

const (
	// KindValidation marks malformed channel, PSK, or message input.
	KindValidation Kind = "validation"
	// KindConfig marks invalid or incomplete registry state.
	KindConfig Kind = "config"
	// KindConnection marks transport connect/reconnect failures.
	KindConnection Kind = "connection"
	// KindEncryption marks key derivation, encryption, or decryption failures.
	KindEncryption Kind = "encryption"
	// KindRouting marks absence of an eligible transport.
	KindRouting Kind = "routing"
)

var (
	// ErrValidation matches every validation failure.
	ErrValidation = errors.New("validation error")
	// ErrConfig matches every configuration/registry state failure.
	ErrConfig = errors.New("config error")
	// ErrConnection matches every transport connection failure.
	ErrConnection = errors.New("connection error")
	// ErrEncryption matches every encryption engine failure.
	ErrEncryption = errors.New("encryption error")
	// ErrRouting matches every routing failure.
	ErrRouting = errors.New("routing error")
)

var kindSentinels = map[Kind]error{
	KindValidation: ErrValidation,
	KindConfig:     ErrConfig,
	KindConnection: ErrConnection,
	KindEncryption: ErrEncryption,
	KindRouting:    ErrRouting,
}

// Error is a categorized core error.
// Params: kind, failing operation, and wrapped cause.
// Returns: error matching its kind sentinel through errors.Is.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error renders "op: cause".
// Params: none.
// Returns: human-readable message.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

// Unwrap exposes wrapped cause.
// Params: none.
// Returns: wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches kind sentinels.
// Params: target error.
// Returns: true when target is the sentinel of e.Kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// Permanent reports whether retrying cannot fix the failure.
// Params: none.
// Returns: true for validation and config errors.
func (e *Error) Permanent() bool {
	return e.Kind == KindValidation || e.Kind == KindConfig
}

// Errorf builds categorized error with formatted cause.
// Params: kind, operation name, format and args.
// Returns: *Error.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap categorizes an existing error.
// Params: kind, operation name, cause.
// Returns: *Error or nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsPermanent reports whether error carries a permanent marker.
// Params: candidate error.
// Returns: true when retrying must not be attempted.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	type marker interface {
		Permanent() bool
	}
	var tagged marker
	if !errors.As(err, &tagged) {
		return false
	}
	return tagged.Permanent()
}
