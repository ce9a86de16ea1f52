// Package fielderr provides the coded error type shared by the field packages.
// Errors carry a stable code, a kind from the failure taxonomy, key/value
// context and an optional wrapped cause.
package fielderr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an error by how the field reacts to it.
type Kind string

const (
	// KindDataInsufficiency covers unseen contexts and too-short histories.
	// Absorbed by falling through to lower orders or a uniform distribution.
	KindDataInsufficiency Kind = "data_insufficiency"
	// KindNumericDegeneracy covers zero or non-finite weights. Absorbed by
	// epsilon substitution and the unfiltered min-p fallback.
	KindNumericDegeneracy Kind = "numeric_degeneracy"
	// KindSeedExhaustion means no seed free of prompt content could be found.
	KindSeedExhaustion Kind = "seed_exhaustion"
	// KindConfiguration means a caller-supplied parameter is out of range.
	KindConfiguration Kind = "configuration"
	// KindIO covers persistence and transport failures in the optional layers.
	KindIO Kind = "io"
)

// Codes used across the module.
const (
	CodeSeedExhausted   = "SEED_EXHAUSTED"
	CodeMinPRange       = "MIN_P_OUT_OF_RANGE"
	CodeTemperature     = "TEMPERATURE_NEGATIVE"
	CodeLength          = "LENGTH_NOT_POSITIVE"
	CodeLookback        = "LOOKBACK_NEGATIVE"
	CodeMode            = "MODE_UNKNOWN"
	CodeRng             = "RNG_MISSING"
	CodeEmptyCorpus     = "CORPUS_EMPTY"
	CodeConfigFile      = "CONFIG_FILE"
	CodeConcurrency     = "CONCURRENCY_NOT_POSITIVE"
	CodeSnapshotMissing = "SNAPSHOT_MISSING"
	CodeSnapshotIO      = "SNAPSHOT_IO"
	CodeLexiconIO       = "LEXICON_IO"
	CodeCloudIO         = "CLOUD_IO"
	CodeVelocity        = "VELOCITY_UNKNOWN"
)

// Sentinels for errors.Is checks by kind.
var (
	ErrSeedExhaustion = &Error{Kind: KindSeedExhaustion}
	ErrConfiguration  = &Error{Kind: KindConfiguration}
)

// Error is a structured error with a code, kind, context and cause.
type Error struct {
	Code    string
	Kind    Kind
	Message string
	Context map[string]string
	Cause   error
}

// New creates an Error with the given code, kind and message.
func New(code string, kind Kind, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

// Configf creates a configuration error with a formatted message.
func Configf(code, format string, args ...any) *Error {
	return New(code, KindConfiguration, fmt.Sprintf(format, args...))
}

// Wrap wraps err with a new Error.
func Wrap(err error, code string, kind Kind, message string) *Error {
	return New(code, kind, message).WithCause(err)
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		b.WriteString(" (")
		b.WriteString(e.ContextString())
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches by Code when the target carries one, otherwise by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return t.Kind != "" && e.Kind == t.Kind
}

// WithContext adds a key/value pair and returns e for chaining.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithCause sets the wrapped cause and returns e for chaining.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// ContextString renders the context entries sorted by key.
func (e *Error) ContextString() string {
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, e.Context[k]))
	}
	return strings.Join(parts, ", ")
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	if fe, ok := As(err); ok {
		return fe.Code
	}
	return ""
}
