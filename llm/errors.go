package llm

import (
	"errors"
	"fmt"
)

// Kind classifies a generation failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindUninitialized
	KindInvalidCredential
	KindNetwork
	KindAPI
	KindParse
	KindEmptyContent
)

func (k Kind) String() string {
	switch k {
	case KindUninitialized:
		return "uninitialized"
	case KindInvalidCredential:
		return "invalid_credential"
	case KindNetwork:
		return "network"
	case KindAPI:
		return "api_error"
	case KindParse:
		return "parse_error"
	case KindEmptyContent:
		return "empty_content"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrUninitialized     = errors.New("generator not initialized")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrNetwork           = errors.New("network failure")
	ErrAPI               = errors.New("provider api error")
	ErrParse             = errors.New("unparseable provider response")
	ErrEmptyContent      = errors.New("provider returned no content")
)

func (k Kind) sentinel() error {
	switch k {
	case KindUninitialized:
		return ErrUninitialized
	case KindInvalidCredential:
		return ErrInvalidCredential
	case KindNetwork:
		return ErrNetwork
	case KindAPI:
		return ErrAPI
	case KindParse:
		return ErrParse
	case KindEmptyContent:
		return ErrEmptyContent
	default:
		return nil
	}
}

// Error is the failure type returned by every provider client.
type Error struct {
	Kind     Kind
	Provider string
	Status   int // HTTP status when the backend answered, 0 otherwise
	Message  string
	Err      error
}

// NewError builds an *Error with a formatted message.
func NewError(kind Kind, provider string, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:     kind,
		Provider: provider,
		Message:  fmt.Sprintf(format, args...),
		Err:      cause,
	}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
