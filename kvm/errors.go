package kvm

import (
	"errors"
	"fmt"
)

// Kind classifies client failures so callers can pick recovery behavior
// without string matching.
type Kind int

const (
	// KindInvalidConfiguration means a malformed host or URL. Fatal at
	// startup for fixed-target builds.
	KindInvalidConfiguration Kind = iota
	// KindConnectionFailed means the TCP probe or transport failed.
	// Recoverable; the user retries.
	KindConnectionFailed
	// KindAuthenticationFailed means the control plane rejected the
	// credentials or session cookie. Recoverable via password prompt.
	KindAuthenticationFailed
	// KindSignalingLost means the signaling socket dropped mid-session.
	KindSignalingLost
	// KindTransportFailed means the media or HID transport dropped.
	KindTransportFailed
	// KindDecodingFailed means a malformed server response. Hard failure
	// of that single call only.
	KindDecodingFailed
	// KindHTTP carries a non-2xx control-plane response.
	KindHTTP
)

func (k Kind) String() string {
	switch k {
	case KindInvalidConfiguration:
		return "invalid_configuration"
	case KindConnectionFailed:
		return "connection_failed"
	case KindAuthenticationFailed:
		return "authentication_failed"
	case KindSignalingLost:
		return "signaling_lost"
	case KindTransportFailed:
		return "transport_failed"
	case KindDecodingFailed:
		return "decoding_failed"
	case KindHTTP:
		return "http_error"
	}
	return "unknown"
}

// Error is the single error type surfaced by the kvm client.
type Error struct {
	Kind    Kind
	Status  int // HTTP status when known; overrides the kind's default mapping
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func wrapError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// KindOf extracts the Kind from err, or KindConnectionFailed for
// untyped transport errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindConnectionFailed
}

// IsAuthFailure reports whether err is a credential rejection.
func IsAuthFailure(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindAuthenticationFailed
}
