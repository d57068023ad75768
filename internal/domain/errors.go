// Package domain holds the entities, ports and error taxonomy of the chat proxy.
package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrInternal          = errors.New("internal error")

	// Dispatch outcomes.
	ErrNoCredentials        = errors.New("no upstream credentials available")
	ErrCredentialsExhausted = errors.New("upstream credentials exhausted")
	ErrUpstreamUnavailable  = errors.New("upstream unavailable")
	ErrUpstreamUnknown      = errors.New("upstream failure")
	// ErrCredentialRejected drives key rotation inside the dispatcher and is
	// never returned to callers.
	ErrCredentialRejected = errors.New("upstream credential rejected")
)

// ErrorKind is the coarse classification of a dispatch failure.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindNoCredentials       ErrorKind = "no_credentials"
	KindExhausted           ErrorKind = "exhausted"
	KindTimeout             ErrorKind = "timeout"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindUpstreamRateLimit   ErrorKind = "upstream_rate_limit"
	KindCredentialRejected  ErrorKind = "credential_rejected"
	KindUnknown             ErrorKind = "unknown"
)

// KindOf classifies err. A nil error has KindNone; anything unrecognised is KindUnknown.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNoCredentials):
		return KindNoCredentials
	case errors.Is(err, ErrCredentialsExhausted):
		return KindExhausted
	case errors.Is(err, ErrUpstreamTimeout):
		return KindTimeout
	case errors.Is(err, ErrUpstreamUnavailable):
		return KindUpstreamUnavailable
	case errors.Is(err, ErrUpstreamRateLimit):
		return KindUpstreamRateLimit
	case errors.Is(err, ErrCredentialRejected):
		return KindCredentialRejected
	default:
		return KindUnknown
	}
}
