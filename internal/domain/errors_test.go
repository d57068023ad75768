package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorConstants(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"ErrInvalidArgument", ErrInvalidArgument, "invalid argument"},
		{"ErrNotFound", ErrNotFound, "not found"},
		{"ErrUnauthorized", ErrUnauthorized, "unauthorized"},
		{"ErrUpstreamTimeout", ErrUpstreamTimeout, "upstream timeout"},
		{"ErrNoCredentials", ErrNoCredentials, "no upstream credentials available"},
		{"ErrUpstreamUnavailable", ErrUpstreamUnavailable, "upstream unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.expected {
				t.Errorf("Expected %s to be %q, got %q", tt.name, tt.expected, tt.err.Error())
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"no credentials", ErrNoCredentials, KindNoCredentials},
		{"wrapped exhausted", fmt.Errorf("op=dispatch: %w", ErrCredentialsExhausted), KindExhausted},
		{"timeout", fmt.Errorf("%w: after 15s", ErrUpstreamTimeout), KindTimeout},
		{"5xx", fmt.Errorf("%w: status 503", ErrUpstreamUnavailable), KindUpstreamUnavailable},
		{"429", ErrUpstreamRateLimit, KindUpstreamRateLimit},
		{"rejected", ErrCredentialRejected, KindCredentialRejected},
		{"upstream unknown", fmt.Errorf("%w: decode", ErrUpstreamUnknown), KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"context", context.Canceled, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestRoleValid(t *testing.T) {
	if !RoleUser.Valid() || !RoleAssistant.Valid() {
		t.Fatal("expected known roles to be valid")
	}
	if Role("model").Valid() || Role("").Valid() {
		t.Fatal("expected unknown roles to be invalid")
	}
}
