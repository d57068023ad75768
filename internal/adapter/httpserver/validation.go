package httpserver

import (
	"regexp"
)

// MaxSessionIDLen bounds client supplied conversation ids.
const MaxSessionIDLen = 64

var validSessionID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

func invalid(field, code, msg string) ValidationResult {
	return ValidationResult{Valid: false, Errors: []ValidationError{{Field: field, Code: code, Message: msg}}}
}

// ValidateSessionID validates a conversation id supplied by a client.
func ValidateSessionID(id string) ValidationResult {
	if id == "" {
		return invalid("sessionId", "REQUIRED", "Session ID is required")
	}
	if len(id) > MaxSessionIDLen {
		return invalid("sessionId", "TOO_LONG", "Session ID is too long (max 64 characters)")
	}
	if !validSessionID.MatchString(id) {
		return invalid("sessionId", "INVALID_FORMAT", "Session ID contains invalid characters")
	}
	return ValidationResult{Valid: true}
}
