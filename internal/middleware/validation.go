package middleware

import (
	"errors"
	"unicode/utf8"
)

// ValidateQuery validates an outbound chat query.
func ValidateQuery(query string) error {
	if len(query) == 0 {
		return errors.New("query cannot be empty")
	}
	if len(query) > 100000 { // ~100KB limit
		return errors.New("query exceeds maximum length")
	}
	if !utf8.ValidString(query) {
		return errors.New("query must be valid UTF-8")
	}
	return nil
}

// ValidateAppID validates an app identifier.
func ValidateAppID(id string) error {
	if len(id) == 0 {
		return errors.New("app ID cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("app ID exceeds maximum length")
	}
	return nil
}

// ValidateMessageID validates a message identifier. Placeholder IDs are
// client-generated, so only shape limits apply.
func ValidateMessageID(id string) error {
	if len(id) == 0 {
		return errors.New("message ID cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("message ID exceeds maximum length")
	}
	return nil
}

// ValidateRating validates a feedback rating.
func ValidateRating(rating string) error {
	switch rating {
	case "like", "dislike":
		return nil
	}
	return errors.New("rating must be like or dislike")
}
