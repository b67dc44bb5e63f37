package middleware

import (
	"errors"
	"unicode"
	"unicode/utf8"

	"github.com/capitalize-ai/support-desk/internal/model"
)

const (
	maxContentBytes = 100000
	maxTicketIDLen  = 64
	maxNameLen      = 255
)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > maxContentBytes {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateTicketID validates a ticket ID. IDs come from several front ends,
// so any short printable token without whitespace is accepted.
func ValidateTicketID(id string) error {
	if id == "" {
		return errors.New("ticket ID cannot be empty")
	}
	if len(id) > maxTicketIDLen {
		return errors.New("ticket ID exceeds maximum length")
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return errors.New("invalid ticket ID format")
		}
	}
	return nil
}

// ValidateCustomer validates the optional customer identity of a message.
func ValidateCustomer(name, email string) error {
	if len(name) > maxNameLen || len(email) > maxNameLen {
		return errors.New("customer field exceeds maximum length")
	}
	if !utf8.ValidString(name) || !utf8.ValidString(email) {
		return errors.New("customer fields must be valid UTF-8")
	}
	return nil
}

// ValidateStatus validates an optional status filter.
func ValidateStatus(status string) error {
	if status == "" || model.TicketStatus(status).Valid() {
		return nil
	}
	return errors.New("invalid status")
}
