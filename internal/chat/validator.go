package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// EmptyTextReason is the rejection reason for blank submissions.
const EmptyTextReason = "message text is empty"

// ValidateText checks that submitted text meets content requirements before
// moderation runs. Blank text wraps ErrEmptyInput, oversized or malformed
// text wraps ErrInvalidInput. The message is safe to show the sender.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%s: %w", EmptyTextReason, ErrEmptyInput)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit: %w", MaxMessageBytes, ErrInvalidInput)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit: %w", MaxTextChars, ErrInvalidInput)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8: %w", ErrInvalidInput)
	}
	return nil
}

// validationReason strips the sentinel suffix from a ValidateText error.
func validationReason(err error) string {
	sentinel := ErrInvalidInput
	if errors.Is(err, ErrEmptyInput) {
		sentinel = ErrEmptyInput
	}
	return strings.TrimSuffix(err.Error(), ": "+sentinel.Error())
}
