package message

import (
	"errors"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalidPhoneNumber is returned when a phone number cannot be parsed or validated.
var ErrInvalidPhoneNumber = errors.New("invalid phone number")

// maxPhoneLength matches the phone_number column width.
const maxPhoneLength = 20

// NormalizePhone parses and validates a phone number using libphonenumber,
// returning E.164 format. Requires a '+' prefix (no default region).
func NormalizePhone(input string) (string, error) {
	// Pre-screen: only ASCII digits, '+', and formatting chars allowed.
	// Reject non-ASCII, multiple '+' signs, or missing '+' prefix.
	plusCount := 0
	for _, r := range input {
		switch {
		case r == '+':
			plusCount++
		case r >= '0' && r <= '9', r == ' ', r == '-', r == '(', r == ')', r == '.':
			// ok
		default:
			return "", ErrInvalidPhoneNumber
		}
	}
	if plusCount != 1 {
		return "", ErrInvalidPhoneNumber
	}

	num, err := phonenumbers.Parse(input, "")
	if err != nil {
		return "", ErrInvalidPhoneNumber
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", ErrInvalidPhoneNumber
	}
	normalized := phonenumbers.Format(num, phonenumbers.E164)
	if len(normalized) > maxPhoneLength {
		return "", ErrInvalidPhoneNumber
	}
	return normalized, nil
}
