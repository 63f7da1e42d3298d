package phone

import (
	"errors"
	"strings"
)

var ErrInvalid = errors.New("enter a 10-digit mobile number")

// Normalize converts free-form input into the E.164-style key used for the
// phone index and for outbound messages.
func Normalize(raw string) (string, error) {
	digits := digitsOnly(raw)
	if strings.HasPrefix(strings.TrimSpace(raw), "+") {
		trimmed := strings.TrimLeft(digits, "0")
		if trimmed == "" {
			return "", ErrInvalid
		}
		return "+" + trimmed, nil
	}
	switch {
	case len(digits) == 10:
		return "+1" + digits, nil
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits, nil
	default:
		return "", ErrInvalid
	}
}

func digitsOnly(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
