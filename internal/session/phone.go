package session

import (
	"fmt"
	"strings"

	"golang.org/x/text/width"
)

const countryCode = "+91"

// NormalizePhone converts an Indian phone number into E.164 form
// (+91 followed by 10 digits). Spaces, dashes, dots and parentheses are
// ignored, and full-width digits are accepted.
func NormalizePhone(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '-', '(', ')', '.':
			return -1
		}
		return r
	}, width.Narrow.String(strings.TrimSpace(raw)))

	if cleaned == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPhone)
	}

	digits := cleaned
	if strings.HasPrefix(cleaned, "+") {
		if !strings.HasPrefix(cleaned, countryCode) {
			return "", fmt.Errorf("%w: only %s numbers are supported", ErrInvalidPhone, countryCode)
		}
		digits = strings.TrimPrefix(cleaned, countryCode)
	}

	if len(digits) != 10 || strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return "", fmt.Errorf("%w: must be exactly 10 digits", ErrInvalidPhone)
	}
	return countryCode + digits, nil
}
