package conversations

import (
	"fmt"
	"regexp"
	"strings"
)

// NormalizePhone strips every non-digit from raw and prepends countryCode
// unless the number already starts with it.
func NormalizePhone(raw, countryCode string) string {
	var b strings.Builder
	b.Grow(len(raw) + len(countryCode))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" || strings.HasPrefix(digits, countryCode) {
		return digits
	}
	return countryCode + digits
}

// PhoneValidator normalizes and validates phone numbers for one country.
type PhoneValidator struct {
	countryCode string
	pattern     *regexp.Regexp
}

func NewPhoneValidator(countryCode, pattern string) (*PhoneValidator, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid phone pattern %q: %w", pattern, err)
	}
	return &PhoneValidator{countryCode: countryCode, pattern: re}, nil
}

// Canonical returns the normalized number and whether it is valid.
func (v *PhoneValidator) Canonical(raw string) (string, bool) {
	phone := NormalizePhone(raw, v.countryCode)
	return phone, v.pattern.MatchString(phone)
}
