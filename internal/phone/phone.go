package phone

import (
	"errors"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var ErrInvalidNumber = errors.New("invalid phone number")

// Normalize returns the E.164 form of raw. Provider prefixes like
// "whatsapp:" are stripped; digit-only input is tried against region first
// and then as an international number without the leading plus, which is
// how WhatsApp reports senders.
func Normalize(raw, region string) (string, error) {
	num := strings.TrimSpace(raw)
	num = strings.TrimPrefix(num, "whatsapp:")
	if num == "" {
		return "", ErrInvalidNumber
	}

	if strings.HasPrefix(num, "+") {
		return format(num, "")
	}
	if region != "" {
		if out, err := format(num, region); err == nil {
			return out, nil
		}
	}
	return format("+"+strings.TrimLeft(num, "0"), "")
}

func format(num, region string) (string, error) {
	parsed, err := phonenumbers.Parse(num, region)
	if err != nil || !phonenumbers.IsValidNumber(parsed) {
		return "", ErrInvalidNumber
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

// Digits is the E.164 number without the plus, the form the WhatsApp Cloud
// API expects in "to".
func Digits(e164 string) string {
	return strings.TrimPrefix(e164, "+")
}

// Forms are the digit-only spellings a stored contact number may reduce to
// for one E.164 number: international, national with trunk prefix, and the
// bare national significant number.
type Forms struct {
	International string
	National      string
	Significant   string
}

// DigitForms derives Forms from e164. Input that does not parse yields its
// own digits in every field.
func DigitForms(e164 string) Forms {
	parsed, err := phonenumbers.Parse(e164, "")
	if err != nil {
		d := StripNonDigits(e164)
		return Forms{International: d, National: d, Significant: d}
	}
	return Forms{
		International: StripNonDigits(phonenumbers.Format(parsed, phonenumbers.E164)),
		National:      StripNonDigits(phonenumbers.Format(parsed, phonenumbers.NATIONAL)),
		Significant:   phonenumbers.GetNationalSignificantNumber(parsed),
	}
}

// Match reports whether stored reduces to one of f.
func (f Forms) Match(stored string) bool {
	d := StripNonDigits(stored)
	if d == "" {
		return false
	}
	return d == f.International || d == f.National || d == f.Significant
}

func StripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
