package payment

import (
	"regexp"
	"strings"
)

var (
	localPhone   = regexp.MustCompile(`^0[71][0-9]{8}$`)
	intlPhone    = regexp.MustCompile(`^254[71][0-9]{8}$`)
	phoneCleaner = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")
)

// ValidPhone reports whether raw is a recognised Kenyan mobile number.
func ValidPhone(raw string) bool {
	_, err := NormalizePhone(raw)
	return err == nil
}

// NormalizePhone returns the number in 254XXXXXXXXX form.
func NormalizePhone(raw string) (string, error) {
	p := strings.TrimPrefix(phoneCleaner.Replace(strings.TrimSpace(raw)), "+")
	switch {
	case localPhone.MatchString(p):
		return "254" + p[1:], nil
	case intlPhone.MatchString(p):
		return p, nil
	}
	return "", &ValidationError{
		Field:  "phone",
		Reason: "must be a valid mobile number (07XXXXXXXX, 01XXXXXXXX or 254XXXXXXXXX)",
	}
}

// DetectProvider guesses the network from a normalized number.
func DetectProvider(normalized string) string {
	switch {
	case strings.HasPrefix(normalized, "2547"):
		return "safaricom"
	case strings.HasPrefix(normalized, "2541"):
		return "airtel"
	default:
		return "telkom"
	}
}
