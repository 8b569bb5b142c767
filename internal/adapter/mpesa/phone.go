package mpesa

import (
	"regexp"
	"strings"

	"github.com/lunaluxe/payment-orchestrator/internal/payment"
)

// Canonical subscriber numbers: country code, a 7 or 1 prefix, 8 digits.
// The digit after the prefix is never 3; 073x and 013x ranges are not
// served by Daraja.
var msisdnPattern = regexp.MustCompile(`^254[17][0-24-9]\d{7}$`)

// NormalizePhone collapses national ("0712345678"), bare ("712345678") and
// international ("+254 712 345 678") forms into "254712345678".
func NormalizePhone(raw string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)

	switch {
	case len(digits) == 9:
		digits = "254" + digits
	case len(digits) == 10 && digits[0] == '0':
		digits = "254" + digits[1:]
	}

	if !msisdnPattern.MatchString(digits) {
		return "", payment.NewValidationError(payment.ErrInvalidPhoneNumber, "phone")
	}
	return digits, nil
}
