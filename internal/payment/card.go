package payment

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var cvcPattern = regexp.MustCompile(`^\d{3,4}$`)

// LuhnValid reports whether number passes the mod-10 checksum. Spaces and
// dashes are ignored; any other non-digit makes the number invalid.
func LuhnValid(number string) bool {
	digits := strings.NewReplacer(" ", "", "-", "").Replace(number)
	if len(digits) < 12 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// ParseExpiry parses "MM/YY" (or "MM/YYYY") into month and four-digit year.
func ParseExpiry(expiry string) (month, year int, ok bool) {
	parts := strings.Split(strings.TrimSpace(expiry), "/")
	if len(parts) != 2 {
		return 0, 0, false
	}
	month, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	yearPart := strings.TrimSpace(parts[1])
	year, err = strconv.Atoi(yearPart)
	if err != nil {
		return 0, 0, false
	}
	switch len(yearPart) {
	case 2:
		year += 2000
	case 4:
	default:
		return 0, 0, false
	}
	return month, year, true
}

// ExpiryValid reports whether expiry names a month 1-12 that is not before
// the month containing now.
func ExpiryValid(expiry string, now time.Time) bool {
	month, year, ok := ParseExpiry(expiry)
	if !ok || month < 1 || month > 12 {
		return false
	}
	curYear, curMonth := now.Year(), int(now.Month())
	return year > curYear || (year == curYear && month >= curMonth)
}

// ValidateCard checks every card field locally and reports all violations
// at once as an ErrInvalidCardDetails ValidationError.
func ValidateCard(card CardDetails, now time.Time) error {
	var fields []string
	if !LuhnValid(card.Number) {
		fields = append(fields, "number")
	}
	if !ExpiryValid(card.Expiry, now) {
		fields = append(fields, "expiry")
	}
	if !cvcPattern.MatchString(strings.TrimSpace(card.CVC)) {
		fields = append(fields, "cvc")
	}
	if len(fields) > 0 {
		return NewValidationError(ErrInvalidCardDetails, fields...)
	}
	return nil
}
