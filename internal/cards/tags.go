package cards

import (
	"regexp"
	"strings"
)

var deliveryDatePattern = regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`)

// ExtractDeliveryDate returns the first DD/MM/YYYY shaped tag verbatim. The
// value is not checked against the calendar: "31/02/2025" is returned as is.
func ExtractDeliveryDate(tags []string) (string, bool) {
	for _, tag := range tags {
		candidate := strings.TrimSpace(tag)
		if deliveryDatePattern.MatchString(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// ExtractDeliveryDateFromString splits a comma separated tag string before matching.
func ExtractDeliveryDateFromString(rawTags string) (string, bool) {
	return ExtractDeliveryDate(strings.Split(rawTags, ","))
}

// ValidateDeliveryDate checks the DD/MM/YYYY shape used as the card partition key.
func ValidateDeliveryDate(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !deliveryDatePattern.MatchString(trimmed) {
		return "", ErrInvalidDeliveryDate
	}
	return trimmed, nil
}
