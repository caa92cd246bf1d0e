package certs

import (
	"strings"
	"time"
)

// Attribute keys found in vendor subject strings.
const (
	KeyCommonName   = "CN"
	KeyOrganization = "O"
	KeySerialNumber = "SERIALNUMBER"
	KeyValidFrom    = "VALIDFROM"
	KeyValidTo      = "VALIDTO"

	// OIDs used by the Uzbek PKI for the organization TIN and the personal PINFL.
	KeyOrgTIN   = "1.2.860.3.16.1.1"
	KeyPINFL    = "1.2.860.3.16.1.2"
	KeyInitials = "INITIALS"
	KeyINN      = "INN"
	KeyUID      = "UID"
)

var (
	pfxIDKeys     = []string{KeyOrgTIN, KeyPINFL, KeyUID}
	certKeyIDKeys = []string{KeyInitials, KeyINN, KeyUID}
)

var dateLayouts = []string{
	"02-01-2006",
	"02-01-2006 15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC3339,
}

// SplitAttributes splits a comma separated KEY=VALUE string into trimmed segments.
func SplitAttributes(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// Attribute returns the value of the first segment whose key matches key,
// ignoring case, or def when there is none.
func Attribute(segments []string, key, def string) string {
	prefix := strings.ToUpper(key) + "="
	for _, seg := range segments {
		if strings.HasPrefix(strings.ToUpper(seg), prefix) {
			return strings.TrimSpace(seg[strings.IndexByte(seg, '=')+1:])
		}
	}
	return def
}

// ExtractID tries keys in order and returns the first non-empty value.
func ExtractID(segments []string, keys ...string) string {
	for _, key := range keys {
		if v := Attribute(segments, key, ""); v != "" {
			return v
		}
	}
	return ""
}

// ParseDate parses the loosely formatted dates used by the daemon. Dots are
// accepted as separators.
func ParseDate(s string, loc *time.Location) (time.Time, bool) {
	s = normalizeSpace(strings.ReplaceAll(s, ".", "-"))
	if s == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// validity resolves the validity window. Missing or unreadable bounds fall
// back to the current day, and inferred is set.
func validity(from, to string, now time.Time) (validFrom, validTo time.Time, inferred bool) {
	loc := now.Location()
	y, m, d := now.Date()

	validFrom, ok := ParseDate(from, loc)
	if !ok {
		validFrom = time.Date(y, m, d, 0, 0, 0, 0, loc)
		inferred = true
	}
	validTo, ok = ParseDate(to, loc)
	if !ok {
		validTo = time.Date(y, m, d, 23, 59, 59, int(time.Second-time.Nanosecond), loc)
		inferred = true
	}
	return validFrom, validTo, inferred
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
