// Package timeresolve parses the small set of time expressions accepted by
// every ingress surface: "now", "in N {minutes,hours,days}", and ISO-8601.
package timeresolve

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// supportedFormsMessage is the error text (alone or with a detail suffix)
// returned when s matches none of the supported forms. The source advertises richer natural-language parsing in
// its docs but never implements it; this resolver intentionally does not
// expand the grammar either (see the Open Question decision in DESIGN.md).
const supportedFormsMessage = `unsupported time expression: expected "now", "in <N> {minute(s)|hour(s)|day(s)}", or an ISO-8601 timestamp`

// Resolve parses s (case-insensitive, trimmed) relative to now and returns
// an absolute UTC instant.
func Resolve(s string, now time.Time) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	lower := strings.ToLower(trimmed)

	if lower == "now" {
		return now.UTC(), nil
	}

	if strings.HasPrefix(lower, "in ") {
		return resolveRelative(lower[3:], now)
	}

	if strings.Contains(trimmed, "T") || strings.HasSuffix(trimmed, "Z") {
		return resolveISO(trimmed)
	}

	return time.Time{}, fmt.Errorf(supportedFormsMessage)
}

func resolveRelative(rest string, now time.Time) (time.Time, error) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return time.Time{}, fmt.Errorf(supportedFormsMessage)
	}

	count, err := strconv.Atoi(fields[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %q is not an integer", supportedFormsMessage, fields[0])
	}
	if count < 0 {
		return time.Time{}, fmt.Errorf("%s: count must not be negative", supportedFormsMessage)
	}

	unit := strings.TrimSuffix(fields[1], "s")
	var delta time.Duration
	switch unit {
	case "minute":
		delta = time.Duration(count) * time.Minute
	case "hour":
		delta = time.Duration(count) * time.Hour
	case "day":
		delta = time.Duration(count) * 24 * time.Hour
	default:
		return time.Time{}, fmt.Errorf("%s: unrecognized unit %q", supportedFormsMessage, fields[1])
	}

	return now.UTC().Add(delta), nil
}

func resolveISO(s string) (time.Time, error) {
	// A trailing 'Z' is equivalent to +00:00, which time.Parse already
	// understands via RFC3339; time.RFC3339 and RFC3339Nano both require an
	// explicit offset, so a naive timestamp (no offset, no Z) is tried last
	// and interpreted as UTC.
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%s: could not parse %q as ISO-8601", supportedFormsMessage, s)
}
