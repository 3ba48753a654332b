// Package dates normalizes the human-readable purchase dates shown on the
// vendor's listing pages into ISO-8601 calendar dates.
package dates

import (
	"strings"
	"time"
)

// knownLayouts are tried in order; the first match wins. US month-first
// layouts come before the European fallbacks, matching how the vendor
// renders dates for the account locale.
var knownLayouts = []string{
	"1/2/06",           // 9/2/24
	"1/2/2006",         // 9/2/2024
	"1-2-06",           // 9-2-24
	"1-2-2006",         // 9-2-2024
	"January 2, 2006",  // September 2, 2024
	"Jan 2, 2006",      // Sep 2, 2024
	"2006-01-02",       // already ISO
	"2/1/06",           // European day-first fallback
	"2/1/2006",
}

// Parse converts a listing date string to an ISO-8601 date (YYYY-MM-DD).
// Returns ok=false if the string matches none of the known formats.
func Parse(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, layout := range knownLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}
