package engine

import (
	"strconv"
	"time"
)

var sinceLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseSince interprets a configured starting watermark. Integers and
// decimals become numbers, recognized timestamp layouts become times, and
// anything else stays a string compared lexically by the database.
func ParseSince(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	for _, layout := range sinceLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return s
}
