// Package aggregate turns detection records into chart-ready time series.
//
// Buckets are derived from the wall-clock rendering of each record's instant in a
// configured location, so bucket boundaries follow that location's calendar,
// including daylight-saving shifts. Every bucket carries the instant it starts at
// and series are ordered by that instant, never by the label string.
package aggregate

import (
	"fmt"
	"strings"
	"time"
)

// Granularity is the width of a bucket.
type Granularity string

const (
	Day    Granularity = "day"
	Hour   Granularity = "hour"
	Minute Granularity = "minute"
	Second Granularity = "second"
)

// Granularities lists every supported granularity, widest first.
var Granularities = []Granularity{Day, Hour, Minute, Second}

// ParseGranularity accepts the granularity names case-insensitively.
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(strings.ToLower(strings.TrimSpace(s)))
	switch g {
	case Day, Hour, Minute, Second:
		return g, nil
	}
	return "", fmt.Errorf("unknown granularity %q", s)
}

var layouts = map[Granularity]string{
	Day:    "2006-01-02",
	Hour:   "2006-01-02 15",
	Minute: "2006-01-02 15:04",
	Second: "2006-01-02 15:04:05",
}

// BucketKey renders t as the label of its bucket in loc.
func BucketKey(t time.Time, g Granularity, loc *time.Location) string {
	layout, ok := layouts[g]
	if !ok {
		layout = layouts[Minute]
	}
	return t.In(location(loc)).Format(layout)
}

// BucketStart returns the first instant of the wall-clock bucket containing t.
func BucketStart(t time.Time, g Granularity, loc *time.Location) time.Time {
	loc = location(loc)
	w := t.In(loc)
	y, mo, d := w.Date()
	h, mi, s := w.Clock()
	switch g {
	case Day:
		return time.Date(y, mo, d, 0, 0, 0, 0, loc)
	case Hour:
		return time.Date(y, mo, d, h, 0, 0, 0, loc)
	case Second:
		return time.Date(y, mo, d, h, mi, s, 0, loc)
	default:
		return time.Date(y, mo, d, h, mi, 0, 0, loc)
	}
}

func location(loc *time.Location) *time.Location {
	if loc == nil {
		return time.Local
	}
	return loc
}
