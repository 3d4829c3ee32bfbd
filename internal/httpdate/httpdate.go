// Package httpdate parses and formats the HTTP-date values that travel
// through Last-Modified, If-Modified-Since and If-Range headers.
//
// The original apt-cacher-ng kept a lazy, string-first tHttpDate that
// avoided reparsing dates it had already seen in normalized form. Go's
// net/http already does the expensive part (three accepted layouts,
// normalization to the IMF-fixdate layout), so this package is a thin,
// value-typed wrapper around it that adds the round-trip and comparison
// behaviour the rest of the core relies on (§8.2: HttpDate(t).parse() == t).
package httpdate

import (
	"net/http"
	"time"
)

// Date is a zero-value-safe wrapper around an HTTP-date. The zero Date is
// "unset", mirroring tHttpDate's empty buffer.
type Date struct {
	t  time.Time
	ok bool
}

// Zero is the canonical unset date.
var Zero = Date{}

// Parse accepts any of the three formats RFC 7231 allows (preferred
// IMF-fixdate, obsolete RFC 850, and ANSI C asctime) via http.ParseTime,
// exactly as an upstream server's Last-Modified or a client's
// If-Modified-Since might arrive.
func Parse(s string) Date {
	if s == "" {
		return Date{}
	}
	t, err := http.ParseTime(s)
	if err != nil {
		return Date{}
	}
	return Date{t: t.UTC(), ok: true}
}

// FromTime builds a Date from a concrete point in time, truncating to
// whole seconds since that's all the wire format carries.
func FromTime(t time.Time) Date {
	if t.IsZero() {
		return Date{}
	}
	return Date{t: t.UTC().Truncate(time.Second), ok: true}
}

// FromUnix builds a Date from a Unix timestamp; a negative value yields
// the unset Date, matching tHttpDate(time_t) treating negative input as
// "no value".
func FromUnix(sec int64) Date {
	if sec < 0 {
		return Date{}
	}
	return FromTime(time.Unix(sec, 0))
}

// IsSet reports whether this Date carries a value.
func (d Date) IsSet() bool { return d.ok }

// String renders the IMF-fixdate form used on the wire and in .head files.
// Returns "" for an unset Date.
func (d Date) String() string {
	if !d.ok {
		return ""
	}
	return d.t.Format(http.TimeFormat)
}

// Time returns the underlying time.Time, or the zero time if unset.
func (d Date) Time() time.Time { return d.t }

// Unix returns the Unix timestamp, or onError if unset.
func (d Date) Unix(onError int64) int64 {
	if !d.ok {
		return onError
	}
	return d.t.Unix()
}

// Equal compares two dates at one-second resolution, since that's the
// precision of the wire format; two unset dates are equal.
func (d Date) Equal(o Date) bool {
	if d.ok != o.ok {
		return false
	}
	if !d.ok {
		return true
	}
	return d.t.Equal(o.t)
}

// Before reports whether d names a point in time strictly before o.
// An unset date is never "before" anything (conservatively false), which
// matches the spec's use of mod-date comparisons only once both sides are
// known.
func (d Date) Before(o Date) bool {
	if !d.ok || !o.ok {
		return false
	}
	return d.t.Before(o.t)
}

// After reports whether d names a point in time strictly after o.
func (d Date) After(o Date) bool {
	if !d.ok || !o.ok {
		return false
	}
	return d.t.After(o.t)
}
