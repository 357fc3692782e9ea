package model

import (
	"bytes"
	"fmt"
	"time"
)

// microTimeLayout is the ISO-8601 layout used on the wire and in dump
// files: microsecond precision, UTC, trailing Z.
const microTimeLayout = "2006-01-02T15:04:05.000000Z"

// Time wraps time.Time so every model field that carries a timestamp
// round-trips through JSON at microsecond precision, matching the dump
// file format in spec.md section 6.
type Time struct {
	time.Time
}

// NewTime rounds t to microsecond precision in UTC.
func NewTime(t time.Time) Time {
	return Time{t.UTC().Round(time.Microsecond)}
}

// Now returns the current time as a Time.
func Now() Time {
	return NewTime(time.Now())
}

func (t Time) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(microTimeLayout) + `"`), nil
}

func (t *Time) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	parsed, err := time.Parse(microTimeLayout, string(data))
	if err != nil {
		return fmt.Errorf("model: parsing timestamp %q: %w", data, err)
	}
	t.Time = parsed
	return nil
}

// Add returns t+d as a Time.
func (t Time) Add(d time.Duration) Time {
	return NewTime(t.Time.Add(d))
}

// Sub returns the duration t-u.
func (t Time) Sub(u Time) time.Duration {
	return t.Time.Sub(u.Time)
}

// Before reports whether t is strictly before u.
func (t Time) Before(u Time) bool {
	return t.Time.Before(u.Time)
}

// After reports whether t is strictly after u.
func (t Time) After(u Time) bool {
	return t.Time.After(u.Time)
}

// Equal reports whether t and u represent the same instant.
func (t Time) Equal(u Time) bool {
	return t.Time.Equal(u.Time)
}

// String renders t in the same microsecond-precision layout used on the
// wire, suitable for embedding in a broker message key (e.g.
// "1.2.3.4/2026-01-02T03:04:05.000000Z").
func (t Time) String() string {
	return t.UTC().Format(microTimeLayout)
}
