// Package cronsched parses the 5-field cron expressions spec.md section 9
// names (DUMP_CRON) and computes each expression's next firing moment.
//
// No cron-parsing library is exercised anywhere in the retrieved corpus --
// the one mention of robfig/cron is a bare go.mod dependency-closure entry
// with no accompanying source to learn an idiom from (see DESIGN.md) -- so
// this is a deliberate, justified stdlib-only package rather than a
// dropped dependency.
package cronsched

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed 5-field cron expression: minute, hour,
// day-of-month, month, day-of-week. Each field is a comma-separated list
// of "*", "*/N", single integers or "a-b" ranges in its valid range.
type Schedule struct {
	minutes  fieldSet
	hours    fieldSet
	doms     fieldSet
	months   fieldSet
	dows     fieldSet
	original string
}

type fieldSet struct {
	all    bool
	values map[int]struct{}
}

func (f fieldSet) match(v int) bool {
	if f.all {
		return true
	}
	_, ok := f.values[v]
	return ok
}

// Parse parses a standard 5-field cron expression ("minute hour dom month
// dow"). Step syntax ("*/N") and ranges ("a-b") are supported since
// DUMP_CRON's default ("*/10 * * * *") requires step syntax.
func Parse(expr string) (Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return Schedule{}, fmt.Errorf("cronsched: expected 5 fields, got %d in %q", len(fields), expr)
	}
	ranges := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	parsed := make([]fieldSet, 5)
	for i, f := range fields {
		fs, err := parseField(f, ranges[i][0], ranges[i][1])
		if err != nil {
			return Schedule{}, fmt.Errorf("cronsched: field %d (%q) in %q: %w", i, f, expr, err)
		}
		parsed[i] = fs
	}
	return Schedule{
		minutes: parsed[0], hours: parsed[1], doms: parsed[2], months: parsed[3], dows: parsed[4],
		original: expr,
	}, nil
}

func parseField(field string, min, max int) (fieldSet, error) {
	if field == "*" {
		return fieldSet{all: true}, nil
	}

	values := make(map[int]struct{})
	for _, part := range strings.Split(field, ",") {
		if step, ok := strings.CutPrefix(part, "*/"); ok {
			n, err := strconv.Atoi(step)
			if err != nil || n <= 0 {
				return fieldSet{}, fmt.Errorf("invalid step %q", part)
			}
			for v := min; v <= max; v += n {
				values[v] = struct{}{}
			}
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err1 := strconv.Atoi(lo)
			hiN, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil || loN > hiN {
				return fieldSet{}, fmt.Errorf("invalid range %q", part)
			}
			for v := loN; v <= hiN; v++ {
				values[v] = struct{}{}
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < min || n > max {
			return fieldSet{}, fmt.Errorf("invalid value %q", part)
		}
		values[n] = struct{}{}
	}
	return fieldSet{values: values}, nil
}

// Next returns the earliest instant strictly after after that this
// schedule matches, minute-granularity (cron's native resolution).
func (s Schedule) Next(after time.Time) time.Time {
	t := after.Truncate(time.Minute).Add(time.Minute)
	// A year of minutes bounds the search; an expression with no match in
	// that span (e.g. 30 February) makes Next return after unchanged.
	for i := 0; i < 366*24*60; i++ {
		if s.matches(t) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return after
}

func (s Schedule) matches(t time.Time) bool {
	return s.minutes.match(t.Minute()) &&
		s.hours.match(t.Hour()) &&
		s.doms.match(t.Day()) &&
		s.months.match(int(t.Month())) &&
		s.dows.match(int(t.Weekday()))
}

// String returns the original expression Parse was given.
func (s Schedule) String() string { return s.original }

// Run invokes fn every time s fires, blocking until stop is closed.
// Mirrors the teacher's keep-alive-goroutine pattern (fetcher.go's
// FetchManager.Start): a single timer recomputed after each firing rather
// than a fixed-interval ticker, since cron firings aren't evenly spaced.
func Run(s Schedule, fn func(time.Time), stop <-chan struct{}) {
	for {
		next := s.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-stop:
			timer.Stop()
			return
		case fired := <-timer.C:
			fn(fired)
		}
	}
}
