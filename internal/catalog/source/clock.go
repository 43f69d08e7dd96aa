// Package source implements catalog providers: a published spreadsheet
// fetched as CSV, and a local YAML/JSON document.
package source

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is how sheet rows spell the event day.
const DateLayout = "1/2/2006"

// ParseClock reads a 12-hour wall clock such as "6:30 pm" or "11:00AM".
func ParseClock(s string) (hour, minute int, ok bool) {
	t := strings.ToLower(strings.TrimSpace(s))
	var pm bool
	switch {
	case strings.HasSuffix(t, "pm"):
		pm = true
	case strings.HasSuffix(t, "am"):
	default:
		return 0, 0, false
	}
	t = strings.TrimSpace(t[:len(t)-2])
	hs, ms, found := strings.Cut(t, ":")
	if !found {
		return 0, 0, false
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 1 || h > 12 {
		return 0, 0, false
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, false
	}
	h %= 12
	if pm {
		h += 12
	}
	return h, m, true
}

// EventTime combines a sheet date and clock in loc. A missing or malformed
// clock yields midnight of that day with ok=false.
func EventTime(date, clock string, loc *time.Location) (t time.Time, ok bool, err error) {
	if loc == nil {
		loc = time.Local
	}
	day, err := time.ParseInLocation(DateLayout, strings.TrimSpace(date), loc)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("date %q: %w", date, err)
	}
	h, m, ok := ParseClock(clock)
	if !ok {
		return day, false, nil
	}
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, loc), true, nil
}

// inWindow reports now < start < now+days.
func inWindow(start, now time.Time, days int) bool {
	return start.After(now) && start.Before(now.AddDate(0, 0, days))
}
