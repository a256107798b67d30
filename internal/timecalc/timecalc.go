// Package timecalc computes alarm occurrences in local wall-clock time.
//
// All functions work in the location of the reference instant they are
// given; callers pass time.Now().In(loc).
package timecalc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance is the half-width of the trigger window.
const DefaultTolerance = 90 * time.Second

// Unknown is returned by HumanizeTimeUntil when no trigger can be computed.
const Unknown = "--"

var ErrInvalidTime = errors.New("invalid time of day")

// TimeOfDay is a 24h wall-clock time with minute resolution.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// ParseTimeOfDay accepts "H:MM" or "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// WeekdayIndex converts a time.Weekday to the record convention
// (0 = Monday ... 6 = Sunday).
func WeekdayIndex(d time.Weekday) int { return (int(d) + 6) % 7 }

// NextOccurrence returns the first instant strictly after ref at which the
// alarm is due. An empty weekday set means every day. The boolean is false
// only when weekdays contains no valid day.
func NextOccurrence(tod TimeOfDay, weekdays []int, ref time.Time) (time.Time, bool) {
	var allowed [7]bool
	anyDay := false
	if len(weekdays) == 0 {
		allowed = [7]bool{true, true, true, true, true, true, true}
		anyDay = true
	}
	for _, d := range weekdays {
		if d >= 0 && d <= 6 {
			allowed[d] = true
			anyDay = true
		}
	}
	if !anyDay {
		return time.Time{}, false
	}

	y, m, d := ref.Date()
	// Eight days covers "today already passed and only today's weekday allowed".
	for i := 0; i <= 7; i++ {
		day := time.Date(y, m, d+i, 12, 0, 0, 0, ref.Location())
		if !allowed[WeekdayIndex(day.Weekday())] {
			continue
		}
		at := OnDate(tod, day)
		if at.After(ref) {
			return at, true
		}
	}
	return time.Time{}, false
}

// OnDate returns the instant of tod on the calendar date of day, in day's
// location, resolving DST gaps and overlaps.
func OnDate(tod TimeOfDay, day time.Time) time.Time {
	y, m, d := day.Date()
	return resolveLocal(y, m, d, tod.Hour, tod.Minute, day.Location())
}

// NearestNominal returns the occurrence of tod (ignoring weekdays) closest to
// ref, considering yesterday, today and tomorrow.
func NearestNominal(tod TimeOfDay, ref time.Time) time.Time {
	y, m, d := ref.Date()
	var best time.Time
	var bestDiff time.Duration
	for _, off := range []int{0, -1, 1} {
		at := OnDate(tod, time.Date(y, m, d+off, 12, 0, 0, 0, ref.Location()))
		diff := absDur(ref.Sub(at))
		if best.IsZero() || diff < bestDiff {
			best, bestDiff = at, diff
		}
	}
	return best
}

// IsWithinTriggerWindow reports whether ref lies within tolerance of the
// nearest nominal occurrence of tod. Windows that straddle midnight work
// because the previous and next day's occurrences are considered too.
func IsWithinTriggerWindow(tod TimeOfDay, ref time.Time, tolerance time.Duration) bool {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return absDur(ref.Sub(NearestNominal(tod, ref))) <= tolerance
}

// HumanizeTimeUntil renders the wait until the next occurrence, e.g.
// "in 7h 12m". It returns Unknown for unparsable or unset input.
func HumanizeTimeUntil(timeOfDay string, weekdays []int, now time.Time) string {
	tod, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return Unknown
	}
	next, ok := NextOccurrence(tod, weekdays, now)
	if !ok {
		return Unknown
	}
	return "in " + FormatDuration(next.Sub(now))
}

// FormatDuration formats d as days, hours and minutes, rounding seconds up
// so a pending alarm never reads "0m".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	mins := int64((d + time.Minute - 1) / time.Minute)
	days := mins / (24 * 60)
	hours := (mins % (24 * 60)) / 60
	mins %= 60

	parts := make([]string, 0, 3)
	if days > 0 {
		parts = append(parts, strconv.FormatInt(days, 10)+"d")
	}
	if hours > 0 {
		parts = append(parts, strconv.FormatInt(hours, 10)+"h")
	}
	if mins > 0 || len(parts) == 0 {
		parts = append(parts, strconv.FormatInt(mins, 10)+"m")
	}
	return strings.Join(parts, " ")
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
