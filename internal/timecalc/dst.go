package timecalc

import "time"

// resolveLocal maps a local wall-clock time to an instant.
//
// Overlap (clocks set back): the earliest matching instant wins.
// Gap (clocks set forward): the first instant whose wall clock is at or
// after the nominal time, i.e. the moment the clocks jump.
//
// Candidates are derived from the zone offsets in effect half a day around
// the nominal time, so this does not depend on which date a transition
// falls on.
func resolveLocal(y int, mo time.Month, d, h, mi int, loc *time.Location) time.Time {
	naive := time.Date(y, mo, d, h, mi, 0, 0, time.UTC)
	guess := time.Date(y, mo, d, h, mi, 0, 0, loc)

	offsets := make([]int, 0, 3)
	addOffset := func(t time.Time) {
		_, off := t.Zone()
		for _, o := range offsets {
			if o == off {
				return
			}
		}
		offsets = append(offsets, off)
	}
	addOffset(guess)
	addOffset(guess.Add(-12 * time.Hour))
	addOffset(guess.Add(12 * time.Hour))

	var (
		best     time.Time
		lo, hi   time.Time
		haveBest bool
	)
	for _, off := range offsets {
		c := naive.Add(-time.Duration(off) * time.Second).In(loc)
		if wallOf(c).Equal(naive) {
			if !haveBest || c.Before(best) {
				best, haveBest = c, true
			}
			continue
		}
		if lo.IsZero() || c.Before(lo) {
			lo = c
		}
		if hi.IsZero() || c.After(hi) {
			hi = c
		}
	}
	if haveBest {
		return best
	}
	if lo.IsZero() || !lo.Before(hi) {
		return guess
	}

	// Gap: binary search for the first second whose wall clock reaches naive.
	// lo reads before the gap and hi after it.
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2).Truncate(time.Second)
		if !mid.After(lo) {
			break
		}
		if wallOf(mid).Before(naive) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi
}

// wallOf returns t's local wall clock reinterpreted as UTC.
func wallOf(t time.Time) time.Time {
	y, mo, d := t.Date()
	h, mi, s := t.Clock()
	return time.Date(y, mo, d, h, mi, s, 0, time.UTC)
}
