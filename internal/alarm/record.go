// Package alarm holds the persisted alarm configuration record.
package alarm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// JSON keys of the fields the scheduling core understands. Every other key
// in the persisted document is carried through untouched in Record.Extra.
const (
	KeyEnabled     = "enabled"
	KeyTime        = "time"
	KeyWeekdays    = "weekdays"
	KeyDeviceName  = "device_name"
	KeyPlaylistURI = "playlist_uri"
	KeyVolume      = "alarm_volume"
	KeyFadeIn      = "fade_in"
	KeyShuffle     = "shuffle"
)

var knownKeys = []string{
	KeyEnabled, KeyTime, KeyWeekdays, KeyDeviceName,
	KeyPlaylistURI, KeyVolume, KeyFadeIn, KeyShuffle,
}

// Record is the alarm configuration record.
//
// Weekdays use 0 = Monday through 6 = Sunday. An empty set means every day.
type Record struct {
	Enabled     bool
	Time        string
	Weekdays    []int
	DeviceName  string
	PlaylistURI string
	Volume      int
	FadeIn      bool
	Shuffle     bool

	// Extra holds auxiliary keys (language, debug flags, ...) verbatim.
	Extra map[string]json.RawMessage

	// LoadError is set when the record could not be read and defaults were
	// substituted. Never persisted.
	LoadError string
}

// Default returns the record used when nothing has been persisted yet.
func Default() Record {
	return Record{
		Enabled: false,
		Time:    "07:00",
		Volume:  50,
		FadeIn:  true,
	}
}

// Clone returns a deep copy that shares no memory with r.
func (r Record) Clone() Record {
	cp := r
	if r.Weekdays != nil {
		cp.Weekdays = append([]int(nil), r.Weekdays...)
	}
	if r.Extra != nil {
		cp.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			cp.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return cp
}

// Normalize deduplicates and sorts weekdays, drops out-of-range days,
// clamps the volume and trims string fields.
func (r *Record) Normalize() {
	r.Time = strings.TrimSpace(r.Time)
	r.DeviceName = strings.TrimSpace(r.DeviceName)
	r.PlaylistURI = strings.TrimSpace(r.PlaylistURI)
	r.Weekdays = NormalizeWeekdays(r.Weekdays)
	r.Volume = ClampVolume(r.Volume)
}

// NormalizeWeekdays returns the unique in-range days of in, ascending.
func NormalizeWeekdays(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	var seen [7]bool
	out := make([]int, 0, len(in))
	for _, d := range in {
		if d < 0 || d > 6 || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Ints(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func ClampVolume(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

func (r Record) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(r.Extra)+len(knownKeys))
	for k, v := range r.Extra {
		doc[k] = v
	}
	weekdays := r.Weekdays
	if weekdays == nil {
		weekdays = []int{}
	}
	doc[KeyEnabled] = r.Enabled
	doc[KeyTime] = r.Time
	doc[KeyWeekdays] = weekdays
	doc[KeyDeviceName] = r.DeviceName
	doc[KeyPlaylistURI] = r.PlaylistURI
	doc[KeyVolume] = r.Volume
	doc[KeyFadeIn] = r.FadeIn
	doc[KeyShuffle] = r.Shuffle
	return json.Marshal(doc)
}

// UnmarshalJSON starts from Default so keys missing from the document keep
// their default values.
func (r *Record) UnmarshalJSON(b []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("alarm record: expected a JSON object")
	}

	out := Default()
	fields := map[string]any{
		KeyEnabled:     &out.Enabled,
		KeyTime:        &out.Time,
		KeyWeekdays:    &out.Weekdays,
		KeyDeviceName:  &out.DeviceName,
		KeyPlaylistURI: &out.PlaylistURI,
		KeyVolume:      &out.Volume,
		KeyFadeIn:      &out.FadeIn,
		KeyShuffle:     &out.Shuffle,
	}
	for k, raw := range doc {
		dst, known := fields[k]
		if !known {
			if out.Extra == nil {
				out.Extra = map[string]json.RawMessage{}
			}
			out.Extra[k] = append(json.RawMessage(nil), raw...)
			continue
		}
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("alarm record: field %q: %w", k, err)
		}
	}
	*r = out
	return nil
}

// IsKnownKey reports whether key maps to a typed Record field.
func IsKnownKey(key string) bool {
	for _, k := range knownKeys {
		if k == key {
			return true
		}
	}
	return false
}
