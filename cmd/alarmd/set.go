package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"alarmd/internal/alarm"
	"alarmd/internal/app"
	"alarmd/internal/timecalc"
)

type setFlags struct {
	enable, disable bool
	time            string
	days            string
	device          string
	playlist        string
	volume          int
	fadeIn          bool
	shuffle         bool
}

func newSetCmd(opts *options) *cobra.Command {
	var f setFlags
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change the stored alarm.",
		Long: `set changes only the fields given as flags. A running daemon picks the
change up without a restart.`,
		Example: `  alarmd set --time 06:45 --days mon-fri --enable
  alarmd set --disable`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fields, err := buildPatch(f, cmd.Flags().Changed)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			rec, loc, err := app.UpdateRecord(ctx, opts.configPath, fields)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), describeNext(rec.Enabled, rec.Time, rec.Weekdays, time.Now().In(loc)))
			return err
		},
	}
	fl := cmd.Flags()
	fl.BoolVar(&f.enable, "enable", false, "arm the alarm")
	fl.BoolVar(&f.disable, "disable", false, "disarm the alarm")
	fl.StringVar(&f.time, "time", "", "time of day, HH:MM")
	fl.StringVar(&f.days, "days", "", `weekdays: "daily", "mon-fri", "sat,sun" or 0 (Monday) to 6`)
	fl.StringVar(&f.device, "device", "", "playback device name")
	fl.StringVar(&f.playlist, "playlist", "", "playlist or album URI")
	fl.IntVar(&f.volume, "volume", 0, "target volume 0-100")
	fl.BoolVar(&f.fadeIn, "fade-in", true, "ramp the volume up after playback starts")
	fl.BoolVar(&f.shuffle, "shuffle", false, "shuffle playback")
	cmd.MarkFlagsMutuallyExclusive("enable", "disable")
	return cmd
}

// buildPatch turns the flags the user actually passed into record fields.
func buildPatch(f setFlags, changed func(name string) bool) (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	put := func(key string, v any) {
		raw, _ := json.Marshal(v)
		fields[key] = raw
	}
	switch {
	case f.enable:
		put(alarm.KeyEnabled, true)
	case f.disable:
		put(alarm.KeyEnabled, false)
	}
	if changed("time") {
		tod, err := timecalc.ParseTimeOfDay(f.time)
		if err != nil {
			return nil, err
		}
		put(alarm.KeyTime, tod.String())
	}
	if changed("days") {
		days, err := parseWeekdays(f.days)
		if err != nil {
			return nil, err
		}
		put(alarm.KeyWeekdays, days)
	}
	if changed("device") {
		put(alarm.KeyDeviceName, strings.TrimSpace(f.device))
	}
	if changed("playlist") {
		put(alarm.KeyPlaylistURI, strings.TrimSpace(f.playlist))
	}
	if changed("volume") {
		if f.volume < 0 || f.volume > 100 {
			return nil, fmt.Errorf("volume %d out of range 0-100", f.volume)
		}
		put(alarm.KeyVolume, f.volume)
	}
	if changed("fade-in") {
		put(alarm.KeyFadeIn, f.fadeIn)
	}
	if changed("shuffle") {
		put(alarm.KeyShuffle, f.shuffle)
	}
	if len(fields) == 0 {
		return nil, errors.New("nothing to change; see --help")
	}
	return fields, nil
}

var dayNames = map[string]int{"mon": 0, "tue": 1, "wed": 2, "thu": 3, "fri": 4, "sat": 5, "sun": 6}

func dayIndex(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if d, ok := dayNames[s]; ok {
		return d, nil
	}
	if len(s) > 3 {
		if d, ok := dayNames[s[:3]]; ok {
			return d, nil
		}
	}
	d, err := strconv.Atoi(s)
	if err != nil || d < 0 || d > 6 {
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
	return d, nil
}

// parseWeekdays accepts "daily", comma separated days and ranges such as
// "mon-fri". The result uses 0 = Monday and is empty for every day.
func parseWeekdays(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "daily", "all", "every":
		return []int{}, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		from, to, isRange := strings.Cut(part, "-")
		a, err := dayIndex(from)
		if err != nil {
			return nil, err
		}
		if !isRange {
			out = append(out, a)
			continue
		}
		b, err := dayIndex(to)
		if err != nil {
			return nil, err
		}
		for d := a; ; d = (d + 1) % 7 {
			out = append(out, d)
			if d == b {
				break
			}
		}
	}
	return alarm.NormalizeWeekdays(out), nil
}
