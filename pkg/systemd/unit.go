package systemd

import (
	"errors"
	"strings"
	"time"
)

var ErrUnsupported = errors.New("systemd: unsupported OS (linux only)")

// UnitStatus is the subset of unit properties "alarmd service-status" prints.
type UnitStatus struct {
	Name        string
	Description string
	LoadState   string // loaded, not-found, ...
	Active      string // active, inactive, failed, ...
	SubState    string // running, dead, ...
	MainPID     uint32
	ActiveSince time.Time
	Uptime      time.Duration
}

// Running reports whether the unit is active and its main process is up.
func (s UnitStatus) Running() bool { return s.Active == "active" && s.SubState == "running" }

// UnitName appends ".service" when unit has no type suffix.
func UnitName(unit string) string {
	u := strings.TrimSpace(unit)
	if u == "" || strings.Contains(u, ".") {
		return u
	}
	return u + ".service"
}

func statusFromProps(name string, props map[string]any, now time.Time) UnitStatus {
	st := UnitStatus{Name: name}
	st.Description, _ = getStringProperty(props, "Description")
	st.LoadState, _ = getStringProperty(props, "LoadState")
	st.Active, _ = getStringProperty(props, "ActiveState")
	st.SubState, _ = getStringProperty(props, "SubState")
	if pid, ok := props["MainPID"].(uint32); ok {
		st.MainPID = pid
	}
	st.ActiveSince = parseTimestamp(props, "ActiveEnterTimestamp")
	if st.Active == "active" && !st.ActiveSince.IsZero() {
		st.Uptime = now.Sub(st.ActiveSince)
	}
	return st
}

func parseTimestamp(props map[string]any, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		// systemd timestamps are in microseconds since the Unix epoch
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func getStringProperty(props map[string]any, key string) (string, bool) {
	if val, ok := props[key].(string); ok {
		return val, true
	}
	return "", false
}
