package notify

import (
	"fmt"
	"strings"
	"time"

	"alarmd/internal/eventbus"
	"alarmd/internal/scheduler"
)

// Event names accepted in the events filter.
const (
	EventArmed         = "armed"
	EventFired         = "fired"
	EventAttemptFailed = "attempt_failed"
	EventMissed        = "missed"
)

func eventName(typ string) string {
	return strings.TrimPrefix(typ, "alarm.")
}

// formatEvent renders an alarm event. ok is false for events that are not
// alarm events.
func formatEvent(e eventbus.Event, loc *time.Location) (text string, ok bool) {
	data, isData := e.Data.(scheduler.EventData)
	if !isData {
		return "", false
	}
	if loc == nil {
		loc = time.Local
	}
	at := data.Instant.In(loc).Format("Mon 15:04")

	switch e.Type {
	case eventbus.AlarmArmed:
		return fmt.Sprintf("⏰ Alarm armed for %s", at), true
	case eventbus.AlarmFired:
		msg := fmt.Sprintf("🔔 Alarm fired (%s)", at)
		if data.Attempt > 1 {
			msg += fmt.Sprintf(" after %d attempts", data.Attempt)
		}
		return msg, true
	case eventbus.AlarmAttemptFailed:
		return fmt.Sprintf("⚠️ Alarm attempt %d for %s failed: %s\n%s",
			data.Attempt, at, data.Outcome, data.Readiness), true
	case eventbus.AlarmMissed:
		return fmt.Sprintf("🚨 Alarm for %s missed after %d attempts\n%s",
			at, data.Attempt, data.Readiness), true
	default:
		return "", false
	}
}
