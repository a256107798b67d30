package ops

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"alarmd/internal/alarm"
	"alarmd/internal/timecalc"
	logx "alarmd/pkg/logx"
)

const maxPatchBytes = 64 << 10

// getAlarm returns the stored record as persisted, auxiliary keys included.
func (s *Service) getAlarm(w http.ResponseWriter, r *http.Request) {
	rec := s.deps.Record(r.Context())
	if rec.LoadError != "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": rec.LoadError})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// patchAlarm merges a JSON object into the stored record. Only the keys
// present in the body change; the scheduler picks the result up through
// the store's change listeners.
func (s *Service) patchAlarm(w http.ResponseWriter, r *http.Request) {
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPatchBytes))
	if err := dec.Decode(&fields); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be a JSON object"})
		return
	}
	if len(fields) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no fields to update"})
		return
	}
	if err := checkPatch(fields); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	rec, err := s.deps.Update(r.Context(), fields)
	if err != nil {
		s.log.Warn("alarm update failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// checkPatch rejects values the scheduler could never act on.
func checkPatch(fields map[string]json.RawMessage) error {
	if raw, ok := fields[alarm.KeyTime]; ok {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("%s: must be a string", alarm.KeyTime)
		}
		if _, err := timecalc.ParseTimeOfDay(v); err != nil {
			return fmt.Errorf("%s: %w", alarm.KeyTime, err)
		}
	}
	if raw, ok := fields[alarm.KeyWeekdays]; ok {
		var days []int
		if err := json.Unmarshal(raw, &days); err != nil {
			return fmt.Errorf("%s: must be a list of integers", alarm.KeyWeekdays)
		}
		for _, d := range days {
			if d < 0 || d > 6 {
				return fmt.Errorf("%s: %d out of range 0 (Monday) to 6 (Sunday)", alarm.KeyWeekdays, d)
			}
		}
	}
	if raw, ok := fields[alarm.KeyEnabled]; ok {
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return errors.New(alarm.KeyEnabled + ": must be a boolean")
		}
	}
	return nil
}
