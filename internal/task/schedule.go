package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Schedule is a pure function from an instant to the next firing instant
// strictly after it, interpreted in the given location. Representing it as
// an interface (rather than a class hierarchy) lets a caller supply either
// the built-in RegularSchedule or a custom callback-backed implementation.
type Schedule interface {
	NextAfter(after time.Time, loc *time.Location) time.Time
}

// RegularSchedule fires at every wall-clock instant whose local-time
// components all fall in the configured sets. A nil/empty set for a field
// means "any" for that field. Resolution is one second.
type RegularSchedule struct {
	Seconds  map[int]bool
	Minutes  map[int]bool
	Hours    map[int]bool
	Weekdays map[int]bool // 0=Sunday .. 6=Saturday
}

func (r RegularSchedule) matches(set map[int]bool, v int) bool {
	if len(set) == 0 {
		return true
	}
	return set[v]
}

// NextAfter returns the next instant strictly after `after`, scanning
// second by second. A schedule with no configured fields fires every
// second. Callers needing recurrence further than a day or two out should
// prefer a coarser-grained set (e.g. just Minutes+Hours) since this does a
// linear scan bounded by one week.
func (r RegularSchedule) NextAfter(after time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := after.In(loc).Truncate(time.Second).Add(time.Second)
	const maxScan = 7 * 24 * 60 * 60 // one week of seconds, well past any real max_backfill
	for i := 0; i < maxScan; i++ {
		if r.matches(r.Seconds, t.Second()) &&
			r.matches(r.Minutes, t.Minute()) &&
			r.matches(r.Hours, t.Hour()) &&
			r.matches(r.Weekdays, int(t.Weekday())) {
			return t
		}
		t = t.Add(time.Second)
	}
	// Unreachable for any non-contradictory set of fields.
	return t
}

// regularScheduleBlob is the JSON-on-disk shape for a RegularSchedule,
// persisted as schedule_entries.schedule_blob by the sqlite backend.
type regularScheduleBlob struct {
	Seconds  []int `json:"seconds,omitempty"`
	Minutes  []int `json:"minutes,omitempty"`
	Hours    []int `json:"hours,omitempty"`
	Weekdays []int `json:"weekdays,omitempty"`
}

// MarshalScheduleBlob encodes a Schedule for persistence. Only
// RegularSchedule can be persisted across a restart; a custom
// callback-backed Schedule has no serializable form and returns an error.
func MarshalScheduleBlob(s Schedule) ([]byte, error) {
	reg, ok := s.(RegularSchedule)
	if !ok {
		return nil, fmt.Errorf("taskkit: schedule of type %T has no persistable form", s)
	}
	return json.Marshal(regularScheduleBlob{
		Seconds:  setToSlice(reg.Seconds),
		Minutes:  setToSlice(reg.Minutes),
		Hours:    setToSlice(reg.Hours),
		Weekdays: setToSlice(reg.Weekdays),
	})
}

// UnmarshalScheduleBlob is the inverse of MarshalScheduleBlob.
func UnmarshalScheduleBlob(data []byte) (Schedule, error) {
	var blob regularScheduleBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("unmarshal schedule blob: %w", err)
	}
	return RegularSchedule{
		Seconds:  sliceToSet(blob.Seconds),
		Minutes:  sliceToSet(blob.Minutes),
		Hours:    sliceToSet(blob.Hours),
		Weekdays: sliceToSet(blob.Weekdays),
	}, nil
}

func setToSlice(s map[int]bool) []int {
	if len(s) == 0 {
		return nil
	}
	out := make([]int, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	return out
}

func sliceToSet(s []int) map[int]bool {
	if len(s) == 0 {
		return nil
	}
	out := make(map[int]bool, len(s))
	for _, v := range s {
		out[v] = true
	}
	return out
}
