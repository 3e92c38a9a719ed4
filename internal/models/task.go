package models

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task status constants
const (
	StatusActive  = "ACTIVE"
	StatusDeleted = "DELETED"
)

// DefaultColor is assigned to tasks that arrive without one
const DefaultColor = "#4CAF50"

// Task represents a single calendar task. Timestamps are kept as ISO-8601
// strings because that is the wire format; UpdatedAt is the sole tie-breaker
// for conflicting edits.
type Task struct {
	ID           string `json:"id"`
	Description  string `json:"description"`
	Time         string `json:"time,omitempty" doc:"Optional HH:MM time of day"`
	Color        string `json:"color,omitempty"`
	ProfileName  string `json:"profile_name,omitempty"`
	Status       string `json:"status,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
	Alarm        bool   `json:"alarm,omitempty"`
	AlarmTime    string `json:"alarm_time,omitempty"`
	Acknowledged bool   `json:"acknowledged,omitempty"`
	Date         string `json:"date,omitempty" doc:"Date bucket, set on wire messages"`
	OldDate      string `json:"old_date,omitempty" doc:"Previous date bucket for move operations"`
}

// Deleted reports whether the task is a tombstone.
func (t *Task) Deleted() bool {
	return t.Status == StatusDeleted
}

// TaskMap groups tasks by their calendar date string (YYYY-MM-DD).
type TaskMap map[string][]Task

// Clone returns a deep copy of the map.
func (m TaskMap) Clone() TaskMap {
	out := make(TaskMap, len(m))
	for date, list := range m {
		copied := make([]Task, len(list))
		copy(copied, list)
		out[date] = copied
	}
	return out
}

// Live returns a copy containing only non-tombstone tasks, dropping date
// buckets that end up empty.
func (m TaskMap) Live() TaskMap {
	out := make(TaskMap)
	for date, list := range m {
		var live []Task
		for _, t := range list {
			if !t.Deleted() {
				live = append(live, t)
			}
		}
		if len(live) > 0 {
			out[date] = live
		}
	}
	return out
}

// Count returns the total number of tasks across all date buckets.
func (m TaskMap) Count() int {
	n := 0
	for _, list := range m {
		n += len(list)
	}
	return n
}

// CleanRemote fills in the fields a remote task is allowed to omit, matching
// the defaults applied when importing records from other instances. It never
// overwrites fields that are present.
func CleanRemote(t Task) Task {
	now := time.Now().Format(time.RFC3339Nano)

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Description == "" {
		t.Description = "No description"
	}
	if t.Color == "" {
		t.Color = DefaultColor
	}
	if t.ProfileName == "" {
		t.ProfileName = "Unknown"
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	if t.CreatedAt == "" {
		t.CreatedAt = now
	}
	if t.UpdatedAt == "" {
		t.UpdatedAt = now
	}
	return t
}

// LegacyID derives an identifier from the task description for records that
// predate ID assignment. It is a compatibility shim for imported data only:
// collisions are possible and the result is not authoritative.
func LegacyID(description string) string {
	sum := md5.Sum([]byte(description))
	return hex.EncodeToString(sum[:])[:8]
}

// timestampLayouts covers the ISO-8601 shapes peers actually send.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses an ISO-8601 timestamp and normalizes it for
// comparison by discarding any zone offset: only the wall-clock fields
// matter, so two peers in different zones compare the same way the sending
// instance intended.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// PendingAlarmCount returns the number of live tasks whose alarm is due and
// not yet acknowledged. This drives the badge counter shown by the
// presentation layer.
func PendingAlarmCount(tasks TaskMap, now time.Time) int {
	ref := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), now.Second(), now.Nanosecond(), time.UTC)
	count := 0
	for _, list := range tasks {
		for _, t := range list {
			if t.Deleted() || !t.Alarm || t.Acknowledged || t.AlarmTime == "" {
				continue
			}
			at, err := ParseTimestamp(t.AlarmTime)
			if err != nil {
				continue
			}
			if !at.After(ref) {
				count++
			}
		}
	}
	return count
}
