package models

// TaskPatch carries a partial edit to an existing task. Nil fields are left
// untouched.
type TaskPatch struct {
	Description  *string `json:"description,omitempty" doc:"New description"`
	Time         *string `json:"time,omitempty" doc:"New HH:MM time of day"`
	Color        *string `json:"color,omitempty" doc:"New display color"`
	Alarm        *bool   `json:"alarm,omitempty" doc:"Enable or disable the alarm"`
	AlarmTime    *string `json:"alarm_time,omitempty" doc:"New absolute alarm timestamp"`
	Acknowledged *bool   `json:"acknowledged,omitempty" doc:"Mark the alarm acknowledged"`
}

// Apply copies the non-nil fields onto the task.
func (p TaskPatch) Apply(t *Task) {
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Time != nil {
		t.Time = *p.Time
	}
	if p.Color != nil {
		t.Color = *p.Color
	}
	if p.Alarm != nil {
		t.Alarm = *p.Alarm
	}
	if p.AlarmTime != nil {
		t.AlarmTime = *p.AlarmTime
	}
	if p.Acknowledged != nil {
		t.Acknowledged = *p.Acknowledged
	}
}
