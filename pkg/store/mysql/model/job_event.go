package model

import "time"

// JobEvent MySQL model for the job_events timeline table. EventType carries
// the orchestrator's lifecycle event name (submitted, admitted, denied,
// started, material_completed, retry, finished, cancelled).
type JobEvent struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID    string    `gorm:"column:event_id;type:varchar(255);not null;uniqueIndex:idx_event_id_unique" json:"event_id"`
	JobID      string    `gorm:"column:job_id;type:varchar(255);not null;index:idx_job_id_event_time,priority:1" json:"job_id"`
	EventType  string    `gorm:"column:event_type;type:varchar(50);not null;index:idx_event_type" json:"event_type"`
	EventTime  time.Time `gorm:"column:event_time;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3);index:idx_job_id_event_time,priority:2;index:idx_event_time" json:"event_time"`
	Material   string    `gorm:"column:material;type:varchar(255)" json:"material"`
	Message    string    `gorm:"column:message;type:text" json:"message"`
	FromStatus string    `gorm:"column:from_status;type:varchar(50)" json:"from_status"`
	ToStatus   string    `gorm:"column:to_status;type:varchar(50)" json:"to_status"`
}

// TableName specifies the table name for JobEvent
func (JobEvent) TableName() string {
	return "job_events"
}
