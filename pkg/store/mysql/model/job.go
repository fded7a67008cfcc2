package model

import "time"

// Job MySQL model for the generation_jobs audit table. Rows mirror the
// in-memory job record; the orchestrator remains the source of truth while
// a job is live.
type Job struct {
	ID               int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID            string          `gorm:"column:job_id;type:varchar(255);not null;uniqueIndex:idx_job_id_unique" json:"job_id"`
	ProductID        string          `gorm:"column:product_id;type:varchar(255);not null;index:idx_product_status,priority:1" json:"product_id"`
	Materials        JSONStringArray `gorm:"column:materials;type:json;not null" json:"materials"`
	Priority         string          `gorm:"column:priority;type:varchar(20);not null" json:"priority"`
	Status           string          `gorm:"column:status;type:varchar(50);not null;index:idx_status;index:idx_product_status,priority:2" json:"status"`
	MaterialProgress JSONIntMap      `gorm:"column:material_progress;type:json" json:"material_progress"`
	Progress         int             `gorm:"column:progress;type:int;default:0" json:"progress"`
	RetryCount       int             `gorm:"column:retry_count;type:int;default:0" json:"retry_count"`
	Errors           JSONStringArray `gorm:"column:errors;type:json" json:"errors"`
	WebhookURL       string          `gorm:"column:webhook_url;type:varchar(1000)" json:"webhook_url"`
	CreatedAt        time.Time       `gorm:"column:created_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3);index:idx_created_at" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3)" json:"updated_at"`
	StartedAt        *time.Time      `gorm:"column:started_at;type:datetime(3)" json:"started_at"`
	CompletedAt      *time.Time      `gorm:"column:completed_at;type:datetime(3);index:idx_completed_at" json:"completed_at"`
}

// TableName specifies the table name for Job
func (Job) TableName() string {
	return "generation_jobs"
}
