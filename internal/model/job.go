package model

import (
	"encoding/json"
	"time"
)

// JobStatus generation job status
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"   // Waiting for admission
	JobStatusAdmitted  JobStatus = "admitted"  // Queued for a worker
	JobStatusRunning   JobStatus = "running"   // Worker is rendering materials
	JobStatusPartial   JobStatus = "partial"   // Some materials succeeded, at least one did not
	JobStatusCompleted JobStatus = "completed" // Every material succeeded
	JobStatusFailed    JobStatus = "failed"    // No material succeeded
	JobStatusCancelled JobStatus = "cancelled" // Cancelled by the caller
)

// Terminal reports whether the status is final. Terminal jobs are never
// mutated again and are only removed by the retention purge.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusPartial, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Priority job priority class, also used as the cache preload tier
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority class.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Rank returns the scheduling rank of the class. Lower rank dequeues first,
// so high is 0 and low is 2. Unknown classes rank after low.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

// GenerationJob is one request to render asset bundles for a set of
// materials of a product. The orchestrator owns the live instance;
// callers only ever see copies.
type GenerationJob struct {
	ID               string         `json:"id"`
	ProductID        string         `json:"product_id"`
	Materials        []string       `json:"materials"`
	Priority         Priority       `json:"priority"`
	Status           JobStatus      `json:"status"`
	MaterialProgress map[string]int `json:"material_progress"` // material -> 0..100
	Progress         int            `json:"progress"`          // derived, see ComputeProgress
	CurrentMaterial  string         `json:"current_material,omitempty"`
	RetryCount       int            `json:"retry_count"`
	Errors           []string       `json:"errors,omitempty"`
	WebhookURL       string         `json:"webhook_url,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// ComputeProgress derives the overall percentage from per-material progress.
// Every requested material contributes equally; materials that have not
// started yet count as zero.
func (j *GenerationJob) ComputeProgress() int {
	if len(j.Materials) == 0 {
		return 0
	}
	total := 0
	for _, m := range j.Materials {
		total += j.MaterialProgress[m]
	}
	return total / len(j.Materials)
}

// Clone returns a deep copy safe to hand to callers while the orchestrator
// keeps mutating the original.
func (j *GenerationJob) Clone() *GenerationJob {
	c := *j
	c.Materials = append([]string(nil), j.Materials...)
	c.Errors = append([]string(nil), j.Errors...)
	c.MaterialProgress = make(map[string]int, len(j.MaterialProgress))
	for k, v := range j.MaterialProgress {
		c.MaterialProgress[k] = v
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// ToJSON converts the job to JSON bytes.
func (j *GenerationJob) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

// FromJSON converts JSON bytes to a job.
func (j *GenerationJob) FromJSON(data []byte) error {
	return json.Unmarshal(data, j)
}

// SubmitGenerationRequest submit generation request
type SubmitGenerationRequest struct {
	ProductID  string   `json:"product_id" binding:"required"`
	Materials  []string `json:"materials" binding:"required,min=1"`
	Priority   Priority `json:"priority,omitempty"` // defaults to medium
	WebhookURL string   `json:"webhook,omitempty"`
}

// SubmitGenerationResponse submit generation response. A denied submission
// is not an error: Admitted is false and Reason carries the throttle cause,
// while the job stays pending for a later admission pass.
type SubmitGenerationResponse struct {
	JobID               string     `json:"job_id"`
	Status              JobStatus  `json:"status"`
	Progress            int        `json:"progress"`
	Admitted            bool       `json:"admitted"`
	Reason              string     `json:"reason,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// JobStatusResponse job status response, safe to poll
type JobStatusResponse struct {
	JobID               string         `json:"job_id"`
	Status              JobStatus      `json:"status"`
	Progress            int            `json:"progress"`
	CurrentMaterial     string         `json:"current_material,omitempty"`
	MaterialProgress    map[string]int `json:"material_progress"`
	RetryCount          int            `json:"retry_count"`
	Errors              []string       `json:"errors,omitempty"`
	EstimatedCompletion *time.Time     `json:"estimated_completion,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
}

// CancelJobResponse cancel job response
type CancelJobResponse struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}

// ProgressUpdate is pushed to websocket subscribers after every progress
// change until the job reaches a terminal status.
type ProgressUpdate struct {
	JobID           string    `json:"job_id"`
	Status          JobStatus `json:"status"`
	Progress        int       `json:"progress"`
	CurrentMaterial string    `json:"current_material,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}
