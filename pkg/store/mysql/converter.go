package mysql

import (
	"atelier/internal/model"
)

// ToJobDomain converts a MySQL Job row to the domain job model
func ToJobDomain(row *Job) *model.GenerationJob {
	if row == nil {
		return nil
	}

	return &model.GenerationJob{
		ID:               row.JobID,
		ProductID:        row.ProductID,
		Materials:        []string(row.Materials),
		Priority:         model.Priority(row.Priority),
		Status:           model.JobStatus(row.Status),
		MaterialProgress: map[string]int(row.MaterialProgress),
		Progress:         row.Progress,
		RetryCount:       row.RetryCount,
		Errors:           []string(row.Errors),
		WebhookURL:       row.WebhookURL,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
		StartedAt:        row.StartedAt,
		CompletedAt:      row.CompletedAt,
	}
}

// FromJobDomain converts the domain job model to a MySQL Job row
func FromJobDomain(job *model.GenerationJob) *Job {
	if job == nil {
		return nil
	}

	return &Job{
		JobID:            job.ID,
		ProductID:        job.ProductID,
		Materials:        JSONStringArray(job.Materials),
		Priority:         string(job.Priority),
		Status:           string(job.Status),
		MaterialProgress: JSONIntMap(job.MaterialProgress),
		Progress:         job.Progress,
		RetryCount:       job.RetryCount,
		Errors:           JSONStringArray(job.Errors),
		WebhookURL:       job.WebhookURL,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
		StartedAt:        job.StartedAt,
		CompletedAt:      job.CompletedAt,
	}
}
