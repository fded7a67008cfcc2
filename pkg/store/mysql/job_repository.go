package mysql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobRepository handles generation job audit rows
type JobRepository struct {
	ds *Datastore
}

// NewJobRepository creates a new job repository
func NewJobRepository(ds *Datastore) *JobRepository {
	return &JobRepository{ds: ds}
}

// Upsert writes the job snapshot, replacing a previous row for the same
// job_id. Audit writes repeat (submit, progress, terminal), so the insert
// must be idempotent.
func (r *JobRepository) Upsert(ctx context.Context, job *Job) error {
	return r.ds.DB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "material_progress", "progress", "retry_count",
			"errors", "updated_at", "started_at", "completed_at",
		}),
	}).Create(job).Error
}

// Get retrieves a job row by job id. Missing rows return nil, nil.
func (r *JobRepository) Get(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	err := r.ds.DB(ctx).Where("job_id = ?", jobID).First(&job).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// List retrieves job rows filtered by status and product, newest first.
func (r *JobRepository) List(ctx context.Context, status, productID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}

	q := r.ds.DB(ctx).Model(&Job{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if productID != "" {
		q = q.Where("product_id = ?", productID)
	}

	var jobs []*Job
	err := q.Order("created_at DESC").Limit(limit).Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// UpdateFields updates specific fields of a job by job_id
func (r *JobRepository) UpdateFields(ctx context.Context, jobID string, updates map[string]interface{}) error {
	return r.ds.DB(ctx).Model(&Job{}).
		Where("job_id = ?", jobID).
		Updates(updates).Error
}

// CountByStatus returns row counts per status value.
func (r *JobRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}

	var counts []statusCount
	err := r.ds.DB(ctx).Model(&Job{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}

	result := make(map[string]int64, len(counts))
	for _, c := range counts {
		result[c.Status] = c.Count
	}
	return result, nil
}

// DeleteOld deletes completed job rows older than the retention window.
// Rows without a completion time are never touched.
func (r *JobRepository) DeleteOld(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	result := r.ds.DB(ctx).
		Where("completed_at IS NOT NULL AND completed_at < ?", cutoff).
		Delete(&Job{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
