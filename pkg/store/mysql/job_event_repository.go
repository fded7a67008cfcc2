package mysql

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobEventRepository handles job lifecycle event rows
type JobEventRepository struct {
	ds *Datastore
}

// NewJobEventRepository creates a new job event repository
func NewJobEventRepository(ds *Datastore) *JobEventRepository {
	return &JobEventRepository{ds: ds}
}

// RecordEvent creates a new job event row
func (r *JobEventRepository) RecordEvent(ctx context.Context, event *JobEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.EventTime.IsZero() {
		event.EventTime = time.Now()
	}
	return r.ds.DB(ctx).Create(event).Error
}

// GetJobEvents retrieves the timeline for one job, oldest first.
func (r *JobEventRepository) GetJobEvents(ctx context.Context, jobID string) ([]*JobEvent, error) {
	var events []*JobEvent
	err := r.ds.DB(ctx).
		Where("job_id = ?", jobID).
		Order("event_time ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get job events: %w", err)
	}
	return events, nil
}

// GetRecentEvents retrieves recent events across all jobs, newest first.
func (r *JobEventRepository) GetRecentEvents(ctx context.Context, limit int) ([]*JobEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	var events []*JobEvent
	err := r.ds.DB(ctx).
		Order("event_time DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get recent events: %w", err)
	}
	return events, nil
}

// GetEventsByType retrieves events of one lifecycle type, newest first.
func (r *JobEventRepository) GetEventsByType(ctx context.Context, eventType string, limit int) ([]*JobEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	var events []*JobEvent
	err := r.ds.DB(ctx).
		Where("event_type = ?", eventType).
		Order("event_time DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get events by type: %w", err)
	}
	return events, nil
}

// DeleteOldEvents deletes events older than the retention window.
func (r *JobEventRepository) DeleteOldEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	result := r.ds.DB(ctx).
		Where("event_time < ?", cutoff).
		Delete(&JobEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
