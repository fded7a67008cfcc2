package service

import (
	"context"
	"fmt"
	"time"

	"atelier/internal/model"
	"atelier/internal/orchestrator"
	"atelier/pkg/logger"
	"atelier/pkg/notification"
	"atelier/pkg/store/mysql"
)

// GenerationService fronts the orchestrator for the HTTP layer and mirrors
// job state into the MySQL audit store. It is also the orchestrator's event
// sink: every lifecycle event becomes an audit row, and terminal transitions
// trigger the completion webhook.
type GenerationService struct {
	orch     *orchestrator.Orchestrator
	repo     *mysql.Repository // nil when persistence is disabled
	notifier *notification.JobNotifier
}

// NewGenerationService creates a new generation service. Pass a nil repo to
// run without the audit store.
func NewGenerationService(orch *orchestrator.Orchestrator, repo *mysql.Repository, notifier *notification.JobNotifier) *GenerationService {
	return &GenerationService{
		orch:     orch,
		repo:     repo,
		notifier: notifier,
	}
}

// SubmitGeneration validates and enqueues a generation job. A denied
// admission is reported in the response, not as an error.
func (s *GenerationService) SubmitGeneration(ctx context.Context, req *model.SubmitGenerationRequest) (*model.SubmitGenerationResponse, error) {
	return s.orch.Submit(ctx, req)
}

// GetJobStatus returns the current snapshot of a job. Jobs already purged
// from memory are served from the audit store when one is configured.
func (s *GenerationService) GetJobStatus(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	job, estimate, err := s.orch.Get(jobID)
	if err == orchestrator.ErrJobNotFound && s.repo != nil {
		row, repoErr := s.repo.Job.Get(ctx, jobID)
		if repoErr != nil {
			return nil, fmt.Errorf("failed to load job from audit store: %w", repoErr)
		}
		if row == nil {
			return nil, orchestrator.ErrJobNotFound
		}
		job = mysql.ToJobDomain(row)
		estimate = nil
	} else if err != nil {
		return nil, err
	}

	return statusResponse(job, estimate), nil
}

// CancelJob cancels a job in any non-terminal state.
func (s *GenerationService) CancelJob(ctx context.Context, jobID string) (*model.CancelJobResponse, error) {
	job, err := s.orch.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &model.CancelJobResponse{
		JobID:  job.ID,
		Status: job.Status,
	}, nil
}

// ListJobs lists live jobs filtered by status and product. When the live set
// is empty and an audit store is configured, the query falls through to it so
// historical jobs stay visible after a restart or purge.
func (s *GenerationService) ListJobs(ctx context.Context, status model.JobStatus, productID string, limit int) ([]*model.GenerationJob, error) {
	jobs := s.orch.List(status, productID, limit)
	if len(jobs) > 0 || s.repo == nil {
		return jobs, nil
	}

	rows, err := s.repo.Job.List(ctx, string(status), productID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs from audit store: %w", err)
	}
	for _, row := range rows {
		jobs = append(jobs, mysql.ToJobDomain(row))
	}
	return jobs, nil
}

// JobTimelineEvent is one audit entry in a job's history.
type JobTimelineEvent struct {
	Type     string    `json:"type"`
	Material string    `json:"material,omitempty"`
	Message  string    `json:"message,omitempty"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to,omitempty"`
	At       time.Time `json:"at"`
}

// JobTimeline returns the audit history of a job in chronological order.
// Requires the audit store.
func (s *GenerationService) JobTimeline(ctx context.Context, jobID string) ([]JobTimelineEvent, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit store not configured")
	}

	rows, err := s.repo.JobEvent.GetJobEvents(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job events: %w", err)
	}

	events := make([]JobTimelineEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, JobTimelineEvent{
			Type:     row.EventType,
			Material: row.Material,
			Message:  row.Message,
			From:     row.FromStatus,
			To:       row.ToStatus,
			At:       row.EventTime,
		})
	}
	return events, nil
}

// SubscribeProgress attaches a progress listener to a job. The returned
// cancel function must be called when the listener goes away.
func (s *GenerationService) SubscribeProgress(jobID string) (<-chan model.ProgressUpdate, func(), error) {
	return s.orch.Subscribe(jobID)
}

// RecordJobEvent implements orchestrator.EventSink. Called on a background
// goroutine for every lifecycle event.
func (s *GenerationService) RecordJobEvent(ctx context.Context, evt orchestrator.JobEvent) {
	if s.repo != nil {
		row := &mysql.JobEvent{
			JobID:      evt.JobID,
			EventType:  string(evt.Type),
			EventTime:  evt.At,
			Material:   evt.Material,
			Message:    evt.Message,
			FromStatus: string(evt.From),
			ToStatus:   string(evt.To),
		}
		if err := s.repo.JobEvent.RecordEvent(ctx, row); err != nil {
			logger.ErrorCtx(ctx, "failed to record job event, job_id: %s, type: %s, error: %v", evt.JobID, evt.Type, err)
		}
	}

	switch evt.Type {
	case orchestrator.EventSubmitted, orchestrator.EventFinished, orchestrator.EventCancelled:
	default:
		return
	}

	job, _, err := s.orch.Get(evt.JobID)
	if err != nil {
		return
	}

	if s.repo != nil {
		if err := s.repo.Job.Upsert(ctx, mysql.FromJobDomain(job)); err != nil {
			logger.ErrorCtx(ctx, "failed to mirror job to audit store, job_id: %s, error: %v", job.ID, err)
		}
	}

	if job.Status.Terminal() && s.notifier != nil {
		if err := s.notifier.NotifyJobTerminal(ctx, job); err != nil {
			logger.WarnCtx(ctx, "completion webhook failed, job_id: %s, error: %v", job.ID, err)
		}
	}
}

func statusResponse(job *model.GenerationJob, estimate *time.Time) *model.JobStatusResponse {
	return &model.JobStatusResponse{
		JobID:               job.ID,
		Status:              job.Status,
		Progress:            job.Progress,
		CurrentMaterial:     job.CurrentMaterial,
		MaterialProgress:    job.MaterialProgress,
		RetryCount:          job.RetryCount,
		Errors:              job.Errors,
		EstimatedCompletion: estimate,
		CreatedAt:           job.CreatedAt,
		StartedAt:           job.StartedAt,
		CompletedAt:         job.CompletedAt,
	}
}
