// Package orchestrator owns the generation job lifecycle: admission against
// resource and breaker gates, the priority queue, the worker pool that renders
// materials, and the progress fanout. It is the single writer of job state;
// callers only ever receive copies.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"atelier/internal/model"
	"atelier/pkg/breaker"
	"atelier/pkg/config"
	"atelier/pkg/logger"
	"atelier/pkg/matcache"
	"atelier/pkg/monitor"
	"atelier/pkg/render"

	"github.com/google/uuid"
)

// BreakerClass is the operation class guarding the render pipeline.
const BreakerClass = "asset-generation"

var (
	// ErrJobNotFound is returned for unknown or already purged job ids.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobTerminal is returned when an operation needs a live job but the
	// job already reached a final status.
	ErrJobTerminal = errors.New("job already finished")
)

// ResourceMonitor is the view of the resource sampler the admission gate
// needs.
type ResourceMonitor interface {
	Snapshot() monitor.Snapshot
}

// EventType labels one job lifecycle event.
type EventType string

const (
	EventSubmitted         EventType = "submitted"
	EventAdmitted          EventType = "admitted"
	EventDenied            EventType = "denied"
	EventStarted           EventType = "started"
	EventMaterialCompleted EventType = "material_completed"
	EventRetry             EventType = "retry"
	EventFinished          EventType = "finished"
	EventCancelled         EventType = "cancelled"
)

// JobEvent is one entry of a job's timeline.
type JobEvent struct {
	JobID    string          `json:"job_id"`
	Type     EventType       `json:"type"`
	Material string          `json:"material,omitempty"`
	Message  string          `json:"message,omitempty"`
	From     model.JobStatus `json:"from,omitempty"`
	To       model.JobStatus `json:"to,omitempty"`
	At       time.Time       `json:"at"`
}

// EventSink receives job lifecycle events. Dispatch is asynchronous and
// unordered; sinks that need a timeline order by the event timestamp.
type EventSink interface {
	RecordJobEvent(ctx context.Context, evt JobEvent)
}

// Metrics aggregates pipeline counters for the metrics endpoint.
type Metrics struct {
	TotalJobs     int64 `json:"total_jobs"`
	PendingJobs   int   `json:"pending_jobs"`
	QueuedJobs    int   `json:"queued_jobs"`
	ActiveJobs    int   `json:"active_jobs"`
	CompletedJobs int64 `json:"completed_jobs"`
	PartialJobs   int64 `json:"partial_jobs"`
	FailedJobs    int64 `json:"failed_jobs"`
	CancelledJobs int64 `json:"cancelled_jobs"`
	RetryCount    int64 `json:"retry_count"`
	AverageJobMS  int64 `json:"average_job_ms"`
}

// Orchestrator coordinates admission, queueing and execution.
type Orchestrator struct {
	execCfg  config.ExecutorConfig
	queueCfg config.QueueConfig

	monitor  ResourceMonitor
	breakers *breaker.Registry
	cache    *matcache.Cache
	renderer render.Renderer

	mu      sync.Mutex
	jobs    map[string]*model.GenerationJob
	pending []string    // denied submissions in arrival order
	ready   [3][]string // admitted job ids, one FIFO list per priority rank
	trials  map[string]bool
	subs    map[string][]chan model.ProgressUpdate
	notify  chan struct{} // closed and replaced to wake idle workers

	totalSubmitted int64
	totalCompleted int64
	totalPartial   int64
	totalFailed    int64
	totalCancelled int64
	totalRetries   int64
	durTotalMS     int64
	durCount       int64

	sink  EventSink
	sleep func(ctx context.Context, d time.Duration) error

	runCtx  context.Context
	runStop context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates an orchestrator. The renderer and cache are required; the
// monitor may be nil in which case admission only consults the breaker.
func New(execCfg config.ExecutorConfig, queueCfg config.QueueConfig, mon ResourceMonitor, breakers *breaker.Registry, cache *matcache.Cache, renderer render.Renderer) *Orchestrator {
	def := config.DefaultExecutorConfig()
	if execCfg.MaxRetries < 0 {
		execCfg.MaxRetries = def.MaxRetries
	}
	if execCfg.BackoffBase <= 0 {
		execCfg.BackoffBase = def.BackoffBase
	}
	if execCfg.MaterialTimeout <= 0 {
		execCfg.MaterialTimeout = def.MaterialTimeout
	}
	if queueCfg.ReadmitInterval <= 0 {
		queueCfg.ReadmitInterval = config.DefaultQueueConfig().ReadmitInterval
	}

	return &Orchestrator{
		execCfg:  execCfg,
		queueCfg: queueCfg,
		monitor:  mon,
		breakers: breakers,
		cache:    cache,
		renderer: renderer,
		jobs:     make(map[string]*model.GenerationJob),
		trials:   make(map[string]bool),
		subs:     make(map[string][]chan model.ProgressUpdate),
		notify:   make(chan struct{}),
		sleep:    sleepCtx,
	}
}

// SetEventSink attaches the audit sink. Must be called before Start.
func (o *Orchestrator) SetEventSink(sink EventSink) {
	o.sink = sink
}

// Submit validates the request, creates the job and runs admission once.
// A denied job stays pending and is retried by the readmission loop; the
// response then carries the throttle reason instead of an error.
func (o *Orchestrator) Submit(ctx context.Context, req *model.SubmitGenerationRequest) (*model.SubmitGenerationResponse, error) {
	if req.ProductID == "" {
		return nil, fmt.Errorf("product_id is required")
	}
	if len(req.Materials) == 0 {
		return nil, fmt.Errorf("materials must not be empty")
	}
	seen := make(map[string]bool, len(req.Materials))
	for _, m := range req.Materials {
		if m == "" {
			return nil, fmt.Errorf("material ids must not be empty")
		}
		if seen[m] {
			return nil, fmt.Errorf("duplicate material: %s", m)
		}
		seen[m] = true
	}
	priority := req.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("invalid priority class: %s", req.Priority)
	}

	now := time.Now()
	job := &model.GenerationJob{
		ID:               uuid.New().String(),
		ProductID:        req.ProductID,
		Materials:        append([]string(nil), req.Materials...),
		Priority:         priority,
		Status:           model.JobStatusPending,
		MaterialProgress: make(map[string]int, len(req.Materials)),
		WebhookURL:       req.WebhookURL,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	o.mu.Lock()
	o.jobs[job.ID] = job
	o.totalSubmitted++
	o.emitLocked(job, EventSubmitted, "", "", job.Status, job.Status)

	reason, admitted := o.admitLocked(job)
	if !admitted {
		o.pending = append(o.pending, job.ID)
		o.emitLocked(job, EventDenied, "", reason, job.Status, job.Status)
	}

	resp := &model.SubmitGenerationResponse{
		JobID:               job.ID,
		Status:              job.Status,
		Progress:            job.Progress,
		Admitted:            admitted,
		Reason:              reason,
		EstimatedCompletion: o.estimateLocked(job),
	}
	o.mu.Unlock()

	logger.InfoCtx(ctx, "generation job submitted, job_id: %s, product_id: %s, materials: %d, priority: %s, admitted: %v",
		job.ID, job.ProductID, len(job.Materials), job.Priority, admitted)

	return resp, nil
}

// Get returns a copy of the job and its estimated completion time.
func (o *Orchestrator) Get(jobID string) (*model.GenerationJob, *time.Time, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.jobs[jobID]
	if !ok {
		return nil, nil, ErrJobNotFound
	}
	return job.Clone(), o.estimateLocked(job), nil
}

// Cancel moves a live job to cancelled. Pending and queued jobs finish
// immediately; a running job's worker stops cooperatively after the
// in-flight material, whose result still lands in the cache.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	o.mu.Lock()

	job, ok := o.jobs[jobID]
	if !ok {
		o.mu.Unlock()
		return nil, ErrJobNotFound
	}
	if job.Status.Terminal() {
		o.mu.Unlock()
		return nil, ErrJobTerminal
	}

	prev := job.Status
	if prev == model.JobStatusPending {
		o.removePendingLocked(jobID)
	}
	if prev == model.JobStatusAdmitted && o.trials[jobID] {
		// The queued trial never ran, give the slot back
		o.breakers.Get(BreakerClass).ReleaseTrial()
		delete(o.trials, jobID)
	}
	o.finalizeLocked(job, model.JobStatusCancelled)
	clone := job.Clone()
	o.mu.Unlock()

	logger.InfoCtx(ctx, "generation job cancelled, job_id: %s, previous_status: %s", jobID, prev)
	return clone, nil
}

// List returns job copies filtered by status and product, newest first.
// A zero limit returns everything retained.
func (o *Orchestrator) List(status model.JobStatus, productID string, limit int) []*model.GenerationJob {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]*model.GenerationJob, 0, len(o.jobs))
	for _, job := range o.jobs {
		if status != "" && job.Status != status {
			continue
		}
		if productID != "" && job.ProductID != productID {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Metrics returns pipeline counters.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()

	m := Metrics{
		TotalJobs:     o.totalSubmitted,
		CompletedJobs: o.totalCompleted,
		PartialJobs:   o.totalPartial,
		FailedJobs:    o.totalFailed,
		CancelledJobs: o.totalCancelled,
		RetryCount:    o.totalRetries,
	}
	for _, job := range o.jobs {
		switch job.Status {
		case model.JobStatusPending:
			m.PendingJobs++
		case model.JobStatusAdmitted:
			m.QueuedJobs++
		case model.JobStatusRunning:
			m.ActiveJobs++
		}
	}
	if o.durCount > 0 {
		m.AverageJobMS = o.durTotalMS / o.durCount
	}
	return m
}

// Subscribe registers for progress updates of one job. The current state is
// delivered first; the channel closes after the terminal update. The cancel
// function detaches the subscriber.
func (o *Orchestrator) Subscribe(jobID string) (<-chan model.ProgressUpdate, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.jobs[jobID]
	if !ok {
		return nil, nil, ErrJobNotFound
	}

	ch := make(chan model.ProgressUpdate, 16)
	ch <- progressOf(job)
	if job.Status.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}

	o.subs[jobID] = append(o.subs[jobID], ch)
	cancel := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		chans := o.subs[jobID]
		for i, c := range chans {
			if c == ch {
				o.subs[jobID] = append(chans[:i], chans[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, nil
}

// PurgeTerminal drops terminal jobs whose completion is older than the
// retention window. Returns the number of jobs removed.
func (o *Orchestrator) PurgeTerminal(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	o.mu.Lock()
	defer o.mu.Unlock()

	purged := 0
	for id, job := range o.jobs {
		if !job.Status.Terminal() || job.CompletedAt == nil {
			continue
		}
		if job.CompletedAt.Before(cutoff) {
			delete(o.jobs, id)
			delete(o.trials, id)
			purged++
		}
	}
	if purged > 0 {
		logger.Infof("purged terminal jobs, count: %d", purged)
	}
	return purged
}

// Start spawns the worker pool and the readmission loop. Workers stop when
// Stop is called; in-flight renders are cancelled through the context.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true
	o.runCtx, o.runStop = context.WithCancel(ctx)
	o.mu.Unlock()

	workers := o.execCfg.Workers
	if workers <= 0 {
		workers = defaultWorkerCount()
	}

	for i := 0; i < workers; i++ {
		o.wg.Add(1)
		go func(id int) {
			defer o.wg.Done()
			o.workerLoop(o.runCtx, id)
		}(i)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.readmitLoop(o.runCtx)
	}()

	logger.Infof("orchestrator started, workers: %d", workers)
	return nil
}

// Stop cancels the run context and waits for workers to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	stop := o.runStop
	o.mu.Unlock()

	stop()
	o.wg.Wait()
	logger.Info("orchestrator stopped")
}

func defaultWorkerCount() int {
	return runtime.NumCPU()
}

// estimateLocked projects the completion time from the average duration of
// completed jobs, scaled by the job's remaining progress. Nil until one job
// has completed or once the job is terminal.
func (o *Orchestrator) estimateLocked(job *model.GenerationJob) *time.Time {
	if o.durCount == 0 || job.Status.Terminal() {
		return nil
	}
	avg := o.durTotalMS / o.durCount
	remainingMS := avg * int64(100-job.Progress) / 100
	t := time.Now().Add(time.Duration(remainingMS) * time.Millisecond)
	return &t
}

// finalizeLocked moves a job to its terminal status and notifies
// subscribers. The job record is frozen from here on.
func (o *Orchestrator) finalizeLocked(job *model.GenerationJob, status model.JobStatus) {
	prev := job.Status
	now := time.Now()
	job.Status = status
	job.UpdatedAt = now
	job.CompletedAt = &now
	job.CurrentMaterial = ""

	switch status {
	case model.JobStatusCompleted:
		o.totalCompleted++
		if job.StartedAt != nil {
			o.durTotalMS += now.Sub(*job.StartedAt).Milliseconds()
			o.durCount++
		}
	case model.JobStatusPartial:
		o.totalPartial++
	case model.JobStatusFailed:
		o.totalFailed++
	case model.JobStatusCancelled:
		o.totalCancelled++
	}

	evtType := EventFinished
	if status == model.JobStatusCancelled {
		evtType = EventCancelled
	}
	o.emitLocked(job, evtType, "", "", prev, status)
	o.publishLocked(job)
}

// publishLocked pushes the job's current progress to its subscribers; on a
// terminal status the channels are closed and dropped. Slow subscribers
// lose intermediate updates rather than blocking the pipeline.
func (o *Orchestrator) publishLocked(job *model.GenerationJob) {
	chans := o.subs[job.ID]
	if len(chans) == 0 {
		return
	}
	update := progressOf(job)
	for _, ch := range chans {
		select {
		case ch <- update:
		default:
		}
	}
	if job.Status.Terminal() {
		for _, ch := range chans {
			close(ch)
		}
		delete(o.subs, job.ID)
	}
}

// emitLocked hands an event to the sink without holding up the caller.
func (o *Orchestrator) emitLocked(job *model.GenerationJob, evtType EventType, material, message string, from, to model.JobStatus) {
	if o.sink == nil {
		return
	}
	evt := JobEvent{
		JobID:    job.ID,
		Type:     evtType,
		Material: material,
		Message:  message,
		From:     from,
		To:       to,
		At:       time.Now(),
	}
	go o.sink.RecordJobEvent(context.Background(), evt)
}

func progressOf(job *model.GenerationJob) model.ProgressUpdate {
	return model.ProgressUpdate{
		JobID:           job.ID,
		Status:          job.Status,
		Progress:        job.Progress,
		CurrentMaterial: job.CurrentMaterial,
		UpdatedAt:       job.UpdatedAt,
	}
}

// sleepCtx waits for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
