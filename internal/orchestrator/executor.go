package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"atelier/internal/model"
	"atelier/pkg/breaker"
	"atelier/pkg/logger"
)

// errHalted aborts a run without finalizing: the job was cancelled (its
// record is already terminal) or the orchestrator is shutting down.
var errHalted = errors.New("job run halted")

func (o *Orchestrator) workerLoop(ctx context.Context, workerID int) {
	for {
		job := o.nextJob(ctx)
		if job == nil {
			return
		}
		o.runJob(ctx, workerID, job)
	}
}

// runJob renders a job's materials sequentially. Every finished bundle goes
// to the cache before the progress update, so full progress always means
// servable assets. The first material to exhaust its retries ends the job.
func (o *Orchestrator) runJob(ctx context.Context, workerID int, job *model.GenerationJob) {
	o.mu.Lock()
	if job.Status != model.JobStatusAdmitted {
		// cancelled between dequeue and start
		o.mu.Unlock()
		return
	}
	trial := o.trials[job.ID]
	delete(o.trials, job.ID)

	now := time.Now()
	job.Status = model.JobStatusRunning
	job.StartedAt = &now
	job.UpdatedAt = now
	o.emitLocked(job, EventStarted, "", "", model.JobStatusAdmitted, model.JobStatusRunning)
	o.publishLocked(job)
	o.mu.Unlock()

	var brk *breaker.Breaker
	if o.breakers != nil {
		brk = o.breakers.Get(BreakerClass)
	}

	// A trial slot consumed at admission is resolved by the first render
	// outcome; if the run halts before one, give the slot back.
	outcomeRecorded := false
	defer func() {
		if trial && !outcomeRecorded && brk != nil {
			brk.ReleaseTrial()
		}
	}()

	logger.Infof("generation started, job_id: %s, worker: %d, materials: %d", job.ID, workerID, len(job.Materials))

	for _, materialID := range job.Materials {
		o.mu.Lock()
		if job.Status != model.JobStatusRunning {
			o.mu.Unlock()
			return
		}
		job.CurrentMaterial = materialID
		job.UpdatedAt = time.Now()
		o.publishLocked(job)
		o.mu.Unlock()

		bundle, err := o.renderMaterial(ctx, job, materialID, brk, &outcomeRecorded)
		if errors.Is(err, errHalted) {
			return
		}
		if err != nil {
			o.mu.Lock()
			if job.Status == model.JobStatusRunning {
				job.Errors = append(job.Errors, fmt.Sprintf("%s: %v", materialID, err))
				if completedMaterials(job) > 0 {
					o.finalizeLocked(job, model.JobStatusPartial)
				} else {
					o.finalizeLocked(job, model.JobStatusFailed)
				}
			}
			o.mu.Unlock()
			logger.Warnf("generation aborted, job_id: %s, material: %s, error: %v", job.ID, materialID, err)
			return
		}

		// The bundle outlives a concurrent cancel, only the frozen job
		// record stays untouched.
		if o.cache != nil {
			o.cache.Put(context.Background(), job.ProductID, materialID, bundle, job.Priority)
		}

		o.mu.Lock()
		if job.Status == model.JobStatusRunning {
			job.MaterialProgress[materialID] = 100
			job.Progress = job.ComputeProgress()
			job.UpdatedAt = time.Now()
			o.emitLocked(job, EventMaterialCompleted, materialID, "", model.JobStatusRunning, model.JobStatusRunning)
			o.publishLocked(job)
		}
		o.mu.Unlock()
	}

	o.mu.Lock()
	if job.Status == model.JobStatusRunning {
		o.finalizeLocked(job, model.JobStatusCompleted)
	}
	o.mu.Unlock()

	logger.Infof("generation finished, job_id: %s, status: %s, progress: %d", job.ID, job.Status, job.Progress)
}

// renderMaterial runs one material through the renderer with retries and
// exponential backoff. A timeout counts as a transient failure like any
// other render error. Each attempt reports its outcome to the breaker;
// shutdown and cancellation surface as errHalted and report nothing.
func (o *Orchestrator) renderMaterial(ctx context.Context, job *model.GenerationJob, materialID string, brk *breaker.Breaker, outcomeRecorded *bool) (*model.AssetBundle, error) {
	attempts := o.execCfg.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			backoff := o.execCfg.BackoffBase << (attempt - 2)
			if err := o.sleep(ctx, backoff); err != nil {
				return nil, errHalted
			}

			o.mu.Lock()
			if job.Status != model.JobStatusRunning {
				o.mu.Unlock()
				return nil, errHalted
			}
			job.RetryCount++
			o.totalRetries++
			job.UpdatedAt = time.Now()
			o.emitLocked(job, EventRetry, materialID, lastErr.Error(), model.JobStatusRunning, model.JobStatusRunning)
			o.mu.Unlock()
		}

		rctx := ctx
		cancel := context.CancelFunc(nil)
		if o.execCfg.MaterialTimeout > 0 {
			rctx, cancel = context.WithTimeout(ctx, o.execCfg.MaterialTimeout)
		}
		bundle, err := o.renderer.Render(rctx, job.ProductID, materialID)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			if brk != nil {
				brk.RecordSuccess()
				*outcomeRecorded = true
			}
			return bundle, nil
		}
		if ctx.Err() != nil {
			return nil, errHalted
		}

		lastErr = err
		if brk != nil {
			brk.RecordFailure()
			*outcomeRecorded = true
		}
		logger.Warnf("material render failed, job_id: %s, material: %s, attempt: %d/%d, error: %v",
			job.ID, materialID, attempt, attempts, err)
	}

	return nil, lastErr
}

func completedMaterials(job *model.GenerationJob) int {
	n := 0
	for _, pct := range job.MaterialProgress {
		if pct == 100 {
			n++
		}
	}
	return n
}
