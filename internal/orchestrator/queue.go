package orchestrator

import (
	"context"
	"strings"
	"time"

	"atelier/internal/model"
	"atelier/pkg/logger"
)

// admitLocked runs the admission gate for one job: the resource snapshot
// first, then the breaker. On success the job moves to admitted and joins
// its priority class queue; during half-open the consumed trial slot is
// tagged on the job so a cancel before execution can return it.
func (o *Orchestrator) admitLocked(job *model.GenerationJob) (reason string, admitted bool) {
	if o.monitor != nil {
		snap := o.monitor.Snapshot()
		if snap.OverLimit() {
			return "resource pressure: " + strings.Join(snap.OverLimitReasons(), ", "), false
		}
	}

	if o.breakers != nil {
		allowed, trial := o.breakers.Get(BreakerClass).Acquire()
		if !allowed {
			return "generation pipeline circuit open", false
		}
		if trial {
			o.trials[job.ID] = true
		}
	}

	job.Status = model.JobStatusAdmitted
	job.UpdatedAt = time.Now()
	rank := job.Priority.Rank()
	if rank >= len(o.ready) {
		rank = len(o.ready) - 1
	}
	o.ready[rank] = append(o.ready[rank], job.ID)
	o.emitLocked(job, EventAdmitted, "", "", model.JobStatusPending, model.JobStatusAdmitted)
	o.publishLocked(job)
	o.wakeWorkersLocked()
	return "", true
}

// wakeWorkersLocked broadcasts to every idle worker by closing the current
// notify channel and installing a fresh one.
func (o *Orchestrator) wakeWorkersLocked() {
	close(o.notify)
	o.notify = make(chan struct{})
}

func (o *Orchestrator) removePendingLocked(jobID string) {
	for i, id := range o.pending {
		if id == jobID {
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			return
		}
	}
}

// readmitLoop periodically retries admission for jobs denied at submission.
func (o *Orchestrator) readmitLoop(ctx context.Context) {
	ticker := time.NewTicker(o.queueCfg.ReadmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.readmitPending()
		}
	}
}

// readmitPending walks the pending list in arrival order and admits jobs
// until the gate denies again. Both gates are job independent, so the first
// denial applies to the rest of the list; during half-open exactly the head
// job gets the trial slot.
func (o *Orchestrator) readmitPending() {
	o.mu.Lock()
	defer o.mu.Unlock()

	var kept []string
	admitted := 0
	denied := false
	for _, id := range o.pending {
		job, ok := o.jobs[id]
		if !ok || job.Status != model.JobStatusPending {
			continue
		}
		if denied {
			kept = append(kept, id)
			continue
		}
		if _, ok := o.admitLocked(job); ok {
			admitted++
			continue
		}
		denied = true
		kept = append(kept, id)
	}
	o.pending = kept
	if admitted > 0 {
		logger.Infof("readmitted pending jobs, count: %d, still_pending: %d", admitted, len(o.pending))
	}
}

// nextJob blocks until an admitted job is available or the context ends.
// Classes drain strictly by priority, FIFO within a class.
func (o *Orchestrator) nextJob(ctx context.Context) *model.GenerationJob {
	for {
		o.mu.Lock()
		if job := o.popReadyLocked(); job != nil {
			o.mu.Unlock()
			return job
		}
		wake := o.notify
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		}
	}
}

// popReadyLocked removes and returns the next admitted job, skipping ids
// whose job was cancelled or purged while queued.
func (o *Orchestrator) popReadyLocked() *model.GenerationJob {
	for rank := 0; rank < len(o.ready); rank++ {
		for len(o.ready[rank]) > 0 {
			id := o.ready[rank][0]
			o.ready[rank] = o.ready[rank][1:]
			job, ok := o.jobs[id]
			if !ok || job.Status != model.JobStatusAdmitted {
				continue
			}
			return job
		}
	}
	return nil
}
