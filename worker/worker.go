// Package worker drains the persistence queue and applies document updates
// through the data gateway. One worker processes one job per tick; multiple
// worker processes may run concurrently because the queue's list pop is
// atomic.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hub.evalgo.org/content"
	"hub.evalgo.org/docstore"
	"hub.evalgo.org/queue"
)

// Worker polls the queue and dispatches jobs by type.
type Worker struct {
	queue      *queue.Queue
	gateway    docstore.Gateway
	content    *content.Cache
	logger     *logrus.Logger
	tick       time.Duration
	jobTimeout time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a worker with the given tick cadence and per-job soft timeout.
func New(q *queue.Queue, gateway docstore.Gateway, cache *content.Cache, tick, jobTimeout time.Duration, logger *logrus.Logger) *Worker {
	return &Worker{
		queue:      q,
		gateway:    gateway,
		content:    cache,
		logger:     logger,
		tick:       tick,
		jobTimeout: jobTimeout,
	}
}

// Start begins polling. Calling Start on a running worker is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.run(ctx)
	w.logger.WithField("tick", w.tick.String()).Info("Queue worker started")
}

// Stop halts polling. The job in flight, if any, runs to completion or its
// timeout before Stop returns.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	<-done
	w.logger.Info("Queue worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processNext(ctx)
		}
	}
}

// processNext pops and handles at most one job. Shutdown between ticks
// leaves the queue untouched; shutdown during a job lets it finish.
func (w *Worker) processNext(ctx context.Context) {
	job, err := w.queue.Dequeue(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("Failed to dequeue job")
		return
	}
	if job == nil {
		return
	}

	// The job context is detached from the polling context so shutdown
	// drains the current job instead of aborting it mid-write.
	jobCtx, cancel := context.WithTimeout(context.Background(), w.jobTimeout)
	defer cancel()

	switch job.Type {
	case queue.JobTypeDocumentUpdate:
		w.handleDocumentUpdate(jobCtx, job)
	default:
		w.logger.WithFields(logrus.Fields{
			"job_id": job.ID,
			"type":   job.Type,
		}).Error("Unknown job type")
		w.failJob(job, fmt.Errorf("unknown job type %q", job.Type), false)
	}
}

func (w *Worker) handleDocumentUpdate(ctx context.Context, job *queue.Job) {
	payload := job.Payload
	log := w.logger.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"document_id": payload.DocumentID,
	})

	doc, err := w.gateway.UpdateDocument(ctx, payload.DocumentID, payload.PrincipalID, payload.Updates.Title, payload.Updates.Body)
	if err != nil {
		if docstore.IsPermanent(err) {
			log.WithError(err).Error("Document update rejected, failing without retry")
			w.failJob(job, err, false)
			return
		}
		log.WithError(err).Warn("Document update failed, will retry")
		w.failJob(job, err, true)
		return
	}

	// Refresh the snapshot from the gateway-returned state so later
	// change checks compare against what was actually persisted.
	if err := w.content.Put(ctx, payload.DocumentID, doc.Body, doc.Title); err != nil {
		log.WithError(err).Warn("Failed to refresh content cache")
	}

	// History is best-effort: a failed append never fails the job.
	entry := docstore.HistoryEntry{
		DocumentID:  payload.DocumentID,
		PrincipalID: payload.PrincipalID,
		Operation:   queue.JobTypeDocumentUpdate,
		Version:     time.Now().UnixMilli(),
	}
	if err := w.gateway.AppendEditHistory(ctx, entry); err != nil {
		log.WithError(err).Warn("Failed to append edit history")
	}

	if err := w.queue.Complete(context.Background(), job.ID); err != nil {
		log.WithError(err).Warn("Failed to mark job complete")
		return
	}
	log.Debug("Document update persisted")
}

func (w *Worker) failJob(job *queue.Job, cause error, retryable bool) {
	if err := w.queue.Fail(context.Background(), job, cause, retryable); err != nil {
		w.logger.WithError(err).WithField("job_id", job.ID).Error("Failed to record job failure")
	}
}
