// Package queue provides the durable persistence queue for document-update
// jobs, backed by three cache-store structures: a pending list, a processing
// hash, and a dead-letter list.
//
// Ordering is FIFO: enqueue pushes to the tail, dequeue pops from the head.
// The pop and the processing-set write are not atomic; a worker crash
// between the two orphans the job, which is acceptable because the client
// retries on its next save and the content cache short-circuits re-enqueues
// of state that already matches.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	pendingKey    = "document-updates"
	processingKey = "processing-jobs"
	failedKey     = "failed-jobs"

	// JobTypeDocumentUpdate persists a document's title/body through the
	// data gateway.
	JobTypeDocumentUpdate = "document-update"
)

// ContentUpdates carries the fields of a document update; nil fields are
// left untouched.
type ContentUpdates struct {
	Title *string `json:"title,omitempty"`
	Body  *string `json:"body,omitempty"`
}

// DocumentUpdatePayload is the payload of a document-update job.
type DocumentUpdatePayload struct {
	DocumentID  string            `json:"documentId"`
	PrincipalID string            `json:"principalId"`
	Updates     ContentUpdates    `json:"updates"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Job is one unit of durable work.
type Job struct {
	ID                  string                `json:"jobId"`
	Type                string                `json:"type"`
	Payload             DocumentUpdatePayload `json:"payload"`
	Attempts            int                   `json:"attempts"`
	MaxAttempts         int                   `json:"maxAttempts"`
	BackoffMs           int64                 `json:"backoffMs"`
	CreatedAt           int64                 `json:"createdAt"`
	ProcessingStartedAt int64                 `json:"processingStartedAt,omitempty"`
	Error               string                `json:"error,omitempty"`
	FailedAt            int64                 `json:"failedAt,omitempty"`
}

// Stats summarizes queue depth for observability.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
}

// Queue handles job queue operations on the cache store.
type Queue struct {
	client      *redis.Client
	maxAttempts int
	backoff     time.Duration
	logger      *logrus.Logger
}

// New creates a queue with the given retry policy.
func New(client *redis.Client, maxAttempts int, backoff time.Duration, logger *logrus.Logger) *Queue {
	return &Queue{client: client, maxAttempts: maxAttempts, backoff: backoff, logger: logger}
}

func newJobID() string {
	return fmt.Sprintf("job_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// EnqueueDocumentUpdate pushes a new document-update job to the tail of the
// pending list and returns its id.
func (q *Queue) EnqueueDocumentUpdate(ctx context.Context, payload DocumentUpdatePayload) (string, error) {
	job := Job{
		ID:          newJobID(),
		Type:        JobTypeDocumentUpdate,
		Payload:     payload,
		MaxAttempts: q.maxAttempts,
		BackoffMs:   q.backoff.Milliseconds(),
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := q.push(ctx, job); err != nil {
		return "", err
	}
	q.logger.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"document_id": payload.DocumentID,
	}).Debug("Enqueued document update")
	return job.ID, nil
}

func (q *Queue) push(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, pendingKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Dequeue pops the next pending job and records it in the processing hash.
// Returns nil when the pending list is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	data, err := q.client.LPop(ctx, pendingKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	job.ProcessingStartedAt = time.Now().UnixMilli()
	snapshot, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal processing snapshot: %w", err)
	}
	if err := q.client.HSet(ctx, processingKey, job.ID, snapshot).Err(); err != nil {
		return nil, fmt.Errorf("failed to mark job processing: %w", err)
	}

	return &job, nil
}

// Complete removes a finished job from the processing hash.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	return q.client.HDel(ctx, processingKey, jobID).Err()
}

// Fail records a job failure. Retryable failures below the attempt limit are
// re-enqueued after the backoff delay; everything else goes to the
// dead-letter list with the error attached.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error, retryable bool) error {
	if err := q.client.HDel(ctx, processingKey, job.ID).Err(); err != nil {
		return fmt.Errorf("failed to clear processing entry: %w", err)
	}

	job.Attempts++
	job.ProcessingStartedAt = 0

	if retryable && job.Attempts < job.MaxAttempts {
		retry := *job
		delay := time.Duration(job.BackoffMs) * time.Millisecond
		q.logger.WithError(cause).WithFields(logrus.Fields{
			"job_id":   job.ID,
			"attempts": job.Attempts,
			"delay_ms": job.BackoffMs,
		}).Warn("Job failed, scheduling retry")
		time.AfterFunc(delay, func() {
			if err := q.push(context.Background(), retry); err != nil {
				q.logger.WithError(err).WithField("job_id", retry.ID).Error("Failed to re-enqueue job after backoff")
			}
		})
		return nil
	}

	job.Error = cause.Error()
	job.FailedAt = time.Now().UnixMilli()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter job: %w", err)
	}
	if err := q.client.RPush(ctx, failedKey, data).Err(); err != nil {
		return fmt.Errorf("failed to dead-letter job: %w", err)
	}
	q.logger.WithError(cause).WithFields(logrus.Fields{
		"job_id":   job.ID,
		"attempts": job.Attempts,
	}).Error("Job failed permanently, moved to dead-letter list")
	return nil
}

// Stats returns the current pending, processing, and failed depths.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pending, err := q.client.LLen(ctx, pendingKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read pending depth: %w", err)
	}
	processing, err := q.client.HLen(ctx, processingKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read processing depth: %w", err)
	}
	failed, err := q.client.LLen(ctx, failedKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read failed depth: %w", err)
	}
	return Stats{Pending: pending, Processing: processing, Failed: failed}, nil
}

// FailedJobs returns up to limit jobs from the dead-letter list, oldest
// first.
func (q *Queue) FailedJobs(ctx context.Context, limit int64) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := q.client.LRange(ctx, failedKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead-letter list: %w", err)
	}

	jobs := make([]Job, 0, len(entries))
	for _, entry := range entries {
		var job Job
		if err := json.Unmarshal([]byte(entry), &job); err != nil {
			q.logger.WithError(err).Warn("Skipping unreadable dead-letter entry")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RetryFailed moves a dead-letter job back to the pending list with its
// attempt counter reset. Returns the re-enqueued job, or nil if the id is
// not in the dead-letter list.
func (q *Queue) RetryFailed(ctx context.Context, jobID string) (*Job, error) {
	entries, err := q.client.LRange(ctx, failedKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead-letter list: %w", err)
	}

	for _, entry := range entries {
		var job Job
		if err := json.Unmarshal([]byte(entry), &job); err != nil {
			continue
		}
		if job.ID != jobID {
			continue
		}

		if err := q.client.LRem(ctx, failedKey, 1, entry).Err(); err != nil {
			return nil, fmt.Errorf("failed to remove dead-letter entry: %w", err)
		}

		job.Attempts = 0
		job.Error = ""
		job.FailedAt = 0
		if err := q.push(ctx, job); err != nil {
			return nil, err
		}
		q.logger.WithField("job_id", jobID).Info("Dead-letter job re-enqueued")
		return &job, nil
	}

	return nil, nil
}

// ClearAll drops every queue structure. Admin use only.
func (q *Queue) ClearAll(ctx context.Context) error {
	return q.client.Del(ctx, pendingKey, processingKey, failedKey).Err()
}
