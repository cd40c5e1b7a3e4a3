// Package worker settles finished searches off the request path.
package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/vnmchuo/deep-search/internal/billing"
	"github.com/vnmchuo/deep-search/internal/metrics"
)

var ErrQueueFull = errors.New("settlement queue is full")

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

type Job struct {
	ID     string
	Status JobStatus

	UserID        string
	ReservationID string
	ActualCredits int
	Usage         *billing.UsageLog

	CreatedAt time.Time
}

type HandlerFunc func(ctx context.Context, job *Job) error

type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	Process(ctx context.Context, handle HandlerFunc) error // starts the worker loop
}

// MemoryQueue is a bounded in-process queue. Jobs still queued when the
// process exits are lost.
type MemoryQueue struct {
	jobs chan *Job
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1
	}
	return &MemoryQueue{jobs: make(chan *Job, size)}
}

// Enqueue never blocks. It returns ErrQueueFull when the buffer is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job.Status = JobStatusPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	select {
	case q.jobs <- job:
		metrics.SettlementQueueDepth.Set(float64(len(q.jobs)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Process runs handle for each job until ctx is done. Handler errors are
// logged and do not stop the loop.
func (q *MemoryQueue) Process(ctx context.Context, handle HandlerFunc) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-q.jobs:
			metrics.SettlementQueueDepth.Set(float64(len(q.jobs)))
			job.Status = JobStatusRunning
			if err := handle(ctx, job); err != nil {
				job.Status = JobStatusFailed
				log.Printf("worker: job %s failed: %v", job.ID, err)
				continue
			}
			job.Status = JobStatusDone
		}
	}
}

func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}
