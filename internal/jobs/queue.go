// Package jobs implements the asynchronous job plane: a state machine of
// queued/running/completed/failed jobs with leases, retries, and a
// dead-letter terminal state, plus the worker loop that drains it.
package jobs

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashfox/meshgate/internal/clock"
	"github.com/ashfox/meshgate/internal/eventlog"
	"github.com/ashfox/meshgate/internal/metrics"
	"github.com/google/uuid"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Clamp bounds for submit inputs.
const (
	DefaultMaxAttempts = 3
	MinAttempts        = 1
	MaxAttempts        = 10

	DefaultLeaseMs = 30_000
	MinLeaseMs     = 5_000
	MaxLeaseMs     = 300_000

	// maxRetryBackoff caps the exponential retry delay.
	maxRetryBackoff = 5 * time.Minute
)

// Job is one asynchronous unit of backend work.
type Job struct {
	ID             string          `json:"id"`
	WorkspaceID    string          `json:"workspaceId"`
	ProjectID      string          `json:"projectId"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         Status          `json:"status"`
	AttemptCount   int             `json:"attemptCount"`
	MaxAttempts    int             `json:"maxAttempts"`
	LeaseMs        int64           `json:"leaseMs"`
	LeaseExpiresAt *time.Time      `json:"leaseExpiresAt,omitempty"`
	NextRetryAt    *time.Time      `json:"nextRetryAt,omitempty"`
	WorkerID       string          `json:"workerId,omitempty"`
	Error          string          `json:"error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	DeadLetter     bool            `json:"deadLetter,omitempty"`
	SubmittedAt    time.Time       `json:"submittedAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func (j *Job) clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		out.LeaseExpiresAt = &t
	}
	if j.NextRetryAt != nil {
		t := *j.NextRetryAt
		out.NextRetryAt = &t
	}
	return &out
}

// SubmitInput is the caller-facing submit request.
type SubmitInput struct {
	WorkspaceID string
	ProjectID   string
	Kind        string
	Payload     json.RawMessage
	MaxAttempts int
	LeaseMs     int64
}

// Snapshotter ensures a project snapshot event exists after job-visible
// state changes.
type Snapshotter interface {
	EmitSnapshot(workspaceID, projectID string)
}

// Queue is the in-process job table.
type Queue struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	log   *eventlog.Log
	clock clock.Clock
	snap  Snapshotter
}

// NewQueue creates a job queue. A nil clk uses the system clock; a nil
// snapshotter disables snapshot emission.
func NewQueue(log *eventlog.Log, clk clock.Clock, snap Snapshotter) *Queue {
	if clk == nil {
		clk = clock.System{}
	}
	return &Queue{jobs: make(map[string]*Job), log: log, clock: clk, snap: snap}
}

func clampAttempts(n int) int {
	if n == 0 {
		return DefaultMaxAttempts
	}
	if n < MinAttempts {
		return MinAttempts
	}
	if n > MaxAttempts {
		return MaxAttempts
	}
	return n
}

func clampLeaseMs(ms int64) int64 {
	if ms == 0 {
		return DefaultLeaseMs
	}
	if ms < MinLeaseMs {
		return MinLeaseMs
	}
	if ms > MaxLeaseMs {
		return MaxLeaseMs
	}
	return ms
}

// Submit validates and enqueues a job, appending job_submitted and a
// project snapshot.
func (q *Queue) Submit(input SubmitInput) (*Job, error) {
	if input.Kind == "" {
		return nil, fmt.Errorf("job kind is required")
	}
	if input.WorkspaceID == "" || input.ProjectID == "" {
		return nil, fmt.Errorf("workspaceId and projectId are required")
	}

	now := q.clock.Now()
	job := &Job{
		ID:          "job_" + uuid.New().String(),
		WorkspaceID: input.WorkspaceID,
		ProjectID:   input.ProjectID,
		Kind:        input.Kind,
		Payload:     input.Payload,
		Status:      StatusQueued,
		MaxAttempts: clampAttempts(input.MaxAttempts),
		LeaseMs:     clampLeaseMs(input.LeaseMs),
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	out := job.clone()
	q.mu.Unlock()

	q.appendEvent(out, eventlog.KindJobSubmitted, map[string]any{
		"jobId":       out.ID,
		"kind":        out.Kind,
		"maxAttempts": out.MaxAttempts,
		"leaseMs":     out.LeaseMs,
		"submittedAt": out.SubmittedAt,
	})
	if q.snap != nil {
		q.snap.EmitSnapshot(out.WorkspaceID, out.ProjectID)
	}
	metrics.RecordJobTransition("submit")
	metrics.JobsQueued.Inc()
	return out, nil
}

// ClaimNext returns the oldest eligible queued job, leased to workerID,
// or nil when none is claimable. Running jobs whose lease has lapsed are
// reverted to queued first so another worker can pick them up.
func (q *Queue) ClaimNext(workerID string) *Job {
	q.mu.Lock()
	now := q.clock.Now()
	q.reclaimLocked(now)

	candidates := make([]*Job, 0)
	for _, job := range q.jobs {
		if job.Status != StatusQueued {
			continue
		}
		if job.NextRetryAt != nil && job.NextRetryAt.After(now) {
			continue
		}
		candidates = append(candidates, job)
	}
	if len(candidates) == 0 {
		q.mu.Unlock()
		return nil
	}

	// Fairness: oldest submit first, ties broken by id.
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].SubmittedAt.Equal(candidates[j].SubmittedAt) {
			return candidates[i].SubmittedAt.Before(candidates[j].SubmittedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	job := candidates[0]
	job.Status = StatusRunning
	job.WorkerID = workerID
	job.AttemptCount++
	lease := now.Add(time.Duration(job.LeaseMs) * time.Millisecond)
	job.LeaseExpiresAt = &lease
	job.NextRetryAt = nil
	job.UpdatedAt = now
	out := job.clone()
	q.mu.Unlock()

	q.appendEvent(out, eventlog.KindJobClaimed, map[string]any{
		"jobId":          out.ID,
		"workerId":       out.WorkerID,
		"attemptCount":   out.AttemptCount,
		"leaseExpiresAt": out.LeaseExpiresAt,
	})
	metrics.RecordJobTransition("claim")
	metrics.JobsQueued.Dec()
	return out
}

// Heartbeat extends the lease of a running job held by workerID. Returns
// false when the job is no longer running under that worker; the worker
// must then abort locally.
func (q *Queue) Heartbeat(jobID, workerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok || job.Status != StatusRunning || job.WorkerID != workerID {
		return false
	}
	now := q.clock.Now()
	if job.LeaseExpiresAt != nil && !job.LeaseExpiresAt.After(now) {
		return false
	}
	lease := now.Add(time.Duration(job.LeaseMs) * time.Millisecond)
	job.LeaseExpiresAt = &lease
	job.UpdatedAt = now
	return true
}

// Complete marks a running job completed and stores its result.
func (q *Queue) Complete(jobID string, result json.RawMessage) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("job %s not found", jobID)
	}
	if job.Status != StatusRunning {
		q.mu.Unlock()
		return fmt.Errorf("job %s is %s, not running", jobID, job.Status)
	}
	job.Status = StatusCompleted
	job.Result = result
	job.LeaseExpiresAt = nil
	job.UpdatedAt = q.clock.Now()
	out := job.clone()
	q.mu.Unlock()

	q.appendEvent(out, eventlog.KindJobCompleted, map[string]any{
		"jobId":  out.ID,
		"result": out.Result,
	})
	metrics.RecordJobTransition("complete")
	return nil
}

// Fail records a failure for a running job: requeue with backoff while
// attempts remain, otherwise dead-letter.
func (q *Queue) Fail(jobID, errMsg string) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("job %s not found", jobID)
	}
	if job.Status != StatusRunning {
		q.mu.Unlock()
		return fmt.Errorf("job %s is %s, not running", jobID, job.Status)
	}

	now := q.clock.Now()
	job.Error = errMsg
	job.LeaseExpiresAt = nil
	job.WorkerID = ""
	job.UpdatedAt = now

	if job.AttemptCount < job.MaxAttempts {
		job.Status = StatusQueued
		retryAt := now.Add(retryBackoff(job.LeaseMs, job.AttemptCount))
		job.NextRetryAt = &retryAt
		out := job.clone()
		q.mu.Unlock()

		q.appendEvent(out, eventlog.KindJobFailed, map[string]any{
			"jobId":        out.ID,
			"error":        out.Error,
			"attemptCount": out.AttemptCount,
			"nextRetryAt":  out.NextRetryAt,
		})
		metrics.RecordJobTransition("retry")
		metrics.JobsQueued.Inc()
		return nil
	}

	job.Status = StatusFailed
	job.DeadLetter = true
	out := job.clone()
	q.mu.Unlock()

	q.appendEvent(out, eventlog.KindJobDeadLetter, map[string]any{
		"jobId":        out.ID,
		"error":        out.Error,
		"attemptCount": out.AttemptCount,
	})
	metrics.RecordJobTransition("dead_letter")
	return nil
}

// Get returns a copy of the job, or nil.
func (q *Queue) Get(jobID string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs[jobID].clone()
}

// ListByProject returns copies of all jobs for a project, oldest first.
func (q *Queue) ListByProject(workspaceID, projectID string) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Job
	for _, job := range q.jobs {
		if job.WorkspaceID == workspaceID && job.ProjectID == projectID {
			out = append(out, job.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ReclaimExpired reverts running jobs with lapsed leases back to queued;
// the janitor calls this so stuck jobs surface without waiting for a claim.
func (q *Queue) ReclaimExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reclaimLocked(q.clock.Now())
}

// reclaimLocked reverts lapsed running jobs to queued, retaining the
// attempt count. Callers must hold q.mu.
func (q *Queue) reclaimLocked(now time.Time) int {
	reclaimed := 0
	for _, job := range q.jobs {
		if job.Status != StatusRunning {
			continue
		}
		if job.LeaseExpiresAt != nil && job.LeaseExpiresAt.After(now) {
			continue
		}
		job.Status = StatusQueued
		job.WorkerID = ""
		job.LeaseExpiresAt = nil
		job.UpdatedAt = now
		reclaimed++
		metrics.RecordJobTransition("reclaim")
		metrics.JobsQueued.Inc()
	}
	return reclaimed
}

// retryBackoff is exponential in the attempt count with base leaseMs/2,
// capped at five minutes.
func retryBackoff(leaseMs int64, attempt int) time.Duration {
	base := time.Duration(leaseMs/2) * time.Millisecond
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	if backoff > maxRetryBackoff {
		return maxRetryBackoff
	}
	return backoff
}

func (q *Queue) appendEvent(job *Job, kind string, payload map[string]any) {
	if q.log == nil {
		return
	}
	if _, err := q.log.Append(eventlog.Key(job.WorkspaceID, job.ProjectID), kind, payload); err != nil {
		// Event payloads are plain maps; a marshal failure is a programmer error.
		panic(err)
	}
}
