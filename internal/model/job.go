package model

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// JobStatus is the lifecycle state of a Job. Terminal states are sticky.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobError   JobStatus = "error"
)

// JobDevice identifies which backend a running/finished job landed on.
type JobDevice struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Serial string `json:"serial,omitempty"`
}

// StreamChunk is one item flowing through a streaming job's channel.
type StreamChunk struct {
	Data []byte
	Done bool
	Err  error
}

// Job is one unit of work owned by the JobQueue from enqueue until the
// process exits. Mutable fields are guarded by mu; Stream-only fields
// are set once at creation and never mutated afterward.
type Job struct {
	mu sync.RWMutex

	ID          string
	Request     AskRequest
	Priority    int
	Stream      bool
	EnqueuedAt  time.Time
	seq         uint64
	status      JobStatus
	startedAt   *time.Time
	finishedAt  *time.Time
	device      *JobDevice
	result      json.RawMessage
	errMsg      string
	streamCh    chan StreamChunk
}

// NewJob constructs a freshly queued job. seq is the monotonically
// increasing enqueue sequence used to break priority ties (spec §4.8).
func NewJob(id string, req AskRequest, priority int, stream bool, seq uint64, now time.Time) *Job {
	j := &Job{
		ID:         id,
		Request:    req,
		Priority:   priority,
		Stream:     stream,
		EnqueuedAt: now,
		seq:        seq,
		status:     JobQueued,
	}
	if stream {
		j.streamCh = make(chan StreamChunk, 16)
	}
	return j
}

// Seq returns the enqueue sequence used for FIFO-within-priority ordering.
func (j *Job) Seq() uint64 { return j.seq }

// MarkRunning transitions queued -> running and records the start
// time, before the worker has picked a device or called the
// dispatcher. SetDevice fills in the device once selection succeeds.
func (j *Job) MarkRunning(now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = JobRunning
	t := now
	j.startedAt = &t
}

// SetDevice records which backend a running job landed on.
func (j *Job) SetDevice(device JobDevice) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.device = &device
}

// MarkDone transitions running -> done with a result payload.
func (j *Job) MarkDone(result json.RawMessage, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = JobDone
	j.result = result
	t := now
	j.finishedAt = &t
}

// MarkError transitions running -> error with a message.
func (j *Job) MarkError(err string, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = JobError
	j.errMsg = err
	t := now
	j.finishedAt = &t
}

// PushChunk sends one chunk of backend output to a streaming job's
// consumer. Empty chunks are not forwarded (spec §4.7). Safe to call
// only from the single worker owning this job.
func (j *Job) PushChunk(ctx context.Context, data []byte) {
	if len(data) == 0 || j.streamCh == nil {
		return
	}
	select {
	case j.streamCh <- StreamChunk{Data: data}:
	case <-ctx.Done():
	}
}

// CloseStream closes a streaming job's channel with the terminal
// sentinel. Safe to call exactly once, from the owning worker.
func (j *Job) CloseStream(finalErr error) {
	if j.streamCh == nil {
		return
	}
	if finalErr != nil {
		j.streamCh <- StreamChunk{Err: finalErr, Done: true}
	} else {
		j.streamCh <- StreamChunk{Done: true}
	}
	close(j.streamCh)
}

// Chunks exposes the single-consumer stream channel. Returns nil for a
// non-streaming job.
func (j *Job) Chunks() <-chan StreamChunk {
	return j.streamCh
}

// View is a consistent, read-only snapshot of a Job's externally visible fields.
type View struct {
	ID         string          `json:"id"`
	Status     JobStatus       `json:"status"`
	Priority   int             `json:"priority"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Device     *JobDevice      `json:"device,omitempty"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"-"`
}

// View returns a consistent snapshot of the job for status/result endpoints.
func (j *Job) View() View {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return View{
		ID:         j.ID,
		Status:     j.status,
		Priority:   j.Priority,
		EnqueuedAt: j.EnqueuedAt,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
		Device:     j.device,
		Error:      j.errMsg,
		Result:     j.result,
	}
}

// Status returns just the current status, for lightweight checks.
func (j *Job) Status() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}
