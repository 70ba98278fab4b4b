// Package jobqueue implements the priority job queue and fixed worker
// pool (spec §4.8): jobs ordered by (priority, enqueue sequence),
// dispatched through the Dispatcher by a small number of long-lived
// workers.
//
// Worker lifecycle (panic recovery, stop-on-shutdown, one goroutine
// per worker popping from a shared heap) is grounded on the
// teacher's pkg/core/events/internal/worker/manager.go pool.
package jobqueue

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/riverton-labs/llm-gateway/internal/clock"
	"github.com/riverton-labs/llm-gateway/internal/dispatcher"
	"github.com/riverton-labs/llm-gateway/internal/gwerrors"
	"github.com/riverton-labs/llm-gateway/internal/model"
)

// item is one entry in the priority heap: lower Priority runs first
// (priority 0 outranks priority 5, spec §3's "lower = higher
// priority"), then lower seq (earlier enqueue) first.
type item struct {
	job *model.Job
}

type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority < h[j].job.Priority
	}
	return h[i].job.Seq() < h[j].job.Seq()
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Queue is the priority job queue plus its fixed worker pool.
type Queue struct {
	log        *zap.Logger
	clock      clock.Clock
	dispatcher *dispatcher.Dispatcher

	mu     sync.Mutex
	heap   priorityHeap
	jobs   map[string]*model.Job
	nextSeq uint64
	notify chan struct{}

	workers int
	wg      sync.WaitGroup
}

// New builds a Queue with the given fixed number of workers.
func New(d *dispatcher.Dispatcher, clk clock.Clock, log *zap.Logger, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		dispatcher: d,
		clock:      clk,
		log:        log,
		jobs:       make(map[string]*model.Job),
		notify:     make(chan struct{}, 1),
		workers:    workers,
	}
}

// Start launches the fixed worker pool. Workers run until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.runWorker(ctx, i)
	}
}

// Wait blocks until every worker has exited (after ctx cancellation).
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Enqueue creates and queues a new job, returning the job.
func (q *Queue) Enqueue(req model.AskRequest, priority int, stream bool) *model.Job {
	q.mu.Lock()
	seq := q.nextSeq
	q.nextSeq++
	job := model.NewJob(uuid.NewString(), req, priority, stream, seq, q.clock.Now())
	q.jobs[job.ID] = job
	heap.Push(&q.heap, &item{job: job})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return job
}

// Get returns the job for id, if known.
func (q *Queue) Get(id string) (*model.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	return j, ok
}

func (q *Queue) pop() (*model.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil, false
	}
	it := heap.Pop(&q.heap).(*item)
	return it.job, true
}

func (q *Queue) runWorker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
				continue
			case <-time.After(200 * time.Millisecond):
				continue
			}
		}
		q.process(ctx, job, id)
	}
}

func (q *Queue) process(ctx context.Context, job *model.Job, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("jobqueue: worker panic recovered",
				zap.Int("worker", workerID), zap.String("job", job.ID), zap.Any("panic", r))
			job.MarkError(fmt.Sprintf("internal error: %v", r), q.clock.Now())
			if job.Stream {
				job.CloseStream(gwerrors.NewOpError("process", "jobqueue", fmt.Errorf("internal error: %v", r)))
			}
		}
	}()

	if job.Stream {
		q.processStream(ctx, job, workerID)
		return
	}
	q.processSync(ctx, job, workerID)
}

func (q *Queue) processSync(ctx context.Context, job *model.Job, workerID int) {
	job.MarkRunning(q.clock.Now())

	result, err := q.dispatcher.Ask(ctx, job.Request)
	if err != nil {
		q.log.Warn("jobqueue: job failed", zap.String("job", job.ID), zap.Error(err))
		job.MarkError(err.Error(), q.clock.Now())
		return
	}
	job.SetDevice(result.Device)
	job.MarkDone(result.Body, q.clock.Now())
}

func (q *Queue) processStream(ctx context.Context, job *model.Job, workerID int) {
	job.MarkRunning(q.clock.Now())

	header := fmt.Sprintf("# queued as job %s\n", job.ID)
	job.PushChunk(ctx, []byte(header))

	done := make(chan error, 1)
	device, err := q.dispatcher.AskStream(ctx, job.Request,
		func(line []byte) { job.PushChunk(ctx, line) },
		func(streamErr error) { done <- streamErr },
	)
	if err != nil {
		job.PushChunk(ctx, []byte(fmt.Sprintf("# error: %s\n", err.Error())))
		job.MarkError(err.Error(), q.clock.Now())
		job.CloseStream(err)
		return
	}

	job.SetDevice(device)
	job.PushChunk(ctx, []byte(fmt.Sprintf("# picked %s:%d\n", device.Host, device.Port)))

	select {
	case streamErr := <-done:
		if streamErr != nil {
			job.PushChunk(ctx, []byte(fmt.Sprintf("# error: %s\n", streamErr.Error())))
			job.MarkError(streamErr.Error(), q.clock.Now())
			job.CloseStream(streamErr)
			return
		}
		job.PushChunk(ctx, []byte("# done\n"))
		job.MarkDone(json.RawMessage(`{}`), q.clock.Now())
		job.CloseStream(nil)
	case <-ctx.Done():
		job.MarkError(ctx.Err().Error(), q.clock.Now())
		job.CloseStream(ctx.Err())
	}
}
