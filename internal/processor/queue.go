package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MimeLyc/strproc/internal/channel"
	"github.com/MimeLyc/strproc/pkg/log"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrJobNotActive = errors.New("job is not running")
)

type Executor func(ctx context.Context, job *Job) error

type QueueOption func(*Queue)

func WithPublisher(p Publisher) QueueOption {
	return func(q *Queue) {
		q.publisher = p
	}
}

// WithStore persists every job transition and restores retained jobs when the
// queue is created.
func WithStore(store Store) QueueOption {
	return func(q *Queue) {
		q.store = store
	}
}

// WithMaxJobs bounds how many jobs are retained; the oldest finished jobs are
// pruned first.
func WithMaxJobs(n int) QueueOption {
	return func(q *Queue) {
		q.maxJobs = n
	}
}

// Queue runs processing jobs on a fixed set of workers. Submissions carrying
// the same owner and idempotency key resolve to the same job for as long as
// that job is retained, unless it failed.
type Queue struct {
	workerCount int
	maxJobs     int
	publisher   Publisher
	store       Store

	mu         sync.RWMutex
	jobs       map[string]*Job
	dedupe     map[dedupeKey]string
	cancels    map[string]context.CancelFunc
	idCounter  uint64
	started    bool
	pendingIDs chan string
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

type dedupeKey struct {
	owner string
	key   string
}

func NewQueue(workerCount int, opts ...QueueOption) *Queue {
	if workerCount <= 0 {
		workerCount = 1
	}
	q := &Queue{
		workerCount: workerCount,
		maxJobs:     1000,
		publisher:   PublisherFunc(func(string, channel.Event) {}),
		jobs:        make(map[string]*Job),
		dedupe:      make(map[dedupeKey]string),
		cancels:     make(map[string]context.CancelFunc),
		pendingIDs:  make(chan string, 1024),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.hydrateFromStore(context.Background())
	return q
}

// Enqueue registers a job and reports whether it was newly created.
func (q *Queue) Enqueue(req EnqueueRequest) (*Job, bool) {
	now := time.Now()
	dk := dedupeKey{owner: req.Owner, key: req.IdempotencyKey}

	q.mu.Lock()
	if req.IdempotencyKey != "" {
		if id, ok := q.dedupe[dk]; ok {
			if existing, exists := q.jobs[id]; exists {
				snapshot := cloneJob(existing)
				q.mu.Unlock()
				log.Debug("Idempotent replay of %s for key %s", id, req.IdempotencyKey)
				return snapshot, false
			}
			delete(q.dedupe, dk)
		}
	}

	id := fmt.Sprintf("job-%d", atomic.AddUint64(&q.idCounter, 1))
	job := &Job{
		ID:             id,
		Owner:          req.Owner,
		IdempotencyKey: req.IdempotencyKey,
		Input:          req.Input,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	q.jobs[id] = job
	if req.IdempotencyKey != "" {
		q.dedupe[dk] = id
	}
	started := q.started
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	if started {
		q.enqueuePendingID(id)
	}
	return snapshot, true
}

func (q *Queue) Get(id string) (*Job, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

// List returns the owner's jobs, oldest first. An empty owner lists all jobs.
func (q *Queue) List(owner string) []*Job {
	q.mu.RLock()
	ret := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		if owner != "" && job.Owner != owner {
			continue
		}
		ret = append(ret, cloneJob(job))
	}
	q.mu.RUnlock()

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].CreatedAt.Before(ret[j].CreatedAt)
	})
	return ret
}

// Cancel stops an owner's pending or running job. A running job reports
// ProcessingCancelled once its executor returns.
func (q *Queue) Cancel(owner, id string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Owner != owner {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	switch job.Status {
	case StatusPending:
		job.Status = StatusCancelled
		job.UpdatedAt = time.Now()
		snapshot := cloneJob(job)
		q.mu.Unlock()
		q.persistJob(snapshot)
		q.publisher.Publish(owner, terminalEvent(channel.EventProcessingCancelled, id))
		log.Info("Cancelled pending job %s", id)
		return nil
	case StatusRunning:
		cancel := q.cancels[id]
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		log.Info("Cancellation requested for job %s", id)
		return nil
	default:
		status := job.Status
		q.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrJobNotActive, id, status)
	}
}

func (q *Queue) Start(exec Executor) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true

	pending := make([]*Job, 0)
	for _, job := range q.jobs {
		if job.Status == StatusPending {
			pending = append(pending, job)
		}
	}
	q.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	for _, job := range pending {
		q.enqueuePendingID(job.ID)
	}

	for range q.workerCount {
		q.wg.Add(1)
		go q.worker(exec)
	}
}

// Stop cancels running jobs and waits for the workers to exit.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		q.mu.Lock()
		for _, cancel := range q.cancels {
			cancel()
		}
		q.mu.Unlock()
		q.wg.Wait()
	})
}

func (q *Queue) worker(exec Executor) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case id := <-q.pendingIDs:
			ctx, job, ok := q.markRunning(id)
			if !ok {
				continue
			}

			err := exec(ctx, job)
			q.finish(ctx, job, err)
		}
	}
}

func (q *Queue) enqueuePendingID(id string) {
	select {
	case q.pendingIDs <- id:
	default:
		go func() { q.pendingIDs <- id }()
	}
}

func (q *Queue) markRunning(id string) (context.Context, *Job, bool) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status != StatusPending {
		q.mu.Unlock()
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancels[id] = cancel
	job.Status = StatusRunning
	job.UpdatedAt = time.Now()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	return ctx, cloneJob(snapshot), true
}

// finish records the outcome and publishes the job's terminal event. A job
// whose executor completed before observing a cancellation counts as
// completed.
func (q *Queue) finish(ctx context.Context, job *Job, err error) {
	status := StatusCompleted
	event := channel.EventProcessingCompleted
	switch {
	case err == nil:
	case ctx.Err() != nil:
		status = StatusCancelled
		event = channel.EventProcessingCancelled
	default:
		// clients only know two terminal events
		status = StatusFailed
		event = channel.EventProcessingCancelled
		log.Error("Job %s failed: %v", job.ID, err)
	}

	var snapshot *Job
	q.mu.Lock()
	if cancel, ok := q.cancels[job.ID]; ok {
		cancel()
		delete(q.cancels, job.ID)
	}
	if current, ok := q.jobs[job.ID]; ok {
		current.Status = status
		current.UpdatedAt = time.Now()
		if status == StatusFailed {
			current.Error = err.Error()
			q.releaseDedupeLocked(current)
		}
		snapshot = cloneJob(current)
	}
	pruned := q.pruneTerminalJobsLocked()
	q.mu.Unlock()

	q.persistJob(snapshot)
	q.deleteJobsFromStore(pruned)

	q.publisher.Publish(job.Owner, terminalEvent(event, job.ID))
	log.Info("Job %s %s", job.ID, status)
}

func (q *Queue) releaseDedupeLocked(job *Job) {
	if job == nil || job.IdempotencyKey == "" {
		return
	}
	dk := dedupeKey{owner: job.Owner, key: job.IdempotencyKey}
	if id, ok := q.dedupe[dk]; ok && id == job.ID {
		delete(q.dedupe, dk)
	}
}

func (q *Queue) pruneTerminalJobsLocked() []string {
	if q.maxJobs <= 0 || len(q.jobs) <= q.maxJobs {
		return nil
	}

	type candidate struct {
		id        string
		updatedAt time.Time
	}
	terminal := make([]candidate, 0, len(q.jobs))
	for id, job := range q.jobs {
		if job == nil || job.Status.Active() {
			continue
		}
		terminal = append(terminal, candidate{id: id, updatedAt: job.UpdatedAt})
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].updatedAt.Before(terminal[j].updatedAt)
	})

	toRemove := min(len(q.jobs)-q.maxJobs, len(terminal))
	pruned := make([]string, 0, toRemove)
	for _, c := range terminal[:toRemove] {
		q.releaseDedupeLocked(q.jobs[c.id])
		delete(q.jobs, c.id)
		pruned = append(pruned, c.id)
	}
	return pruned
}

func (q *Queue) deleteJobsFromStore(ids []string) {
	if q.store == nil {
		return
	}
	for _, id := range ids {
		if err := q.store.DeleteJob(context.Background(), id); err != nil {
			log.Error("Failed to delete pruned job %s from store: %v", id, err)
		}
	}
}

// hydrateFromStore restores retained jobs. Pending jobs run again once the
// queue starts; a job that was streaming when the process stopped is marked
// failed, since its subscribers have already seen part of the output.
func (q *Queue) hydrateFromStore(ctx context.Context) {
	if q.store == nil {
		return
	}
	loaded, err := q.store.LoadJobs(ctx)
	if err != nil {
		log.Error("Failed to load jobs from store: %v", err)
		return
	}

	now := time.Now()
	toPersist := make([]*Job, 0)
	q.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		job := cloneJob(raw)
		if job.Status == StatusRunning {
			job.Status = StatusFailed
			job.Error = "interrupted by restart"
			job.UpdatedAt = now
			toPersist = append(toPersist, cloneJob(job))
		}
		q.jobs[job.ID] = job
		if job.Status != StatusFailed && job.IdempotencyKey != "" {
			q.dedupe[dedupeKey{owner: job.Owner, key: job.IdempotencyKey}] = job.ID
		}
		q.updateIDCounterLocked(job.ID)
	}
	q.mu.Unlock()

	for _, job := range toPersist {
		q.persistJob(job)
	}
	if len(loaded) > 0 {
		log.Info("Restored %d jobs from store", len(loaded))
	}
}

func (q *Queue) updateIDCounterLocked(jobID string) {
	if !strings.HasPrefix(jobID, "job-") {
		return
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(jobID, "job-"), 10, 64)
	if err != nil {
		return
	}
	if n > q.idCounter {
		q.idCounter = n
	}
}

func (q *Queue) persistJob(job *Job) {
	if q.store == nil || job == nil {
		return
	}
	if err := q.store.UpsertJob(context.Background(), job); err != nil {
		log.Error("Failed to persist job %s: %v", job.ID, err)
	}
}

func terminalEvent(name, jobID string) channel.Event {
	ev, _ := channel.NewEvent(name, channel.JobPayload{JobID: jobID})
	return ev
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	tmp := *job
	return &tmp
}
