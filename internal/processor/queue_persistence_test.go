package processor

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func newMemoryStore(seed ...*Job) *memoryStore {
	s := &memoryStore{jobs: make(map[string]*Job)}
	for _, job := range seed {
		s.jobs[job.ID] = cloneJob(job)
	}
	return s
}

func (s *memoryStore) LoadJobs(context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		ret = append(ret, cloneJob(job))
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].CreatedAt.Before(ret[j].CreatedAt) })
	return ret, nil
}

func (s *memoryStore) UpsertJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *memoryStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *memoryStore) get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return cloneJob(job), ok
}

func TestQueue_PersistsTransitions(t *testing.T) {
	store := newMemoryStore()
	q := NewQueue(1, WithStore(store))
	q.Start(func(context.Context, *Job) error { return nil })
	defer q.Stop()

	job, _ := q.Enqueue(EnqueueRequest{Owner: "alice", IdempotencyKey: "k1", Input: "hello"})
	waitForStatus(t, q, job.ID, StatusCompleted)

	require.Eventually(t, func() bool {
		saved, ok := store.get(job.ID)
		return ok && saved.Status == StatusCompleted
	}, time.Second, 5*time.Millisecond)
	saved, _ := store.get(job.ID)
	assert.Equal(t, "alice", saved.Owner)
	assert.Equal(t, "k1", saved.IdempotencyKey)
}

func TestQueue_HydratesFromStore(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	store := newMemoryStore(
		&Job{ID: "job-7", Owner: "alice", IdempotencyKey: "done", Input: "a", Status: StatusCompleted, CreatedAt: created, UpdatedAt: created},
		&Job{ID: "job-8", Owner: "alice", IdempotencyKey: "mid", Input: "b", Status: StatusRunning, CreatedAt: created, UpdatedAt: created},
		&Job{ID: "job-9", Owner: "bob", Input: "c", Status: StatusPending, CreatedAt: created, UpdatedAt: created},
	)
	pub := &recordingPublisher{}
	q := NewQueue(1, WithStore(store), WithPublisher(pub))

	// completed jobs keep their key
	replay, created1 := q.Enqueue(EnqueueRequest{Owner: "alice", IdempotencyKey: "done", Input: "a"})
	assert.False(t, created1)
	assert.Equal(t, "job-7", replay.ID)

	// interrupted jobs fail and release their key
	interrupted, ok := q.Get("job-8")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, interrupted.Status)
	saved, _ := store.get("job-8")
	assert.Equal(t, StatusFailed, saved.Status)

	retry, created2 := q.Enqueue(EnqueueRequest{Owner: "alice", IdempotencyKey: "mid", Input: "b"})
	assert.True(t, created2)
	assert.Equal(t, "job-10", retry.ID)

	q.Start(func(context.Context, *Job) error { return nil })
	defer q.Stop()
	waitForStatus(t, q, "job-9", StatusCompleted)
	require.Eventually(t, func() bool {
		return len(pub.names("bob")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestQueue_DeletesPrunedJobsFromStore(t *testing.T) {
	store := newMemoryStore()
	q := NewQueue(1, WithStore(store), WithMaxJobs(1))
	q.Start(func(context.Context, *Job) error { return nil })
	defer q.Stop()

	first, _ := q.Enqueue(EnqueueRequest{Owner: "alice", Input: "a"})
	waitForStatus(t, q, first.ID, StatusCompleted)
	second, _ := q.Enqueue(EnqueueRequest{Owner: "alice", Input: "b"})
	waitForStatus(t, q, second.ID, StatusCompleted)

	require.Eventually(t, func() bool {
		_, ok := store.get(first.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
}
