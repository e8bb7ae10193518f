package ingestion

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/booktarr/enricher/internal/model"
)

// JobStore holds every IngestionJob for the lifetime of the process (§6
// "Jobs are retained at least until the next process restart"). Safe for
// concurrent use; the pipeline mutates a job's counters from many
// goroutines while an HTTP caller may read its status concurrently.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*model.IngestionJob
}

// NewJobStore builds an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: map[string]*model.IngestionJob{}}
}

// create registers a new job in the pending state and returns it.
func (s *JobStore) create(total int) *model.IngestionJob {
	job := &model.IngestionJob{
		ID:     uuid.NewString(),
		Status: model.IngestionPending,
		Total:  total,
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return job
}

// Get returns the job with id, or (nil, false) if unknown.
func (s *JobStore) Get(id string) (model.IngestionJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return model.IngestionJob{}, false
	}
	return *job, true
}

func (s *JobStore) withJob(id string, fn func(job *model.IngestionJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		fn(job)
	}
}

func (s *JobStore) start(id string) {
	s.withJob(id, func(job *model.IngestionJob) {
		job.Status = model.IngestionRunning
		job.StartedAt = time.Now()
	})
}

func (s *JobStore) recordOutcome(id string, outcome model.RowOutcome) {
	s.withJob(id, func(job *model.IngestionJob) {
		switch outcome.Kind {
		case model.RowSucceeded:
			job.Succeeded++
		case model.RowSkipped:
			job.Skipped++
		case model.RowFailed:
			job.Failed++
			job.Errors = append(job.Errors, outcome.Reason)
		}
		job.Outcomes = append(job.Outcomes, outcome)
	})
}

func (s *JobStore) finish(id string, status model.IngestionStatus, reason string) {
	s.withJob(id, func(job *model.IngestionJob) {
		job.Status = status
		job.EndedAt = time.Now()
		if reason != "" {
			job.Errors = append(job.Errors, reason)
		}
	})
}
