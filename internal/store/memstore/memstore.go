// Package memstore is an in-process Store implementation used by unit tests
// and local smoke-runs.
package memstore

import (
	"context"
	"sync"

	"github.com/clipforge/clipforge/internal/jobmodel"
	"github.com/clipforge/clipforge/internal/store"
	"github.com/google/uuid"
)

type Store struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*jobmodel.Job
	settings map[int64]*jobmodel.UserSettings
}

func New() *Store {
	return &Store{
		jobs:     make(map[uuid.UUID]*jobmodel.Job),
		settings: make(map[int64]*jobmodel.UserSettings),
	}
}

func (s *Store) PutJob(_ context.Context, job *jobmodel.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *job
	s.jobs[job.TaskID] = &cp
	return nil
}

func (s *Store) GetJob(_ context.Context, taskID uuid.UUID) (*jobmodel.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}

	cp := *job
	return &cp, nil
}

func (s *Store) ListActiveByUser(_ context.Context, userID int64) ([]*jobmodel.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*jobmodel.Job
	for _, job := range s.jobs {
		if job.UserID == userID && !job.Status.Terminal() {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) UpdateStatus(_ context.Context, taskID uuid.UUID, from, to jobmodel.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[taskID]
	if !ok {
		return store.ErrNotFound
	}

	if job.Status != from || !jobmodel.CanTransition(from, to) {
		return store.ErrStaleStatus
	}

	job.Status = to
	return nil
}

func (s *Store) SetBrokerMessageID(_ context.Context, taskID uuid.UUID, brokerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[taskID]
	if !ok {
		return store.ErrNotFound
	}
	job.JobData.BrokerMessageID = brokerMessageID
	return nil
}

func (s *Store) SetAnalysis(_ context.Context, taskID uuid.UUID, analysis jobmodel.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[taskID]
	if !ok {
		return store.ErrNotFound
	}
	cp := analysis
	job.Analysis = &cp
	return nil
}

func (s *Store) SetCPUQueue(_ context.Context, taskID uuid.UUID, queue jobmodel.CPUQueue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[taskID]
	if !ok {
		return store.ErrNotFound
	}
	job.JobData.CPUQueue = queue
	return nil
}

func (s *Store) SetFailureReason(_ context.Context, taskID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[taskID]
	if !ok {
		return store.ErrNotFound
	}
	job.FailureReason = reason
	return nil
}

func (s *Store) RemoveJob(_ context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, taskID)
	return nil
}

func (s *Store) GetUserSettings(_ context.Context, userID int64) (*jobmodel.UserSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, ok := s.settings[userID]
	if !ok {
		return &jobmodel.UserSettings{UserID: userID}, nil
	}

	cp := *settings
	return &cp, nil
}

func (s *Store) PutUserSettings(_ context.Context, settings *jobmodel.UserSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *settings
	s.settings[settings.UserID] = &cp
	return nil
}

var _ store.Store = (*Store)(nil)
