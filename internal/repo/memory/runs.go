package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/animus-labs/omicsflow/internal/domain"
	"github.com/animus-labs/omicsflow/internal/repo"
)

type RunStore struct {
	mu   sync.RWMutex
	runs map[string]domain.Run
}

func NewRunStore() *RunStore {
	return &RunStore{runs: map[string]domain.Run{}}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.RunID]; exists {
		return &domain.Error{Class: domain.ClassValidation, Kind: "DuplicateRun", Field: "runId", Value: run.RunID}
	}
	s.runs[run.RunID] = run
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	if err := ctx.Err(); err != nil {
		return domain.Run{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return domain.Run{}, domain.ErrNotFound
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]domain.Run, 0)
	for _, run := range s.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.VersionName != "" && run.VersionName != filter.VersionName {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	if limit := repo.NormalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *RunStore) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return domain.ErrNotFound
	}
	run.Status = status
	s.runs[runID] = run
	return nil
}
