package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/omicsflow/internal/domain"
	"github.com/animus-labs/omicsflow/internal/repo"
)

// VersionStore keeps WorkflowVersions in process memory. Inserts are a
// compare-and-insert under one mutex.
type VersionStore struct {
	mu       sync.RWMutex
	versions map[domain.VersionKey]domain.WorkflowVersion
	now      func() time.Time
}

func NewVersionStore() *VersionStore {
	return &VersionStore{
		versions: map[domain.VersionKey]domain.WorkflowVersion{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *VersionStore) Insert(ctx context.Context, version domain.WorkflowVersion) (domain.WorkflowVersion, error) {
	if err := ctx.Err(); err != nil {
		return domain.WorkflowVersion{}, err
	}
	key := version.Key()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.versions[key]; exists {
		return domain.WorkflowVersion{}, duplicate(key)
	}
	now := s.now()
	if strings.TrimSpace(version.ID) == "" {
		version.ID = uuid.NewString()
	}
	version.State = domain.VersionPending
	version.CreatedAt = now
	version.UpdatedAt = now
	s.versions[key] = version
	return version, nil
}

func (s *VersionStore) Get(ctx context.Context, key domain.VersionKey) (domain.WorkflowVersion, error) {
	if err := ctx.Err(); err != nil {
		return domain.WorkflowVersion{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[key]
	if !ok {
		return domain.WorkflowVersion{}, domain.ErrNotFound
	}
	return v, nil
}

func (s *VersionStore) List(ctx context.Context, filter repo.VersionFilter) ([]domain.WorkflowVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]domain.WorkflowVersion, 0)
	for _, v := range s.versions {
		if filter.WorkflowID != "" && v.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.State != "" && v.State != filter.State {
			continue
		}
		out = append(out, v)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	if limit := repo.NormalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *VersionStore) Transition(ctx context.Context, key domain.VersionKey, to domain.VersionState, reason string) (domain.WorkflowVersion, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.WorkflowVersion{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.versions[key]
	if !ok {
		return domain.WorkflowVersion{}, false, domain.ErrNotFound
	}
	apply, err := repo.CheckTransition(current, to)
	if err != nil || !apply {
		return current, false, err
	}
	current.State = to
	current.StatusReason = strings.TrimSpace(reason)
	current.UpdatedAt = s.now()
	s.versions[key] = current
	return current, true, nil
}

func (s *VersionStore) SetDefinitionURI(ctx context.Context, key domain.VersionKey, uri string) (domain.WorkflowVersion, error) {
	if err := ctx.Err(); err != nil {
		return domain.WorkflowVersion{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.versions[key]
	if !ok {
		return domain.WorkflowVersion{}, domain.ErrNotFound
	}
	if current.State != domain.VersionPending {
		return current, immutable(key, current.State)
	}
	current.DefinitionURI = strings.TrimSpace(uri)
	current.UpdatedAt = s.now()
	s.versions[key] = current
	return current, nil
}

func duplicate(key domain.VersionKey) error {
	return &domain.Error{
		Class: domain.ClassValidation,
		Kind:  "DuplicateVersion",
		Field: "versionName",
		Value: key.String(),
		Err:   domain.ErrDuplicateVersion,
	}
}

func immutable(key domain.VersionKey, state domain.VersionState) error {
	return &domain.Error{
		Class: domain.ClassValidation,
		Kind:  "TerminalState",
		Field: "definitionUri",
		Value: key.String(),
		Bound: string(state),
		Err:   domain.ErrTerminalState,
	}
}
