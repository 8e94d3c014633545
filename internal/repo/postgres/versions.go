package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/animus-labs/omicsflow/internal/domain"
	"github.com/animus-labs/omicsflow/internal/repo"
)

type VersionStore struct {
	db DB
}

const versionColumns = `version_id, workflow_id, version_name, bundle_digest, state, status_reason, definition_uri, created_at, updated_at`

const (
	insertVersionQuery = `INSERT INTO workflow_versions (
		version_id,
		workflow_id,
		version_name,
		bundle_digest,
		state,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,$4,'PENDING',$5,$5)
	ON CONFLICT (workflow_id, version_name) DO NOTHING
	RETURNING ` + versionColumns

	selectVersionQuery = `SELECT ` + versionColumns + `
	 FROM workflow_versions
	 WHERE workflow_id = $1 AND version_name = $2`

	listVersionsQuery = `SELECT ` + versionColumns + `
	 FROM workflow_versions
	 WHERE ($1 = '' OR workflow_id = $1) AND ($2 = '' OR state = $2)
	 ORDER BY created_at DESC, workflow_id, version_name
	 LIMIT $3`

	transitionVersionQuery = `UPDATE workflow_versions
	 SET state = $3, status_reason = $4, updated_at = now()
	 WHERE workflow_id = $1 AND version_name = $2 AND state = 'PENDING'
	 RETURNING ` + versionColumns

	setDefinitionURIQuery = `UPDATE workflow_versions
	 SET definition_uri = $3, updated_at = now()
	 WHERE workflow_id = $1 AND version_name = $2 AND state = 'PENDING'
	 RETURNING ` + versionColumns
)

func NewVersionStore(db DB) *VersionStore {
	if db == nil {
		return nil
	}
	return &VersionStore{db: db}
}

func (s *VersionStore) Insert(ctx context.Context, version domain.WorkflowVersion) (domain.WorkflowVersion, error) {
	if s == nil || s.db == nil {
		return domain.WorkflowVersion{}, fmt.Errorf("version store not initialized")
	}
	key := version.Key()
	if err := requireKey(key); err != nil {
		return domain.WorkflowVersion{}, err
	}
	if err := version.BundleDigest.Validate(); err != nil {
		return domain.WorkflowVersion{}, fmt.Errorf("bundle digest: %w", err)
	}
	id := strings.TrimSpace(version.ID)
	if id == "" {
		id = uuid.NewString()
	}

	out, err := scanVersion(s.db.QueryRowContext(
		ctx,
		insertVersionQuery,
		id,
		key.WorkflowID,
		key.VersionName,
		version.BundleDigest.String(),
		normalizeTime(version.CreatedAt),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WorkflowVersion{}, &domain.Error{
				Class: domain.ClassValidation,
				Kind:  "DuplicateVersion",
				Field: "versionName",
				Value: key.String(),
				Err:   domain.ErrDuplicateVersion,
			}
		}
		return domain.WorkflowVersion{}, fmt.Errorf("insert workflow version: %w", err)
	}
	return out, nil
}

func (s *VersionStore) Get(ctx context.Context, key domain.VersionKey) (domain.WorkflowVersion, error) {
	if s == nil || s.db == nil {
		return domain.WorkflowVersion{}, fmt.Errorf("version store not initialized")
	}
	if err := requireKey(key); err != nil {
		return domain.WorkflowVersion{}, err
	}
	out, err := scanVersion(s.db.QueryRowContext(ctx, selectVersionQuery, key.WorkflowID, key.VersionName))
	if err != nil {
		return domain.WorkflowVersion{}, handleNotFound(err)
	}
	return out, nil
}

func (s *VersionStore) List(ctx context.Context, filter repo.VersionFilter) ([]domain.WorkflowVersion, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("version store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listVersionsQuery,
		strings.TrimSpace(filter.WorkflowID),
		string(filter.State),
		repo.NormalizeLimit(filter.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list workflow versions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.WorkflowVersion, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workflow versions: %w", err)
	}
	return out, nil
}

// Transition applies the move with a compare-and-set on state = 'PENDING'.
// When no row changes the stored version decides between an idempotent
// re-observation and a terminal-state conflict.
func (s *VersionStore) Transition(ctx context.Context, key domain.VersionKey, to domain.VersionState, reason string) (domain.WorkflowVersion, bool, error) {
	if s == nil || s.db == nil {
		return domain.WorkflowVersion{}, false, fmt.Errorf("version store not initialized")
	}
	if err := requireKey(key); err != nil {
		return domain.WorkflowVersion{}, false, err
	}
	if !to.Valid() {
		return domain.WorkflowVersion{}, false, domain.ValidateVersionTransition(domain.VersionPending, to)
	}
	if to != domain.VersionPending {
		out, err := scanVersion(s.db.QueryRowContext(ctx, transitionVersionQuery, key.WorkflowID, key.VersionName, string(to), strings.TrimSpace(reason)))
		if err == nil {
			return out, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.WorkflowVersion{}, false, fmt.Errorf("transition workflow version: %w", err)
		}
	}

	current, err := s.Get(ctx, key)
	if err != nil {
		return domain.WorkflowVersion{}, false, err
	}
	if _, err := repo.CheckTransition(current, to); err != nil {
		return current, false, err
	}
	return current, false, nil
}

func (s *VersionStore) SetDefinitionURI(ctx context.Context, key domain.VersionKey, uri string) (domain.WorkflowVersion, error) {
	if s == nil || s.db == nil {
		return domain.WorkflowVersion{}, fmt.Errorf("version store not initialized")
	}
	if err := requireKey(key); err != nil {
		return domain.WorkflowVersion{}, err
	}
	out, err := scanVersion(s.db.QueryRowContext(ctx, setDefinitionURIQuery, key.WorkflowID, key.VersionName, strings.TrimSpace(uri)))
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.WorkflowVersion{}, fmt.Errorf("set definition uri: %w", err)
	}
	current, err := s.Get(ctx, key)
	if err != nil {
		return domain.WorkflowVersion{}, err
	}
	return current, &domain.Error{
		Class: domain.ClassValidation,
		Kind:  "TerminalState",
		Field: "definitionUri",
		Value: key.String(),
		Bound: string(current.State),
		Err:   domain.ErrTerminalState,
	}
}

func scanVersion(row rowScanner) (domain.WorkflowVersion, error) {
	var (
		v      domain.WorkflowVersion
		dgst   string
		state  string
		reason sql.NullString
		uri    sql.NullString
	)
	if err := row.Scan(&v.ID, &v.WorkflowID, &v.VersionName, &dgst, &state, &reason, &uri, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return domain.WorkflowVersion{}, err
	}
	v.BundleDigest = digest.Digest(dgst)
	v.State = domain.VersionState(state)
	v.StatusReason = reason.String
	v.DefinitionURI = uri.String
	v.CreatedAt = v.CreatedAt.UTC()
	v.UpdatedAt = v.UpdatedAt.UTC()
	return v, nil
}
