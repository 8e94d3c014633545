package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/omicsflow/internal/domain"
	"github.com/animus-labs/omicsflow/internal/repo"
)

type RunStore struct {
	db DB
}

const runColumns = `run_id, workflow_id, version_name, role_arn, status, parameters, started_at`

const (
	insertRunQuery = `INSERT INTO workflow_runs (
		run_id,
		workflow_id,
		version_name,
		role_arn,
		status,
		parameters,
		started_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`

	selectRunQuery = `SELECT ` + runColumns + `
	 FROM workflow_runs
	 WHERE run_id = $1`

	listRunsQuery = `SELECT ` + runColumns + `
	 FROM workflow_runs
	 WHERE ($1 = '' OR workflow_id = $1) AND ($2 = '' OR version_name = $2)
	 ORDER BY started_at DESC, run_id
	 LIMIT $3`

	updateRunStatusQuery = `UPDATE workflow_runs SET status = $2 WHERE run_id = $1`
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if strings.TrimSpace(run.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	params, err := encodeParameters(run.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		insertRunQuery,
		run.RunID,
		run.WorkflowID,
		run.VersionName,
		run.RoleARN,
		string(run.Status),
		params,
		normalizeTime(run.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRunQuery, runID))
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listRunsQuery,
		strings.TrimSpace(filter.WorkflowID),
		strings.TrimSpace(filter.VersionName),
		repo.NormalizeLimit(filter.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

func (s *RunStore) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	res, err := s.db.ExecContext(ctx, updateRunStatusQuery, strings.TrimSpace(runID), string(status))
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanRun(row rowScanner) (domain.Run, error) {
	var (
		run    domain.Run
		status string
		params []byte
	)
	if err := row.Scan(&run.RunID, &run.WorkflowID, &run.VersionName, &run.RoleARN, &status, &params, &run.StartedAt); err != nil {
		return domain.Run{}, err
	}
	decoded, err := decodeParameters(params)
	if err != nil {
		return domain.Run{}, fmt.Errorf("decode parameters: %w", err)
	}
	run.Status = domain.RunStatus(status)
	run.Parameters = decoded
	run.StartedAt = run.StartedAt.UTC()
	return run, nil
}
