package storage

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

const DefaultExecutionLimit = 50

func (s *Store) RecordExecution(ctx context.Context, e Execution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	q := s.sql.Insert("executions").
		Columns("id", "user_id", "prompt", "tool", "action", "strategy", "success", "error", "code").
		Values(e.ID, e.UserID, e.Prompt, e.Tool, e.Action, e.Strategy, e.Success, e.Error, e.Code)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build record execution query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// ListExecutions returns the newest executions first.
func (s *Store) ListExecutions(ctx context.Context, userID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = DefaultExecutionLimit
	}
	q := s.sql.Select("id", "user_id", "prompt", "tool", "action", "strategy", "success", "error", "code", "created_at").
		From("executions").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list executions query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := make([]Execution, 0)
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.ID, &e.UserID, &e.Prompt, &e.Tool, &e.Action, &e.Strategy, &e.Success, &e.Error, &e.Code, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}
