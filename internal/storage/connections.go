package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var connectionColumns = []string{
	"id", "user_id", "external_account_id", "toolkit_name", "auth_config_id", "status", "created_at", "updated_at",
}

// UpsertConnection keeps one row per (user_id, external_account_id).
func (s *Store) UpsertConnection(ctx context.Context, c Connection) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = ConnectionPending
	}
	q := s.sql.Insert("hub_connections").
		Columns("id", "user_id", "external_account_id", "toolkit_name", "auth_config_id", "status", "updated_at").
		Values(c.ID, c.UserID, c.ExternalAccountID, c.ToolkitName, c.AuthConfigID, c.Status, nowExpr(s.driver)).
		Suffix("ON CONFLICT(user_id, external_account_id) DO UPDATE SET toolkit_name=excluded.toolkit_name, auth_config_id=excluded.auth_config_id, status=excluded.status, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert connection query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

// UpdateConnectionStatus returns ErrNotFound when no local row tracks externalAccountID.
func (s *Store) UpdateConnectionStatus(ctx context.Context, externalAccountID, status string) error {
	q := s.sql.Update("hub_connections").
		Set("status", status).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"external_account_id": externalAccountID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update connection status query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) GetConnection(ctx context.Context, userID, externalAccountID string) (Connection, error) {
	q := s.sql.Select(connectionColumns...).
		From("hub_connections").
		Where(sq.Eq{"user_id": userID, "external_account_id": externalAccountID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Connection{}, fmt.Errorf("build get connection query: %w", err)
	}
	c, err := scanConnection(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Connection{}, ErrNotFound
		}
		return Connection{}, fmt.Errorf("get connection: %w", err)
	}
	return c, nil
}

func (s *Store) ListConnections(ctx context.Context, userID string) ([]Connection, error) {
	q := s.sql.Select(connectionColumns...).
		From("hub_connections").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list connections query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	out := make([]Connection, 0)
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteConnection(ctx context.Context, userID, externalAccountID string) error {
	q := s.sql.Delete("hub_connections").Where(sq.Eq{"user_id": userID, "external_account_id": externalAccountID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete connection query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return requireAffected(res)
}

func scanConnection(row rowScanner) (Connection, error) {
	var c Connection
	err := row.Scan(&c.ID, &c.UserID, &c.ExternalAccountID, &c.ToolkitName, &c.AuthConfigID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}
