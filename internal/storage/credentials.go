package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

var credentialColumns = []string{
	"id", "user_id", "provider", "display_name", "enc_access_token", "enc_refresh_token",
	"expires_at", "metadata_json", "created_at", "updated_at",
}

// ReplaceCredential drops every credential the user holds for c.Provider and inserts c.
func (s *Store) ReplaceCredential(ctx context.Context, c Credential) (Credential, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("begin replace credential: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := s.sql.Delete("credentials").Where(sq.Eq{"user_id": c.UserID, "provider": c.Provider})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Credential{}, fmt.Errorf("build delete credentials query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return Credential{}, fmt.Errorf("delete credentials: %w", err)
	}

	out, err := s.insertCredential(ctx, tx, c)
	if err != nil {
		return Credential{}, err
	}
	if err := tx.Commit(); err != nil {
		return Credential{}, fmt.Errorf("commit replace credential: %w", err)
	}
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertCredential(ctx context.Context, db execer, c Credential) (Credential, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.MetadataJSON == "" {
		c.MetadataJSON = "{}"
	}
	q := s.sql.Insert("credentials").
		Columns("id", "user_id", "provider", "display_name", "enc_access_token", "enc_refresh_token", "expires_at", "metadata_json", "seq").
		Values(c.ID, c.UserID, c.Provider, c.DisplayName, c.EncAccessToken, c.EncRefreshToken, unixOrNil(c.ExpiresAt), c.MetadataJSON,
			sq.Expr("(SELECT COALESCE(MAX(seq), 0) + 1 FROM credentials)"))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Credential{}, fmt.Errorf("build create credential query: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Credential{}, fmt.Errorf("create credential: %w", err)
	}
	return c, nil
}

func (s *Store) ListCredentials(ctx context.Context, userID string) ([]Credential, error) {
	q := s.sql.Select(credentialColumns...).
		From("credentials").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("seq ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list credentials query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	out := make([]Credential, 0)
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}

// FirstCredentialByProvider returns the earliest inserted credential the user holds for provider.
func (s *Store) FirstCredentialByProvider(ctx context.Context, userID, provider string) (Credential, error) {
	q := s.sql.Select(credentialColumns...).
		From("credentials").
		Where(sq.Eq{"user_id": userID, "provider": provider}).
		OrderBy("seq ASC", "id ASC").
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Credential{}, fmt.Errorf("build credential by provider query: %w", err)
	}

	c, err := scanCredential(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("get credential by provider: %w", err)
	}
	return c, nil
}

func (s *Store) UpdateCredentialTokens(ctx context.Context, id, encAccessToken string, encRefreshToken *string, expiresAt *time.Time) error {
	q := s.sql.Update("credentials").
		Set("enc_access_token", encAccessToken).
		Set("expires_at", unixOrNil(expiresAt)).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": id})
	if encRefreshToken != nil {
		q = q.Set("enc_refresh_token", *encRefreshToken)
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update credential tokens query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update credential tokens: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) DeleteCredential(ctx context.Context, userID, id string) error {
	q := s.sql.Delete("credentials").Where(sq.Eq{"user_id": userID, "id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete credential query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return requireAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (Credential, error) {
	var c Credential
	var encRefresh sql.NullString
	var expires sql.NullInt64
	if err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.Provider,
		&c.DisplayName,
		&c.EncAccessToken,
		&encRefresh,
		&expires,
		&c.MetadataJSON,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Credential{}, err
	}
	if encRefresh.Valid {
		v := encRefresh.String
		c.EncRefreshToken = &v
	}
	if expires.Valid {
		t := time.Unix(expires.Int64, 0).UTC()
		c.ExpiresAt = &t
	}
	return c, nil
}

func unixOrNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Unix()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
