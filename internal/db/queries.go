package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on unique constraint violations
	ErrConflict = errors.New("already exists")
	// ErrStale is returned by conditional updates when the stored status is no
	// longer the one the caller read
	ErrStale = errors.New("document status changed")
)

// Queries wraps database queries
type Queries struct {
	*pgxpool.Pool
}

// NewQueries creates a new Queries instance
func NewQueries(pool *pgxpool.Pool) *Queries {
	return &Queries{Pool: pool}
}

// Document represents a documents row
type Document struct {
	Collection string
	ID         string
	OwnerID    string
	Data       map[string]interface{}
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DocumentQuery filters ListDocuments. Empty fields are not applied.
type DocumentQuery struct {
	Collection string
	OwnerID    string
	Field      string
	Value      string
}

const documentColumns = "collection, id, owner_id, data, created_at, updated_at"

func scanDocument(row pgx.Row) (Document, error) {
	var d Document
	err := row.Scan(&d.Collection, &d.ID, &d.OwnerID, &d.Data, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return d, ErrNotFound
	}
	return d, err
}

// PutDocument inserts a document with a caller-chosen id. If the id already exists
// the stored document is returned unchanged with created=false.
func (q *Queries) PutDocument(ctx context.Context, collection, id, ownerID string, data map[string]interface{}) (Document, bool, error) {
	d, err := scanDocument(q.Pool.QueryRow(ctx,
		`INSERT INTO documents (collection, id, owner_id, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection, id) DO NOTHING
		RETURNING `+documentColumns,
		collection, id, ownerID, data,
	))
	if err == nil {
		return d, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Document{}, false, err
	}

	existing, err := q.GetDocument(ctx, collection, id)
	if err != nil {
		return Document{}, false, err
	}
	return existing, false, nil
}

func (q *Queries) GetDocument(ctx context.Context, collection, id string) (Document, error) {
	return scanDocument(q.Pool.QueryRow(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE collection = $1 AND id = $2",
		collection, id,
	))
}

// UpdateFields merges patch into the document data at the top level
func (q *Queries) UpdateFields(ctx context.Context, collection, id string, patch map[string]interface{}) (Document, error) {
	return scanDocument(q.Pool.QueryRow(ctx,
		`UPDATE documents SET data = data || $3::jsonb, updated_at = NOW()
		WHERE collection = $1 AND id = $2
		RETURNING `+documentColumns,
		collection, id, patch,
	))
}

// ReplaceData overwrites the whole document body
func (q *Queries) ReplaceData(ctx context.Context, collection, id string, data map[string]interface{}) (Document, error) {
	return scanDocument(q.Pool.QueryRow(ctx,
		`UPDATE documents SET data = $3, updated_at = NOW()
		WHERE collection = $1 AND id = $2
		RETURNING `+documentColumns,
		collection, id, data,
	))
}

// UpdateFieldsIfStatus is UpdateFields applied only while data.status equals status
func (q *Queries) UpdateFieldsIfStatus(ctx context.Context, collection, id, status string, patch map[string]interface{}) (Document, error) {
	d, err := scanDocument(q.Pool.QueryRow(ctx,
		`UPDATE documents SET data = data || $4::jsonb, updated_at = NOW()
		WHERE collection = $1 AND id = $2 AND data->>'status' = $3
		RETURNING `+documentColumns,
		collection, id, status, patch,
	))
	return d, q.staleOrMissing(ctx, collection, id, err)
}

// ReplaceDataIfStatus is ReplaceData applied only while data.status equals status
func (q *Queries) ReplaceDataIfStatus(ctx context.Context, collection, id, status string, data map[string]interface{}) (Document, error) {
	d, err := scanDocument(q.Pool.QueryRow(ctx,
		`UPDATE documents SET data = $4, updated_at = NOW()
		WHERE collection = $1 AND id = $2 AND data->>'status' = $3
		RETURNING `+documentColumns,
		collection, id, status, data,
	))
	return d, q.staleOrMissing(ctx, collection, id, err)
}

// staleOrMissing tells a failed status guard apart from a deleted document
func (q *Queries) staleOrMissing(ctx context.Context, collection, id string, err error) error {
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	if _, getErr := q.GetDocument(ctx, collection, id); getErr != nil {
		return getErr
	}
	return ErrStale
}

func (q *Queries) DeleteDocument(ctx context.Context, collection, id string) error {
	result, err := q.Pool.Exec(ctx,
		"DELETE FROM documents WHERE collection = $1 AND id = $2",
		collection, id,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDocuments returns every matching document, newest first
func (q *Queries) ListDocuments(ctx context.Context, query DocumentQuery) ([]Document, error) {
	sql := "SELECT " + documentColumns + " FROM documents WHERE collection = $1"
	args := []interface{}{query.Collection}

	if query.OwnerID != "" {
		args = append(args, query.OwnerID)
		sql += fmt.Sprintf(" AND owner_id = $%d", len(args))
	}
	if query.Field != "" {
		args = append(args, query.Field, query.Value)
		sql += fmt.Sprintf(" AND data->>$%d = $%d", len(args)-1, len(args))
	}
	sql += " ORDER BY created_at DESC, id DESC"

	rows, err := q.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// User represents a users row
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

func (q *Queries) CreateUser(ctx context.Context, id, email, passwordHash, role string) (User, error) {
	var u User
	err := q.Pool.QueryRow(ctx,
		`INSERT INTO users (id, email, password_hash, role) VALUES ($1, lower($2), $3, $4)
		RETURNING id, email, password_hash, role, created_at`,
		id, email, passwordHash, role,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return u, ErrConflict
	}
	return u, err
}

func (q *Queries) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := q.Pool.QueryRow(ctx,
		"SELECT id, email, password_hash, role, created_at FROM users WHERE email = lower($1)",
		email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return u, ErrNotFound
	}
	return u, err
}
