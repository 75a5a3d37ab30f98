package todo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"todo-service/internal/auth"
)

var ErrNotFound = errors.New("todo not found")

// Repository scopes every statement to the caller: rows owned by someone
// else behave exactly like rows that do not exist, unless the identity is
// elevated.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const todoColumns = `id, title, description, priority, complete, owner_id, created_at, updated_at`

func scanTodo(row interface{ Scan(...any) error }) (Todo, error) {
	var t Todo
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Priority, &t.Complete, &t.OwnerID, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (r *Repository) List(ctx context.Context, identity auth.Identity) ([]Todo, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+todoColumns+`
		FROM todos
		WHERE ($1 OR owner_id = $2)
		ORDER BY id ASC
	`, identity.IsElevated(), identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("query todos: %w", err)
	}
	defer rows.Close()

	todos := make([]Todo, 0)
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		todos = append(todos, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate todos: %w", err)
	}

	return todos, nil
}

func (r *Repository) Get(ctx context.Context, identity auth.Identity, id int64) (Todo, error) {
	t, err := scanTodo(r.db.QueryRowContext(ctx, `
		SELECT `+todoColumns+`
		FROM todos
		WHERE id = $1 AND ($2 OR owner_id = $3)
	`, id, identity.IsElevated(), identity.UserID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Todo{}, ErrNotFound
		}
		return Todo{}, fmt.Errorf("query todo: %w", err)
	}

	return t, nil
}

func (r *Repository) Create(ctx context.Context, identity auth.Identity, input Input) (Todo, error) {
	now := time.Now().UTC()

	t, err := scanTodo(r.db.QueryRowContext(ctx, `
		INSERT INTO todos (title, description, priority, complete, owner_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING `+todoColumns+`
	`, input.Title, input.Description, input.Priority, input.Complete, identity.UserID, now))
	if err != nil {
		return Todo{}, fmt.Errorf("insert todo: %w", err)
	}

	return t, nil
}

// Update replaces every writable field in one statement; owner_id is never
// touched.
func (r *Repository) Update(ctx context.Context, identity auth.Identity, id int64, input Input) (Todo, error) {
	t, err := scanTodo(r.db.QueryRowContext(ctx, `
		UPDATE todos
		SET title = $4, description = $5, priority = $6, complete = $7, updated_at = $8
		WHERE id = $1 AND ($2 OR owner_id = $3)
		RETURNING `+todoColumns+`
	`, id, identity.IsElevated(), identity.UserID, input.Title, input.Description, input.Priority, input.Complete, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Todo{}, ErrNotFound
		}
		return Todo{}, fmt.Errorf("update todo: %w", err)
	}

	return t, nil
}

func (r *Repository) Delete(ctx context.Context, identity auth.Identity, id int64) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM todos
		WHERE id = $1 AND ($2 OR owner_id = $3)
	`, id, identity.IsElevated(), identity.UserID)
	if err != nil {
		return fmt.Errorf("delete todo: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}
