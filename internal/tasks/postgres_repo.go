package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps tasks in PostgreSQL through a pgx connection pool.
// Each call acquires a pooled connection for one transaction and releases it
// on return.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (r *PostgresStore) Close() error {
	r.pool.Close()
	return nil
}

// ApplyMigrations ensures schema exists. BIGSERIAL sequences never hand out
// an id twice.
func (r *PostgresStore) ApplyMigrations(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tasks (
	id BIGSERIAL PRIMARY KEY,
	title TEXT,
	create_date TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
	done_date TIMESTAMPTZ,
	status TEXT DEFAULT 'waiting'
);
CREATE INDEX IF NOT EXISTS ix_tasks_title ON tasks (title);
	`)
	return err
}

func (r *PostgresStore) Create(ctx context.Context, d Draft) (Task, error) {
	cols, args := draftColumns(d, encodePgTime)
	var t Task
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		t, err = scanPgTask(tx.QueryRow(ctx, insertSQL(cols, dollar), args...))
		return err
	})
	if err != nil {
		return Task{}, storeErr("create", err)
	}
	return t, nil
}

func (r *PostgresStore) Get(ctx context.Context, id int64) (Task, error) {
	t, err := scanPgTask(r.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	return t, r.mapErr("get", err)
}

func (r *PostgresStore) List(ctx context.Context) ([]Task, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id ASC`)
	if err != nil {
		return nil, storeErr("list", err)
	}
	defer rows.Close()

	out := make([]Task, 0)
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, storeErr("list", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list", err)
	}
	return out, nil
}

func (r *PostgresStore) Update(ctx context.Context, id int64, d Draft) (Task, error) {
	cols, args := draftColumns(d, encodePgTime)
	var t Task
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var row pgx.Row
		if len(cols) == 0 {
			row = tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
		} else {
			row = tx.QueryRow(ctx, updateSQL(cols, dollar), append(args, id)...)
		}
		var err error
		t, err = scanPgTask(row)
		return err
	})
	return t, r.mapErr("update", err)
}

func (r *PostgresStore) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return storeErr("delete", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresStore) mapErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return storeErr(op, err)
}

func scanPgTask(row pgx.Row) (Task, error) {
	var (
		t             Task
		title, status pgtype.Text
		created, done pgtype.Timestamptz
	)
	if err := row.Scan(&t.ID, &title, &created, &done, &status); err != nil {
		return Task{}, err
	}
	if title.Valid {
		t.Title = strPtr(title.String)
	}
	if status.Valid {
		t.Status = strPtr(status.String)
	}
	if created.Valid {
		t.CreateDate = utcPtr(&created.Time)
	}
	if done.Valid {
		t.DoneDate = utcPtr(&done.Time)
	}
	return t, nil
}

func encodePgTime(ts time.Time) any {
	return ts.UTC()
}
