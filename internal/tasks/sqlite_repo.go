package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Reasonable pragmas for an app server
	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
		PRAGMA foreign_keys=ON;
	`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (r *SQLiteStore) Close() error { return r.db.Close() }

// ApplyMigrations ensures schema exists. AUTOINCREMENT keeps ids from being
// reused after deletes.
func (r *SQLiteStore) ApplyMigrations(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT,
	create_date TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	done_date TEXT,
	status TEXT DEFAULT 'waiting'
);
CREATE INDEX IF NOT EXISTS ix_tasks_title ON tasks (title);
	`)
	return err
}

func (r *SQLiteStore) Create(ctx context.Context, d Draft) (Task, error) {
	cols, args := draftColumns(d, encodeSQLiteTime)
	var t Task
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = scanSQLiteTask(tx.QueryRowContext(ctx, insertSQL(cols, questionMark), args...))
		return err
	})
	if err != nil {
		return Task{}, storeErr("create", err)
	}
	return t, nil
}

func (r *SQLiteStore) Get(ctx context.Context, id int64) (Task, error) {
	var t Task
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = scanSQLiteTask(tx.QueryRowContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
		return err
	})
	return t, r.mapErr("get", err)
}

func (r *SQLiteStore) List(ctx context.Context) ([]Task, error) {
	var out []Task
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = make([]Task, 0)
		for rows.Next() {
			t, err := scanSQLiteTask(rows)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storeErr("list", err)
	}
	return out, nil
}

// Update with an empty draft only checks that the task exists.
func (r *SQLiteStore) Update(ctx context.Context, id int64, d Draft) (Task, error) {
	cols, args := draftColumns(d, encodeSQLiteTime)
	var t Task
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var row *sql.Row
		if len(cols) == 0 {
			row = tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		} else {
			row = tx.QueryRowContext(ctx, updateSQL(cols, questionMark), append(args, id)...)
		}
		var err error
		t, err = scanSQLiteTask(row)
		return err
	})
	return t, r.mapErr("update", err)
}

func (r *SQLiteStore) Delete(ctx context.Context, id int64) error {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
	return r.mapErr("delete", err)
}

// withTx runs fn in its own transaction; the transaction is always finished
// before returning.
func (r *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *SQLiteStore) mapErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return storeErr(op, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (Task, error) {
	var (
		t                          Task
		title, created, done, stat sql.NullString
	)
	if err := row.Scan(&t.ID, &title, &created, &done, &stat); err != nil {
		return Task{}, err
	}
	if title.Valid {
		t.Title = strPtr(title.String)
	}
	if stat.Valid {
		t.Status = strPtr(stat.String)
	}
	var err error
	if t.CreateDate, err = decodeSQLiteTime(created); err != nil {
		return Task{}, fmt.Errorf("task %d create_date: %w", t.ID, err)
	}
	if t.DoneDate, err = decodeSQLiteTime(done); err != nil {
		return Task{}, fmt.Errorf("task %d done_date: %w", t.ID, err)
	}
	return t, nil
}

func encodeSQLiteTime(ts time.Time) any {
	return ts.UTC().Format(time.RFC3339Nano)
}

func decodeSQLiteTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	ts = ts.UTC()
	return &ts, nil
}

// Helper to build DSN like: file:/absolute/path?_pragma=busy_timeout(5000)
func SQLiteFileDSN(path string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return "file:" + filepath.ToSlash(abs) + "?_pragma=busy_timeout(5000)", nil
}
