package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"missionctl/internal/task"
	logx "missionctl/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes read-modify-write in Update.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: cfg.Now}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, in task.CreateInput) (task.Task, error) {
	t, err := task.New(in, s.now())
	if err != nil {
		return task.Task{}, err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return task.Task{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, status, persona, category, created_at, updated_at, data) VALUES(?,?,?,?,?,?,?)`,
		t.ID, string(t.Status), string(t.Persona), string(t.Category),
		t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(), string(data),
	)
	if err != nil {
		return task.Task{}, err
	}
	return t, nil
}

func (s *sqliteStore) Update(ctx context.Context, id string, upd task.Update) (task.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return task.Task{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanTask(tx.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return task.Task{}, err
	}
	next, err := task.Apply(cur, upd, s.now())
	if err != nil {
		return cur, err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return cur, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?, data = ? WHERE id = ?`,
		string(next.Status), next.UpdatedAt.UnixNano(), string(data), id,
	); err != nil {
		return cur, err
	}
	if err := tx.Commit(); err != nil {
		return cur, err
	}
	return next, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (task.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

func (s *sqliteStore) List(ctx context.Context, f task.Filter) ([]task.Task, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Status) > 0 {
		ph := make([]string, len(f.Status))
		for i, st := range f.Status {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	if f.Persona != "" {
		where = append(where, "persona = ?")
		args = append(args, string(f.Persona))
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(f.Category))
	}
	q := `SELECT data FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Append(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	var details any
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return err
		}
		details = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, task_id, action, details, performed_by) VALUES(?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.TaskID, e.Action, details, e.PerformedBy,
	)
	return err
}

func (s *sqliteStore) Entries(ctx context.Context, taskID string, limit int) ([]AuditEntry, error) {
	q := `SELECT at, task_id, action, details, performed_by FROM audit`
	var args []any
	if taskID != "" {
		q += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	q += ` ORDER BY seq DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			at      string
			details sql.NullString
			e       AuditEntry
		)
		if err := rows.Scan(&at, &e.TaskID, &e.Action, &details, &e.PerformedBy); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (task.Task, error) {
	var data string
	if err := r.Scan(&data); err != nil {
		return task.Task{}, err
	}
	var t task.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return task.Task{}, fmt.Errorf("decode task: %w", err)
	}
	return t, nil
}
