// Package sqlstore persists tasks in a relational database through
// database/sql. SQLite (mattn/go-sqlite3) and PostgreSQL (pgx stdlib) are
// supported; the schema is managed with goose.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"taskq/internal/domain"
	"taskq/internal/ports"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "github.com/mattn/go-sqlite3"    // registers "sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

var _ ports.TaskStore = (*Store)(nil)

const columns = "id, type, params, priority, status, created_at, updated_at, result, error, progress"

type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open connects to dsn and, when migrate is set, applies pending migrations.
func Open(ctx context.Context, dialect Dialect, dsn string, migrate bool) (*Store, error) {
	var driver string
	switch dialect {
	case SQLite:
		driver = "sqlite3"
	case Postgres:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, domain.NewStorageError("open", err)
	}
	if dialect == SQLite {
		// a single writer avoids SQLITE_BUSY and keeps :memory: databases shared
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, domain.NewStorageError("open", err)
	}

	s := New(db, dialect)
	if migrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// New wraps an already opened database. The schema must exist.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	gd := goose.DialectSQLite3
	if s.dialect == Postgres {
		gd = goose.DialectPostgres
	}
	provider, err := goose.NewProvider(gd, s.db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return domain.NewStorageError("migrate", err)
	}
	for _, r := range results {
		log.Ctx(ctx).Info().
			Str("migration", r.Source.Path).
			Dur("took", r.Duration).
			Msg("applied migration")
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, taskType string, params map[string]any, priority int) (domain.Task, error) {
	if params == nil {
		params = map[string]any{}
	}
	now := s.now()
	t := domain.Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Params:    params,
		Priority:  priority,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	p, err := encodeJSON(params)
	if err != nil {
		return domain.Task{}, fmt.Errorf("%w: params are not JSON encodable: %v", domain.ErrInvalidState, err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(
		"INSERT INTO tasks (id, type, params, priority, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)"),
		t.ID, t.Type, p, t.Priority, string(t.Status), t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return domain.Task{}, domain.NewStorageError("create", err)
	}
	return t, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+columns+" FROM tasks WHERE id = ?"), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, domain.NewStorageError("get", err)
	}
	return t, nil
}

func (s *Store) List(ctx context.Context, f domain.ListFilter) ([]domain.Task, error) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString("SELECT " + columns + " FROM tasks WHERE 1=1")
	if f.Status != nil {
		b.WriteString(" AND status = ?")
		args = append(args, string(*f.Status))
	}
	if f.Since != nil {
		b.WriteString(" AND created_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if f.OldestFirst {
		b.WriteString(" ORDER BY created_at ASC, id ASC")
	} else {
		b.WriteString(" ORDER BY created_at DESC, id DESC")
	}
	b.WriteString(" LIMIT ?")
	args = append(args, f.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, s.rebind(b.String()), args...)
	if err != nil {
		return nil, domain.NewStorageError("list", err)
	}
	defer rows.Close()

	out := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, domain.NewStorageError("list", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("list", err)
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, t domain.Task) error {
	return s.write(ctx, "update", t, nil)
}

func (s *Store) CompareAndUpdate(ctx context.Context, t domain.Task, expect domain.TaskStatus) error {
	return s.write(ctx, "compare_and_update", t, &expect)
}

func (s *Store) write(ctx context.Context, op string, t domain.Task, expect *domain.TaskStatus) error {
	var result sql.NullString
	if t.Result != nil {
		r, err := encodeJSON(t.Result)
		if err != nil {
			return fmt.Errorf("%w: result is not JSON encodable: %v", domain.ErrInvalidState, err)
		}
		result = sql.NullString{String: r, Valid: true}
	}
	var errMsg sql.NullString
	if t.Error != nil {
		errMsg = sql.NullString{String: *t.Error, Valid: true}
	}
	var progress sql.NullFloat64
	if t.Progress != nil {
		progress = sql.NullFloat64{Float64: *t.Progress, Valid: true}
	}

	// updated_at never goes below created_at
	now := s.now().UnixNano()
	q := `UPDATE tasks SET status = ?,
		updated_at = CASE WHEN created_at > ? THEN created_at ELSE ? END,
		result = ?, error = ?, progress = ?
		WHERE id = ?`
	args := []any{string(t.Status), now, now, result, errMsg, progress, t.ID}
	if expect != nil {
		q += " AND status = ?"
		args = append(args, string(*expect))
	}

	res, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return domain.NewStorageError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewStorageError(op, err)
	}
	if n > 0 {
		return nil
	}

	// nothing matched: tell a missing row from a status mismatch
	if _, err := s.Get(ctx, t.ID); err != nil {
		return err
	}
	return domain.ErrConflict
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM tasks WHERE id = ?"), id)
	if err != nil {
		return domain.NewStorageError("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewStorageError("delete", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// rebind rewrites ? placeholders as $n for postgres.
func (s *Store) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
