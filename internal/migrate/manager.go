package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"medshare.org/internal/obs"
)

const (
	defaultMigrationsTable = "schema_migrations"
	upSuffix               = ".up.sql"
	downSuffix             = ".down.sql"
)

//go:embed sql/*.sql
var embedded embed.FS

// ErrNothingToRollback is returned by Down when no migration is applied.
var ErrNothingToRollback = errors.New("migrate: no migrations applied")

// Files returns the schema migrations shipped with the binary.
func Files() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migration is one entry of Status output.
type Migration struct {
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// Manager applies SQL migrations read from an fs.FS. Each file runs in its
// own transaction together with its bookkeeping row.
type Manager struct {
	db              *sql.DB
	files           fs.FS
	migrationsTable string
	now             func() time.Time
	log             *zap.Logger
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithFiles replaces the embedded migrations.
func WithFiles(files fs.FS) Option {
	return func(m *Manager) {
		if files != nil {
			m.files = files
		}
	}
}

// WithLogger sets the logger; defaults to obs.Logger().
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager constructs a Manager over the embedded migrations.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		files:           Files(),
		migrationsTable: defaultMigrationsTable,
		now:             time.Now,
		log:             obs.Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations and returns the names it applied.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	names, err := m.upFiles()
	if err != nil {
		return nil, err
	}
	var done []string
	for _, name := range names {
		if _, ok := applied[name]; ok {
			continue
		}
		record := fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, m.migrationsTable)
		if err := m.exec(ctx, name, record, name, m.now().UTC()); err != nil {
			return done, fmt.Errorf("apply migration %s: %w", name, err)
		}
		m.log.Info("migration applied", zap.String("name", name))
		done = append(done, name)
	}
	return done, nil
}

// Down rolls back the most recently applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return "", err
	}
	history, err := m.history(ctx)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "", ErrNothingToRollback
	}
	last := history[len(history)-1].Name
	down := strings.TrimSuffix(last, upSuffix) + downSuffix
	if _, err := fs.Stat(m.files, down); err != nil {
		return "", fmt.Errorf("missing down migration for %s", last)
	}
	record := fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable)
	if err := m.exec(ctx, down, record, last); err != nil {
		return "", fmt.Errorf("rollback migration %s: %w", last, err)
	}
	m.log.Info("migration rolled back", zap.String("name", last))
	return last, nil
}

// Status lists every known migration, applied ones carrying their timestamp.
func (m *Manager) Status(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	names, err := m.upFiles()
	if err != nil {
		return nil, err
	}
	out := make([]Migration, 0, len(names))
	for _, name := range names {
		at, ok := applied[name]
		out = append(out, Migration{Name: name, Applied: ok, AppliedAt: at})
	}
	return out, nil
}

func (m *Manager) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		);`, m.migrationsTable)
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

// exec runs the statements of file plus the bookkeeping statement in one
// transaction.
func (m *Manager) exec(ctx context.Context, file, record string, args ...any) error {
	body, err := fs.ReadFile(m.files, file)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) applied(ctx context.Context) (map[string]time.Time, error) {
	history, err := m.history(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(history))
	for _, h := range history {
		out[h.Name] = h.AppliedAt
	}
	return out, nil
}

func (m *Manager) history(ctx context.Context) ([]Migration, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s order by applied_at asc, name asc`, m.migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Migration
	for rows.Next() {
		mig := Migration{Applied: true}
		if err := rows.Scan(&mig.Name, &mig.AppliedAt); err != nil {
			return nil, err
		}
		res = append(res, mig)
	}
	return res, rows.Err()
}

func (m *Manager) upFiles() ([]string, error) {
	matches, err := fs.Glob(m.files, "*"+upSuffix)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// splitStatements splits SQL on semicolons outside single-quoted literals
// and drops "--" line comments.
func splitStatements(sql string) []string {
	var stmts []string
	var current strings.Builder
	var inString, inComment bool
	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inComment:
			if r == '\n' {
				inComment = false
				current.WriteRune(r)
			}
		case r == '-' && !inString && i+1 < len(runes) && runes[i+1] == '-':
			inComment = true
			i++
		case r == '\'':
			current.WriteRune(r)
			inString = !inString
		case r == ';' && !inString:
			current.WriteRune(r)
			stmts = append(stmts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
