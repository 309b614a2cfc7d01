package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

var (
	// ErrSchemaUnavailable is returned when a relation is still missing after
	// the store re-applied its migrations.
	ErrSchemaUnavailable = errors.New("storage: schema unavailable")
	ErrNotFound          = errors.New("storage: record not found")
)

type Store struct {
	db      *sql.DB
	dialect string

	migrateMu sync.Mutex

	retryInitial time.Duration
	retryMax     time.Duration
	maxRetries   uint64
}

type AuditLog struct {
	ID        int64
	GuildID   string
	UserID    string
	Level     string
	Event     string
	Details   string
	CreatedAt time.Time
}

func New(driver, dsn string) (*Store, error) {
	dialect := DialectSQLite
	sqlDriver := "sqlite"
	if driver == DialectPostgres {
		dialect = DialectPostgres
		sqlDriver = "pgx"
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		// Every pooled connection to ":memory:" would be a separate database.
		db.SetMaxOpenConns(1)
	}

	return &Store{
		db:           db,
		dialect:      dialect,
		retryInitial: 100 * time.Millisecond,
		retryMax:     2 * time.Second,
		maxRetries:   5,
	}, nil
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies every embedded migration for the active dialect in
// lexical order. Statements that fail because the object already exists are
// skipped so the call is safe to repeat.
func (s *Store) Migrate(ctx context.Context) error {
	s.migrateMu.Lock()
	defer s.migrateMu.Unlock()

	dir := path.Join("migrations", s.dialect)
	entries, err := migrations.ReadDir(dir)
	if err != nil {
		return err
	}

	var files []string
	for _, entry := range entries {
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := migrations.ReadFile(path.Join(dir, file))
		if err != nil {
			return err
		}
		for _, stmt := range splitStatements(string(content)) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				if isIgnorableMigrationError(err) {
					continue
				}
				return fmt.Errorf("migration %s failed: %w", file, err)
			}
		}
	}
	return nil
}

func (s *Store) AddAuditLog(ctx context.Context, log AuditLog) error {
	return s.exec(ctx, `
		INSERT INTO audit_logs (guild_id, user_id, level, event, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, log.GuildID, log.UserID, log.Level, log.Event, log.Details, log.CreatedAt.Unix())
}

func (s *Store) ListAuditLogs(ctx context.Context, guildID string, since time.Time) ([]AuditLog, error) {
	return run(ctx, s, func(ctx context.Context) ([]AuditLog, error) {
		rows, err := s.db.QueryContext(ctx, s.rebind(`
			SELECT id, guild_id, user_id, level, event, details, created_at
			FROM audit_logs
			WHERE guild_id = ? AND created_at >= ?
			ORDER BY created_at DESC, id DESC
		`), guildID, since.Unix())
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var logs []AuditLog
		for rows.Next() {
			var log AuditLog
			var created int64
			if err := rows.Scan(&log.ID, &log.GuildID, &log.UserID, &log.Level, &log.Event, &log.Details, &created); err != nil {
				return nil, err
			}
			log.CreatedAt = time.Unix(created, 0)
			logs = append(logs, log)
		}
		return logs, rows.Err()
	})
}

func (s *Store) CleanupAuditLogs(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	return s.exec(ctx, `DELETE FROM audit_logs WHERE created_at < ?`, cutoff.Unix())
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	_, err := run(ctx, s, func(ctx context.Context) (sql.Result, error) {
		return s.db.ExecContext(ctx, s.rebind(query), args...)
	})
	return err
}

// run executes op with transient-error backoff. A missing relation triggers
// one migration pass and a single retry.
func run[T any](ctx context.Context, s *Store, op func(context.Context) (T, error)) (T, error) {
	result, err := retryOp(ctx, s, op)
	if err == nil || !isMissingTable(err) {
		return result, err
	}

	if merr := s.Migrate(ctx); merr != nil {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrSchemaUnavailable, merr)
	}

	result, err = retryOp(ctx, s, op)
	if err != nil && isMissingTable(err) {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrSchemaUnavailable, err)
	}
	return result, err
}

func retryOp[T any](ctx context.Context, s *Store, op func(context.Context) (T, error)) (T, error) {
	var result T
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.retryInitial),
		backoff.WithMaxInterval(s.retryMax),
	), s.maxRetries)

	err := backoff.Retry(func() error {
		var err error
		result, err = op(ctx)
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
	return result, err
}

func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
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

func splitStatements(content string) []string {
	var out []string
	for _, part := range strings.Split(content, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func isMissingTable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P01"
	}
	return strings.Contains(err.Error(), "no such table")
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == "40001",
			pgErr.Code == "40P01",
			pgErr.Code == "53300",
			pgErr.Code == "57P03":
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset by peer")
}

func isIgnorableMigrationError(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "duplicate column name") || strings.Contains(message, "already exists")
}
