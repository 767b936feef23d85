package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Store is the queryable SQL mirror of the transcript sink.
type Store struct {
	db     *sql.DB
	driver string
	sql    sq.StatementBuilderType
}

func OpenStore(ctx context.Context, driver, dsn string, autoMigrate bool, migrationsDir string) (*Store, error) {
	driver = normalizeDriver(driver)
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if autoMigrate {
		switch driver {
		case "postgres":
			if migrationsDir == "" {
				migrationsDir = "migrations"
			}
			if err := goose.SetDialect("postgres"); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("set goose dialect: %w", err)
			}
			if err := goose.Up(db, migrationsDir); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		case "sqlite":
			if err := initSQLiteSchema(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("init sqlite schema: %w", err)
			}
		default:
			_ = db.Close()
			return nil, fmt.Errorf("unsupported driver %q", driver)
		}
	}

	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == "postgres" {
		placeholder = sq.Dollar
	}

	return &Store{
		db:     db,
		driver: driver,
		sql:    sq.StatementBuilder.PlaceholderFormat(placeholder),
	}, nil
}

func normalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch d {
	case "postgres", "pgx":
		return "postgres"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return d
	}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert persists one transcript record. The full session snapshot goes into
// the state_json column so records remain reconstructable.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	stateJSON, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("marshal state snapshot: %w", err)
	}

	q := s.sql.Insert("transcripts").
		Columns("tstamp", "record_type", "model", "ip", "start_ts", "finish_ts", "state_json").
		Values(rec.Tstamp, rec.Type, rec.Model, rec.IP, rec.Start, rec.Finish, string(stateJSON))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build transcript insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

// CountByModel returns how many records of a type exist per model. Backs the
// stats endpoint.
func (s *Store) CountByModel(ctx context.Context, recordType string) (map[string]int64, error) {
	q := s.sql.Select("model", "COUNT(*)").
		From("transcripts").
		Where(sq.Eq{"record_type": recordType}).
		GroupBy("model")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build transcript count: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("count transcripts: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var model string
		var n int64
		if err := rows.Scan(&model, &n); err != nil {
			return nil, fmt.Errorf("scan transcript count: %w", err)
		}
		out[model] = n
	}
	return out, rows.Err()
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS transcripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tstamp REAL NOT NULL,
    record_type TEXT NOT NULL,
    model TEXT NOT NULL,
    ip TEXT NOT NULL DEFAULT '',
    start_ts REAL NOT NULL DEFAULT 0,
    finish_ts REAL NOT NULL DEFAULT 0,
    state_json TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_transcripts_model ON transcripts(model);
CREATE INDEX IF NOT EXISTS idx_transcripts_type_tstamp ON transcripts(record_type, tstamp DESC);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}
