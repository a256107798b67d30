package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	logx "alarmd/pkg/logx"
)

const schema = `CREATE TABLE IF NOT EXISTS alarm_config (
	id         TEXT PRIMARY KEY,
	doc        TEXT NOT NULL,
	updated_at BIGINT NOT NULL
)`

// sqlStore keeps the document as one row. The same queries serve sqlite and
// postgres; sqlx rebinds placeholders for the driver.
type sqlStore struct {
	db   *sqlx.DB
	key  string
	log  logx.Logger
	poll time.Duration
	own  ownWrites
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required when storage.driver=sqlite")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	return newSQLStore(db, cfg, log)
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required when storage.driver=postgres")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	return newSQLStore(db, cfg, log)
}

func newSQLStore(db *sqlx.DB, cfg Config, log logx.Logger) (*sqlStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate alarm_config: %w", err)
	}
	return &sqlStore{db: db, key: cfg.Key, log: log, poll: cfg.PollInterval}, nil
}

func (s *sqlStore) Read(ctx context.Context) ([]byte, error) {
	var doc string
	err := s.db.GetContext(ctx, &doc, s.db.Rebind(`SELECT doc FROM alarm_config WHERE id = ?`), s.key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select alarm_config: %w", err)
	}
	return []byte(doc), nil
}

func (s *sqlStore) Write(ctx context.Context, doc []byte) error {
	q := s.db.Rebind(`INSERT INTO alarm_config (id, doc, updated_at) VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`)
	s.own.begin()
	_, err := s.db.ExecContext(ctx, q, s.key, string(doc), time.Now().UnixMilli())
	s.own.end(doc, err == nil)
	if err != nil {
		return fmt.Errorf("upsert alarm_config: %w", err)
	}
	return nil
}

func (s *sqlStore) Delete(ctx context.Context) error {
	s.own.begin()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM alarm_config WHERE id = ?`), s.key)
	s.own.end(nil, err == nil)
	if err != nil {
		return fmt.Errorf("delete alarm_config: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

// Watch polls the row for edits made by other processes.
func (s *sqlStore) Watch(ctx context.Context, onChange func()) error {
	return pollWatch(ctx, s.poll, &s.own, s.log, s.Read, onChange)
}
