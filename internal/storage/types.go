package storage

import (
	"context"
	"errors"
	"hash/fnv"
	"time"
)

// ErrNotFound is returned by Read when nothing has been persisted yet.
var ErrNotFound = errors.New("storage: document not found")

var ErrClosed = errors.New("storage: closed")

// Config selects and configures a driver.
type Config struct {
	Driver string

	// Path is the file path (file, sqlite) or directory (badger).
	Path string
	// DSN is the postgres connection string.
	DSN string
	// Key names the document: the row id (sql), the redis key or the badger key.
	Key string

	BusyTimeout time.Duration // sqlite

	// PollInterval paces change detection for sqlite, postgres and redis.
	PollInterval time.Duration

	Redis RedisConfig
}

type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// Store is the persistence API used by the configuration store.
type Store interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, doc []byte) error
	Delete(ctx context.Context) error
	Close() error
}

// Watcher is implemented by drivers that can detect edits made by other
// processes. Watch blocks until ctx is done and calls onChange after each
// external modification.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

const defaultKey = "alarm"

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
