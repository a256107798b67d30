package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"

	"alarmd/internal/fswatch"
	logx "alarmd/pkg/logx"
)

// fileStore keeps the document in a single JSON file.
//
// Writes go through a pending file that is fsynced and renamed over the
// target, so readers never observe a partial document.
type fileStore struct {
	path string
	log  logx.Logger

	// mu serializes writers; readers share it.
	mu     sync.RWMutex
	closed bool
	own    ownWrites
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{path: path, log: log}, nil
}

func (s *fileStore) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	return b, nil
}

func (s *fileStore) Write(ctx context.Context, doc []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	pending, err := renameio.NewPendingFile(s.path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("create pending file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			s.log.Debug("cleanup pending file", logx.Err(err))
		}
	}()
	if _, err := pending.Write(doc); err != nil {
		return fmt.Errorf("write pending file: %w", err)
	}
	s.own.begin()
	err = pending.CloseAtomicallyReplace()
	s.own.end(doc, err == nil)
	if err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

func (s *fileStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.own.begin()
	err := os.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	s.own.end(nil, err == nil)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Watch reports edits made to the file by other processes.
func (s *fileStore) Watch(ctx context.Context, onChange func()) error {
	if b, err := os.ReadFile(s.path); err == nil || errors.Is(err, fs.ErrNotExist) {
		s.own.seen(hashBytes(b))
	}
	return fswatch.Watch(ctx, s.path, fswatch.Options{Log: s.log}, func() {
		b, err := os.ReadFile(s.path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("watch read failed", logx.String("path", s.path), logx.Err(err))
			return
		}
		if !s.own.seen(hashBytes(b)) {
			return
		}
		s.log.Info("alarm file changed externally", logx.String("path", s.path))
		onChange()
	})
}
