// Package credential stores long-lived secrets (the playback service refresh
// token) in the OS keyring, falling back to a 0600 file when no keyring
// service is available (headless hosts).
package credential

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/zalando/go-keyring"

	logx "alarmd/pkg/logx"
)

var ErrNotFound = errors.New("credential not found")

var (
	keyringSet    = keyring.Set
	keyringGet    = keyring.Get
	keyringDelete = keyring.Delete
)

type Store struct {
	Service string
	User    string
	// FallbackPath is used when the keyring is unavailable. Empty disables
	// the fallback.
	FallbackPath string

	log logx.Logger
}

func New(service, user, fallbackPath string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{Service: service, User: user, FallbackPath: fallbackPath, log: log}
}

// Get returns the stored secret, or ErrNotFound.
func (s *Store) Get() (string, error) {
	v, err := keyringGet(s.Service, s.User)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		s.log.Debug("keyring unavailable; trying fallback file", logx.Err(err))
	}
	if s.FallbackPath == "" {
		return "", ErrNotFound
	}
	b, ferr := os.ReadFile(s.FallbackPath)
	if errors.Is(ferr, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if ferr != nil {
		return "", fmt.Errorf("read credential file: %w", ferr)
	}
	v = strings.TrimSpace(string(b))
	if v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

// Set stores secret in the keyring, or in the fallback file when the keyring
// rejects it.
func (s *Store) Set(secret string) error {
	err := keyringSet(s.Service, s.User, secret)
	if err == nil {
		// Avoid a stale copy shadowing a keyring that becomes unavailable later.
		s.removeFallback()
		return nil
	}
	if s.FallbackPath == "" {
		return fmt.Errorf("keyring set: %w", err)
	}
	s.log.Warn("keyring unavailable; storing credential in file", logx.String("path", s.FallbackPath), logx.Err(err))
	if err := os.MkdirAll(filepath.Dir(s.FallbackPath), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	if err := renameio.WriteFile(s.FallbackPath, []byte(secret), 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return nil
}

// Delete removes the secret from both locations.
func (s *Store) Delete() error {
	err := keyringDelete(s.Service, s.User)
	s.removeFallback()
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete: %w", err)
	}
	return nil
}

func (s *Store) removeFallback() {
	if s.FallbackPath == "" {
		return
	}
	if err := os.Remove(s.FallbackPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("remove credential file", logx.Err(err))
	}
}
