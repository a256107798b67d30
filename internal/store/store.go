// Package store is the thread-safe owner of the persisted alarm record.
//
// Reads run concurrently; a writer waits for in-flight reads and blocks new
// ones while it writes. Writers are serialized. Every successful write
// notifies change listeners asynchronously with their own deep copy.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/metrics"
	"alarmd/internal/storage"
	logx "alarmd/pkg/logx"
)

// DefaultCacheTTL bounds how stale a cached Load may be.
const DefaultCacheTTL = time.Second

// ErrWrite wraps every failure to persist the record.
var ErrWrite = errors.New("config write failed")

type Config struct {
	CacheTTL time.Duration
}

type ListenerID uint64

// Listener receives the record after each successful write.
type Listener func(rec alarm.Record)

type Store struct {
	backend storage.Store
	log     logx.Logger
	now     func() time.Time

	rw      sync.RWMutex // backend I/O
	writeMu sync.Mutex   // one writer at a time
	cache   *recordCache

	// txmu guards dirty, the transaction whose writes are not committed yet.
	// Readers see the record as it was before that transaction began.
	txmu  sync.Mutex
	dirty *Tx

	lmu       sync.Mutex
	listeners map[ListenerID]Listener
	nextID    ListenerID
	notifyWG  sync.WaitGroup
}

func New(backend storage.Store, cfg Config, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	return &Store{
		backend:   backend,
		log:       log,
		now:       time.Now,
		cache:     newRecordCache(ttl),
		listeners: map[ListenerID]Listener{},
	}
}

// Load returns a deep copy of the current record. It never fails: when the
// backend or the document is unreadable it returns alarm.Default() with
// LoadError set.
func (s *Store) Load(ctx context.Context) alarm.Record {
	if rec, ok := s.committedView(); ok {
		return rec
	}
	scope := callerFrom(ctx)
	if rec, ok := s.cache.get(scope, s.now()); ok {
		return rec
	}

	gen := s.cache.generation()
	s.rw.RLock()
	rec, err := s.read(ctx)
	s.rw.RUnlock()
	if err != nil {
		metrics.ConfigLoadFailures.Inc()
		s.log.Warn("config load failed; using defaults", logx.Err(err))
		def := alarm.Default()
		def.LoadError = err.Error()
		return def
	}
	if committed, ok := s.committedView(); ok {
		return committed
	}
	s.cache.put(scope, rec, gen, s.now())
	return rec
}

func (s *Store) committedView() (alarm.Record, bool) {
	s.txmu.Lock()
	defer s.txmu.Unlock()
	if s.dirty == nil {
		return alarm.Record{}, false
	}
	return s.dirty.committed(), true
}

func (s *Store) setDirty(tx *Tx) {
	s.txmu.Lock()
	s.dirty = tx
	s.txmu.Unlock()
}

// read fetches and decodes the persisted record. Caller holds rw.
func (s *Store) read(ctx context.Context) (alarm.Record, error) {
	raw, err := s.backend.Read(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return alarm.Default(), nil
	}
	if err != nil {
		return alarm.Record{}, err
	}
	return decode(raw)
}

func decode(raw []byte) (alarm.Record, error) {
	var rec alarm.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return alarm.Record{}, fmt.Errorf("decode alarm record: %w", err)
	}
	rec.Normalize()
	return rec, nil
}

// Save persists rec and notifies listeners. The returned error wraps ErrWrite.
func (s *Store) Save(ctx context.Context, rec alarm.Record) error {
	s.writeMu.Lock()
	saved, err := s.write(ctx, rec, true)
	s.writeMu.Unlock()

	metrics.ConfigSaves.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		s.log.Error("config save failed", logx.Err(err))
		return err
	}
	s.notify(saved)
	return nil
}

// write normalizes and persists rec. Caller holds writeMu. The written record
// is cached only when fill is set.
func (s *Store) write(ctx context.Context, rec alarm.Record, fill bool) (alarm.Record, error) {
	rec = rec.Clone()
	rec.LoadError = ""
	rec.Normalize()

	doc, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return alarm.Record{}, fmt.Errorf("%w: encode: %v", ErrWrite, err)
	}

	s.rw.Lock()
	defer s.rw.Unlock()
	if err := s.backend.Write(ctx, doc); err != nil {
		s.cache.invalidate()
		return alarm.Record{}, fmt.Errorf("%w: %w", ErrWrite, err)
	}
	gen := s.cache.invalidate()
	if fill {
		s.cache.put(globalScope, rec, gen, s.now())
	}
	return rec, nil
}

// Value returns the field stored under the JSON key, or def when absent.
// Auxiliary keys are reachable too.
func (s *Store) Value(ctx context.Context, key string, def any) any {
	doc, err := toDoc(s.Load(ctx))
	if err != nil {
		return def
	}
	raw, ok := doc[key]
	if !ok {
		return def
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

// SetValue updates one field by JSON key inside a transaction.
func (s *Store) SetValue(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: encode %q: %v", ErrWrite, key, err)
	}
	_, err = s.Patch(ctx, map[string]json.RawMessage{key: raw})
	return err
}

// Patch sets several fields by JSON key in one transaction and returns the
// saved record. Keys the record does not know are kept as auxiliary fields.
func (s *Store) Patch(ctx context.Context, fields map[string]json.RawMessage) (alarm.Record, error) {
	var saved alarm.Record
	err := s.Transaction(ctx, func(tx *Tx) error {
		doc, err := toDoc(tx.Load())
		if err != nil {
			return err
		}
		for k, v := range fields {
			doc[k] = v
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		rec, err := decode(b)
		if err != nil {
			return fmt.Errorf("patch: %w", err)
		}
		if err := tx.Save(rec); err != nil {
			return err
		}
		saved = tx.Load()
		return nil
	})
	if err != nil {
		return alarm.Record{}, err
	}
	return saved, nil
}

func toDoc(rec alarm.Record) (map[string]json.RawMessage, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// InvalidateCache drops every cached scope.
func (s *Store) InvalidateCache() { s.cache.invalidate() }

func (s *Store) AddChangeListener(fn Listener) ListenerID {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.nextID++
	s.listeners[s.nextID] = fn
	return s.nextID
}

func (s *Store) RemoveChangeListener(id ListenerID) {
	s.lmu.Lock()
	delete(s.listeners, id)
	s.lmu.Unlock()
}

// notify delivers rec to every listener from a new goroutine, each listener
// getting its own copy. Listener panics are logged and swallowed.
func (s *Store) notify(rec alarm.Record) {
	s.lmu.Lock()
	ls := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		ls = append(ls, fn)
	}
	s.lmu.Unlock()
	if len(ls) == 0 {
		return
	}

	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		for _, fn := range ls {
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.log.Error("change listener panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					}
				}()
				fn(rec.Clone())
			}()
		}
	}()
}

// Wait blocks until pending listener notifications have been delivered.
func (s *Store) Wait() { s.notifyWG.Wait() }

// Watch forwards external modifications of the backend (when the driver
// supports it) as cache invalidations plus listener notifications. It
// blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	w, ok := s.backend.(storage.Watcher)
	if !ok {
		<-ctx.Done()
		return nil
	}
	return w.Watch(ctx, func() {
		s.InvalidateCache()
		s.notify(s.Load(ctx))
	})
}
