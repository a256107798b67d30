package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"alarmd/internal/alarm"
	"alarmd/internal/metrics"
	"alarmd/internal/storage"
	logx "alarmd/pkg/logx"
)

// ErrRolledBack wraps the callback error of a failed transaction.
var ErrRolledBack = errors.New("transaction rolled back")

// Tx is a read-modify-write scope opened by Store.Transaction.
//
// Tx is only valid inside the callback and is not safe for concurrent use.
// Use Tx.Save rather than Store.Save inside the callback; the store's writer
// lock is already held.
type Tx struct {
	ID      string
	Started time.Time

	s   *Store
	ctx context.Context

	snapshot []byte // persisted bytes at begin; nil when nothing existed
	existed  bool

	dirty bool
	last  alarm.Record
}

// Load returns the record as seen by this transaction.
func (tx *Tx) Load() alarm.Record {
	if tx.dirty {
		return tx.last.Clone()
	}
	return tx.committed()
}

// committed decodes the record as it was when the transaction began.
func (tx *Tx) committed() alarm.Record {
	if !tx.existed {
		return alarm.Default()
	}
	rec, err := decode(tx.snapshot)
	if err != nil {
		def := alarm.Default()
		def.LoadError = err.Error()
		return def
	}
	return rec
}

// Save persists rec immediately. Other readers keep seeing the record from
// before the transaction until it commits. Listeners are notified when the
// transaction commits, never on rollback.
func (tx *Tx) Save(rec alarm.Record) error {
	if !tx.dirty {
		tx.s.setDirty(tx)
	}
	saved, err := tx.s.write(tx.ctx, rec, false)
	if err != nil {
		return err
	}
	tx.dirty = true
	tx.last = saved
	return nil
}

// Transaction runs fn with exclusive write access. When fn returns an error
// or panics, the persisted record is restored to the exact bytes present at
// the start (or removed when there were none), listeners are not notified,
// and the error or panic is propagated.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) (err error) {
	s.writeMu.Lock()
	locked := true
	unlock := func() {
		if locked {
			locked = false
			s.writeMu.Unlock()
		}
	}
	defer unlock()

	tx := &Tx{ID: uuid.NewString(), Started: s.now(), s: s, ctx: ctx}
	log := s.log.With(logx.String("tx", tx.ID))

	s.rw.RLock()
	raw, rerr := s.backend.Read(ctx)
	s.rw.RUnlock()
	switch {
	case errors.Is(rerr, storage.ErrNotFound):
	case rerr != nil:
		return fmt.Errorf("transaction %s: snapshot: %w", tx.ID, rerr)
	default:
		tx.snapshot = raw
		tx.existed = true
	}
	log.Debug("transaction begin")

	defer func() {
		if p := recover(); p != nil {
			s.rollback(ctx, tx, log)
			unlock()
			panic(p)
		}
	}()

	if ferr := fn(tx); ferr != nil {
		s.rollback(ctx, tx, log)
		return fmt.Errorf("%w (tx %s): %w", ErrRolledBack, tx.ID, ferr)
	}

	if tx.dirty {
		s.cache.put(globalScope, tx.last, s.cache.invalidate(), s.now())
	}
	s.setDirty(nil)
	unlock()
	log.Debug("transaction commit", logx.Bool("changed", tx.dirty), logx.Duration("took", s.now().Sub(tx.Started)))
	if tx.dirty {
		metrics.ConfigSaves.WithLabelValues("ok").Inc()
		s.notify(tx.last)
	}
	return nil
}

func (s *Store) rollback(ctx context.Context, tx *Tx, log logx.Logger) {
	metrics.ConfigSaves.WithLabelValues("rollback").Inc()
	defer s.setDirty(nil)
	if !tx.dirty {
		log.Debug("transaction aborted before any write")
		return
	}

	// Restore even if the caller's context is already cancelled.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	s.rw.Lock()
	var err error
	if tx.existed {
		err = s.backend.Write(rctx, tx.snapshot)
	} else {
		err = s.backend.Delete(rctx)
	}
	s.cache.invalidate()
	s.rw.Unlock()

	if err != nil {
		log.Error("transaction rollback failed", logx.Err(err))
		return
	}
	log.Warn("transaction rolled back")
}
