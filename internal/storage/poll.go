package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	logx "alarmd/pkg/logx"
)

// DefaultPollInterval is how often drivers without change notifications
// compare the stored document against the last one this process wrote.
const DefaultPollInterval = 2 * time.Second

// ownWrites remembers the content hash of the last document this process
// wrote, so a watcher can tell external edits from its own writes. Reads
// never update it: a reader that happens to see an external edit first must
// not hide it from the watcher. seq is odd while a write is in flight; the
// caller serializes writes.
type ownWrites struct {
	seq  atomic.Uint64
	hash atomic.Uint64
}

func (o *ownWrites) begin() { o.seq.Add(1) }

// end closes the write opened by begin. doc is the stored content, nil after
// a delete.
func (o *ownWrites) end(doc []byte, ok bool) {
	if ok {
		o.hash.Store(hashBytes(doc))
	}
	o.seq.Add(1)
}

// seen records h and reports whether it differs from the previous hash.
func (o *ownWrites) seen(h uint64) bool { return o.hash.Swap(h) != h }

// pollWatch reads the document every interval and calls onChange when its
// content differs from what this process last wrote or observed. The first
// read only establishes the baseline.
func pollWatch(ctx context.Context, interval time.Duration, own *ownWrites, log logx.Logger,
	read func(ctx context.Context) ([]byte, error), onChange func()) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	// sample skips rounds that overlap one of our own writes
	sample := func() (uint64, bool) {
		seq := own.seq.Load()
		if seq%2 == 1 {
			return 0, false
		}
		doc, err := read(ctx)
		if own.seq.Load() != seq {
			return 0, false
		}
		switch {
		case errors.Is(err, ErrNotFound):
			return 0, true
		case err != nil:
			if ctx.Err() == nil {
				log.Debug("storage poll failed", logx.Err(err))
			}
			return 0, false
		}
		return hashBytes(doc), true
	}

	if h, ok := sample(); ok {
		own.seen(h)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		h, ok := sample()
		if !ok || !own.seen(h) {
			continue
		}
		log.Info("alarm record changed externally")
		onChange()
	}
}
