package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/config"
	"alarmd/internal/storage"
	"alarmd/internal/store"
	logx "alarmd/pkg/logx"
)

// ReadRecord loads the persisted alarm record without starting the daemon.
// The returned location is the configured scheduler timezone. When only
// the running daemon can open the storage, the record is fetched from its
// ops endpoint.
func ReadRecord(ctx context.Context, cfgPath string) (alarm.Record, *time.Location, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return alarm.Record{}, nil, err
	}
	loc, err := location(cfg)
	if err != nil {
		return alarm.Record{}, nil, err
	}
	var rec alarm.Record
	err = withRecordAccess(cfg,
		func(c opsClient) (err error) { rec, err = c.record(ctx); return err },
		func(st *store.Store) error {
			rec = st.Load(ctx)
			if rec.LoadError != "" {
				return fmt.Errorf("read alarm record: %s", rec.LoadError)
			}
			return nil
		},
	)
	if err != nil {
		return alarm.Record{}, nil, err
	}
	return rec, loc, nil
}

// UpdateRecord sets the given fields of the persisted record and returns
// the result. A running daemon notices the change through its storage
// watch, or applies it itself when it owns the storage.
func UpdateRecord(ctx context.Context, cfgPath string, fields map[string]json.RawMessage) (alarm.Record, *time.Location, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return alarm.Record{}, nil, err
	}
	loc, err := location(cfg)
	if err != nil {
		return alarm.Record{}, nil, err
	}
	var rec alarm.Record
	err = withRecordAccess(cfg,
		func(c opsClient) (err error) { rec, err = c.patch(ctx, fields); return err },
		func(st *store.Store) (err error) { rec, err = st.Patch(ctx, fields); return err },
	)
	if err != nil {
		return alarm.Record{}, nil, err
	}
	return rec, loc, nil
}

// withRecordAccess runs remote against the daemon's ops endpoint when the
// daemon owns the storage and ops is enabled, and local against the storage
// otherwise. A badger store with no daemon listening is opened directly.
func withRecordAccess(cfg *config.Config, remote func(opsClient) error, local func(*store.Store) error) error {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if daemonOwned(driver) {
		oc, err := mapOps(cfg)
		if err != nil {
			return err
		}
		switch {
		case oc.Enabled:
			err := remote(newOpsClient(oc))
			if err == nil || !errors.Is(err, errNoDaemon) || driver == "memory" {
				return err
			}
		case driver == "memory":
			return errors.New("storage.driver=memory is only reachable through a running daemon with ops enabled")
		}
	}

	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	backend, err := storage.Open(sc, logx.Nop())
	if err != nil {
		if daemonOwned(driver) {
			return fmt.Errorf("open storage: %w (a running daemon holds it; enable ops to go through the daemon)", err)
		}
		return fmt.Errorf("open storage: %w", err)
	}
	defer backend.Close()
	return local(store.New(backend, store.Config{}, logx.Nop()))
}
