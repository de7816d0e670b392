package stress

import (
	"os"

	"github.com/aalhour/dbstress/internal/logging"
	"github.com/aalhour/dbstress/internal/store"
	"github.com/aalhour/dbstress/internal/store/memstore"
	"github.com/aalhour/dbstress/internal/store/pebblestore"
	"github.com/cockroachdb/errors"
)

// OpenStore opens the backend named by cfg. When FailWritesAfter is set
// the store is wrapped so that later mutations fail.
func OpenStore(cfg Config, logger logging.Logger) (store.Store, error) {
	var st store.Store
	switch cfg.Backend {
	case BackendPebble:
		db, err := pebblestore.Open(cfg.DBPath, pebblestore.Options{
			DisableWAL: cfg.DisableWAL,
			LogEvents:  cfg.Verbose,
			Logger:     logger,
		})
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "opening pebble at %s", cfg.DBPath), ErrFatal)
		}
		st = db
	case BackendMemory:
		if cfg.DBPath != "" {
			if err := os.MkdirAll(cfg.DBPath, 0o755); err != nil {
				return nil, errors.Mark(errors.Wrapf(err, "creating staging directory %s", cfg.DBPath), ErrFatal)
			}
		}
		st = memstore.Open(memstore.Options{
			StagingCompression: cfg.StagingCompression,
			Logger:             logger,
		})
	default:
		return nil, invalidf("unknown backend %q", cfg.Backend)
	}

	if cfg.FailWritesAfter > 0 {
		fi := store.NewFaultInjectionStore(st)
		fi.FailWritesAfter(cfg.FailWritesAfter)
		st = fi
	}
	return st, nil
}
