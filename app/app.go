package app

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/upowai/poolnet/config"
	"github.com/upowai/poolnet/store"
)

// Stores bundles every typed store over one pebble instance.
type Stores struct {
	DB          store.KVDB
	Tasks       *store.TaskStore
	Bundles     *store.BundleStore
	Miners      *store.MinerStatsStore
	Pools       *store.PoolScoreStore
	Validators  *store.ValidatorStore
	Settlements *store.SettlementStore
	Ledger      *store.LedgerStore
	Pipeline    *store.PipelineStore
	Owner       *store.OwnerStore
}

// OpenStores opens the database and every typed store over it.
func OpenStores(cfg *config.Config, logger *zap.Logger) (*Stores, error) {
	db, err := store.NewPebbleDB(&cfg.DB)
	if err != nil {
		return nil, errors.Wrap(err, "open stores")
	}
	return &Stores{
		DB:          db,
		Tasks:       store.NewTaskStore(db, logger),
		Bundles:     store.NewBundleStore(db, logger),
		Miners:      store.NewMinerStatsStore(db, logger),
		Pools:       store.NewPoolScoreStore(db, logger),
		Validators:  store.NewValidatorStore(db, logger),
		Settlements: store.NewSettlementStore(db, logger),
		Ledger:      store.NewLedgerStore(db, logger),
		Pipeline:    store.NewPipelineStore(db, logger),
		Owner:       store.NewOwnerStore(db, logger),
	}, nil
}

func (s *Stores) Close() error {
	return s.DB.Close()
}

// runEvery runs fn on a fixed interval until ctx ends. A failing iteration
// is logged and the loop continues; a single bad iteration never terminates
// a periodic loop.
func runEvery(
	ctx context.Context,
	wg *sync.WaitGroup,
	interval time.Duration,
	name string,
	logger *zap.Logger,
	fn func(ctx context.Context) error,
) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					logger.Warn(
						"loop iteration failed",
						zap.String("loop", name),
						zap.Error(err),
					)
				}
			}
		}
	}()
}

// serve runs a listener until ctx ends, logging a non-shutdown exit.
func serve(
	ctx context.Context,
	wg *sync.WaitGroup,
	name string,
	logger *zap.Logger,
	listen func(ctx context.Context) error,
) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(
				"listener exited",
				zap.String("listener", name),
				zap.Error(err),
			)
		}
	}()
}
