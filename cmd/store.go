package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lmm-analyzer/internal/config"
	"github.com/sells-group/lmm-analyzer/internal/store"
)

// initStore validates the store settings, opens the store and applies
// migrations.
func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate(config.CommandStore); err != nil {
		return nil, err
	}

	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case store.DriverPostgres:
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		st, err = store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL)
	}
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}
