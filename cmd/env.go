package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contact-sync/internal/classifier"
	"github.com/sells-group/contact-sync/internal/keypool"
	"github.com/sells-group/contact-sync/internal/msgcache"
	"github.com/sells-group/contact-sync/internal/stage"
	"github.com/sells-group/contact-sync/internal/store"
	"github.com/sells-group/contact-sync/internal/syncer"
	anthropicpkg "github.com/sells-group/contact-sync/pkg/anthropic"
	"github.com/sells-group/contact-sync/pkg/messenger"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "contact-sync.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// syncEnv holds the initialized store and orchestrator shared by the
// sync/serve/dlq commands.
type syncEnv struct {
	Store        store.Store
	Orchestrator *syncer.Orchestrator
}

// Close releases resources held by the environment.
func (env *syncEnv) Close() {
	if env.Store != nil {
		_ = env.Store.Close()
	}
}

// initSyncEnv sets up the store, the conversation source client, the
// classifier with its rotating key pool, and the orchestrator. Callers
// should defer env.Close().
func initSyncEnv(ctx context.Context) (*syncEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	source := messenger.NewHTTPClient(messenger.Options{
		BaseURL:           cfg.Messenger.BaseURL,
		AccessToken:       cfg.Messenger.AccessToken,
		UserAgent:         cfg.Messenger.UserAgent,
		Timeout:           time.Duration(cfg.Messenger.TimeoutSecs) * time.Second,
		PageSize:          cfg.Messenger.PageSize,
		RequestsPerSecond: cfg.Messenger.RequestsPerSecond,
	})

	pool := keypool.New(st, keypool.Config{OverrideKey: cfg.Anthropic.Key})
	factory := anthropicpkg.NewFactory()
	analyzer := classifier.New(pool, factory.ForKey, classifier.Config{
		Model:           cfg.Anthropic.Model,
		MaxTokens:       int64(cfg.Anthropic.MaxTokens),
		MaxKeyRotations: cfg.Anthropic.MaxKeyRotations,
		RateLimitDelay:  time.Duration(cfg.Anthropic.RateLimitDelay) * time.Second,
	})

	catalog := stage.NewCatalog(st.GetPipeline, 0)
	cache := msgcache.New(cfg.Cache.MaxEntries, time.Duration(cfg.Cache.TTLMinutes)*time.Minute)

	orch := syncer.New(st, source, analyzer, catalog, cache, syncer.Options{
		BatchSize:       cfg.Sync.BatchSize,
		FetchWorkers:    cfg.Sync.FetchWorkers,
		AnalyzeWorkers:  cfg.Sync.AnalyzeWorkers,
		PipelineID:      cfg.Sync.PipelineID,
		AssignMode:      store.AssignMode(cfg.Sync.AssignMode),
		DowngradeMargin: cfg.Sync.DowngradeMargin,
		MaxDLQRetries:   cfg.Sync.MaxDLQRetries,
		DLQRetryDelay:   time.Duration(cfg.Sync.DLQRetryDelay) * time.Second,
	})

	return &syncEnv{Store: st, Orchestrator: orch}, nil
}
