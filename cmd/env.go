package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicmaps/ofisi/internal/evidence"
	"github.com/civicmaps/ofisi/internal/ledger"
	"github.com/civicmaps/ofisi/internal/location"
	"github.com/civicmaps/ofisi/internal/moderation"
	"github.com/civicmaps/ofisi/internal/registry"
	"github.com/civicmaps/ofisi/internal/stats"
	"github.com/civicmaps/ofisi/internal/store"
)

// pipelineEnv holds the initialized store and services shared by the
// serve/moderate/stats commands.
type pipelineEnv struct {
	Store      store.Store
	Moderation *moderation.Service
	Ledger     *ledger.Ledger
	Evidence   *evidence.DirStore
	Stats      *stats.Cache
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens the configured backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initEnv sets up the store and wires the pipeline services. Callers should
// defer env.Close().
func initEnv(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	var geocoder location.Geocoder
	if cfg.Geocode.Enabled {
		geocoder = location.NewHTTPGeocoder(cfg.Geocode.BaseURL, cfg.Geocode.UserAgent,
			time.Duration(cfg.Geocode.TimeoutSecs)*time.Second)
		zap.L().Info("geocode corroboration enabled", zap.String("base_url", cfg.Geocode.BaseURL))
	}

	evStore, err := evidence.NewDirStore(cfg.Evidence.Dir, cfg.Evidence.PublicBase)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	det := registry.NewDetectorWithRadii(st,
		cfg.Pipeline.SubmitRadiusMeters, cfg.Pipeline.MergeRadiusMeters)
	led := ledger.New(st, time.Duration(cfg.Pipeline.DedupWindowDays)*24*time.Hour)

	return &pipelineEnv{
		Store:      st,
		Moderation: moderation.NewService(st, det, led, geocoder),
		Ledger:     led,
		Evidence:   evStore,
		Stats:      stats.NewCache(st, time.Duration(cfg.Stats.RefreshSecs)*time.Second),
	}, nil
}
