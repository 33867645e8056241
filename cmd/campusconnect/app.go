package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/campusconnect/internal/config"
	"github.com/kalambet/campusconnect/internal/ollama"
	"github.com/kalambet/campusconnect/internal/profile"
	"github.com/kalambet/campusconnect/internal/retrieval"
	"github.com/kalambet/campusconnect/internal/retrieval/qdrant"
	"github.com/kalambet/campusconnect/internal/storage"
)

// app holds the components shared by serve and the local catalog commands.
type app struct {
	cfg      config.Config
	store    *storage.Store
	ollama   *ollama.Client
	embedder *retrieval.Embedder
	index    retrieval.VectorIndex
	sqlite   *retrieval.SQLiteIndex
	qdrant   *qdrant.Index
	search   *retrieval.Coordinator
	profiles *profile.Manager
}

// openApp opens storage and builds the configured index backend. It does
// not contact Ollama or Qdrant; connections are lazy.
func openApp(cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	a := &app{
		cfg:    cfg,
		store:  store,
		ollama: ollama.New(cfg.Ollama.BaseURL),
		sqlite: retrieval.NewSQLiteIndex(store.DB(), cfg.Index.SearchFraction),
	}
	a.embedder = retrieval.NewEmbedder(a.ollama, retrieval.EmbedderConfig{
		Model:             cfg.Ollama.EmbedModel,
		Dimension:         cfg.Embedding.Dimension,
		RequestsPerSecond: cfg.Ollama.EmbedRPS,
	})

	switch cfg.Index.Backend {
	case config.BackendQdrant:
		q, err := qdrant.New(qdrant.Config{
			Host:           cfg.Qdrant.Host,
			Port:           cfg.Qdrant.Port,
			Collection:     cfg.Qdrant.Collection,
			SearchFraction: cfg.Index.SearchFraction,
			EfCeiling:      cfg.Index.HNSWEfCeiling,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		a.qdrant = q
		a.index = q
	default:
		a.index = a.sqlite
	}

	a.search = retrieval.NewCoordinator(a.embedder, a.index, retrieval.CoordinatorConfig{
		DefaultThreshold: &cfg.Search.DefaultThreshold,
		ResultWindowCap:  cfg.Index.ResultWindowCap,
	})
	a.profiles = profile.NewManager(store, profile.Config{
		Policy:      cfg.MismatchPolicy(),
		MaxAttempts: cfg.Profile.MergeMaxAttempts,
	})
	return a, nil
}

// prepareIndex makes sure the Qdrant collection exists. SQLite needs no
// preparation beyond migrations.
func (a *app) prepareIndex(ctx context.Context) error {
	if a.qdrant == nil {
		return nil
	}
	return a.qdrant.EnsureCollection(ctx, a.cfg.Embedding.Dimension)
}

func (a *app) Close() error {
	var errs []error
	if a.qdrant != nil {
		errs = append(errs, a.qdrant.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
