package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veracify/veracify/config"
	"github.com/veracify/veracify/internal/indexer"
	"github.com/veracify/veracify/internal/ingest"
	"github.com/veracify/veracify/internal/parser"
	"github.com/veracify/veracify/internal/queue/streams"
	"github.com/veracify/veracify/internal/store"
	"github.com/veracify/veracify/provider"
)

// appDeps is the shared wiring behind both the API server and the worker.
type appDeps struct {
	cfg   *config.Config
	store *store.Store
	redis *redis.Client
	prov  provider.Provider
	files *ingest.FileStore
	orch  *ingest.Orchestrator
}

func buildDeps(ctx context.Context, cfgPath string) (*appDeps, error) {
	cfg := config.LoadConfig(cfgPath)

	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}

	prov, err := provider.NewProvider(provider.OpenAI, cfg.LLM)
	if err != nil {
		return nil, err
	}

	files, err := ingest.NewFileStore(cfg.Storage.Files.DataDir)
	if err != nil {
		return nil, err
	}

	ix := indexer.New(prov, st, cfg.Ingest.EmbedBatchSize, cfg.LLM.EmbeddingDims, nil)
	leases := ingest.NewLeaseManager(rdb, cfg.Ingest.LeaseTTL)
	orch := ingest.New(st, files, parser.NewRegistry(), ix, leases, streams.NewPublisher(rdb), ingest.Options{
		ChunkSize:    cfg.Ingest.ChunkSize,
		ChunkOverlap: cfg.Ingest.ChunkOverlap,
		MaxRetries:   cfg.Ingest.MaxRetries,
		Backoff:      ingest.BackoffPolicy{Base: cfg.Ingest.RetryBackoff, Max: time.Minute},
	}, nil)

	return &appDeps{cfg: cfg, store: st, redis: rdb, prov: prov, files: files, orch: orch}, nil
}
