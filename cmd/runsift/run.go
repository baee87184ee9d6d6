package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/runsift/internal/config"
	"github.com/thebtf/runsift/internal/db/gorm"
	"github.com/thebtf/runsift/internal/embedding"
	"github.com/thebtf/runsift/internal/privacy"
	"github.com/thebtf/runsift/internal/sanitize"
	"github.com/thebtf/runsift/internal/similarity"
	"github.com/thebtf/runsift/internal/vector"
	"github.com/thebtf/runsift/internal/watcher"
	"github.com/thebtf/runsift/internal/worker"
	"github.com/thebtf/runsift/internal/worker/sse"
	"github.com/thebtf/runsift/pkg/models"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the similarity worker",
		Long: `Run the similarity worker until interrupted. A change to the settings file or a
rules file stops the worker cleanly so a supervisor can restart it with fresh settings.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg)
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	events := gorm.NewEventStore(store)
	queue := gorm.NewQueueStore(store, cfg.InstanceID, cfg.ClaimTimeout)

	snapshots := make([]*vector.SnapshotStore, 0, len(models.DeduplicatedSeverities))
	stores := make(map[models.Severity]vector.Store, len(models.DeduplicatedSeverities))
	for _, sev := range models.DeduplicatedSeverities {
		es, err := gorm.NewEmbeddingStore(store, sev)
		if err != nil {
			return err
		}
		snap, err := vector.NewSnapshotStore(es, vector.SnapshotConfig{
			Name:            es.Table(),
			RefreshInterval: cfg.RefreshInterval,
		})
		if err != nil {
			return err
		}
		snapshots = append(snapshots, snap)
		stores[sev] = snap
	}

	sanitizer, err := buildSanitizer(cfg)
	if err != nil {
		return err
	}
	provider, closeProvider, err := buildProvider(cfg)
	if err != nil {
		return err
	}
	defer closeProvider()

	broadcaster := sse.NewBroadcaster()
	proc, err := similarity.New(cfg.Processor(), similarity.Deps{
		Queue:     queue,
		Events:    events,
		Sanitizer: sanitizer,
		Provider:  provider,
		Stores:    stores,
	}, similarity.WithObserver(func(r similarity.Result) {
		broadcaster.Publish(r)
	}))
	if err != nil {
		return fmt.Errorf("create processor: %w", err)
	}

	// The processor must not search before persisted embeddings are indexed.
	if err := vector.Warm(ctx, snapshots...); err != nil {
		return fmt.Errorf("load embedding index: %w", err)
	}

	// A settings change ends this context; the group then drains and returns nil.
	runCtx, reload := context.WithCancel(ctx)
	defer reload()

	g, gctx := errgroup.WithContext(runCtx)

	for _, snap := range snapshots {
		g.Go(func() error { return snap.Run(gctx) })
	}
	g.Go(func() error { return proc.Run(gctx) })

	if cfg.StatusPort > 0 {
		svc := worker.NewService(Version, fmt.Sprintf("127.0.0.1:%d", cfg.StatusPort), worker.Deps{
			DB:          store,
			Queue:       queue,
			Stats:       proc,
			Events:      events,
			Broadcaster: broadcaster,
		})
		g.Go(func() error { return svc.Run(gctx) })
	}

	watched := append([]string{config.SettingsPath()}, cfg.RulesFiles...)
	w, err := watcher.New(watched, func(path string) {
		log.Warn().Str("path", path).Msg("Configuration changed, stopping for restart")
		reload()
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create settings watcher")
	} else {
		g.Go(func() error { return w.Run(gctx) })
	}

	log.Info().
		Str("version", Version).
		Str("driver", store.Driver()).
		Str("instance", queue.InstanceID()).
		Msg("runsift worker started")

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("runsift worker stopped")
	return nil
}

func buildSanitizer(cfg *config.Config) (*sanitize.Pipeline, error) {
	opts := make([]sanitize.Option, 0, len(cfg.RulesFiles)+1)
	for _, path := range cfg.RulesFiles {
		set, err := sanitize.LoadRules(path)
		if err != nil {
			return nil, fmt.Errorf("load rules %s: %w", path, err)
		}
		opts = append(opts, sanitize.WithRuleSet(set))
	}
	// Redaction goes last so it is prepended even to rule sets that replace the defaults.
	opts = append(opts, privacy.Option())
	p := sanitize.New(opts...)
	log.Debug().Strs("rules", p.Rules()).Msg("Sanitizer configured")
	return p, nil
}

// buildProvider chains HTTP embedding, token truncation and, when Redis is configured,
// the embedding cache. The returned func releases the Redis pool.
func buildProvider(cfg *config.Config) (embedding.Provider, func(), error) {
	httpProvider, err := embedding.NewHTTPProvider(embedding.HTTPConfig{
		URL:   cfg.EmbeddingURL,
		Model: cfg.EmbeddingModel,
	})
	if err != nil {
		return nil, nil, err
	}

	truncating, err := embedding.NewTruncating(httpProvider, cfg.MaxTokens)
	if err != nil {
		return nil, nil, err
	}

	if cfg.RedisAddr == "" {
		return truncating, func() {}, nil
	}

	pool := embedding.NewRedisPool(cfg.RedisAddr)
	log.Info().Str("addr", cfg.RedisAddr).Dur("ttl", cfg.CacheTTL).Msg("Embedding cache enabled")
	closeFn := func() {
		if err := pool.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis pool")
		}
	}
	return embedding.NewCached(truncating, pool, cfg.EmbeddingModel, cfg.CacheTTL), closeFn, nil
}
