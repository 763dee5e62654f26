package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/d3vra/presignctrl/internal/config"
	"github.com/d3vra/presignctrl/internal/logging"
	"github.com/d3vra/presignctrl/internal/metrics"
	"github.com/d3vra/presignctrl/internal/refresh"
	"github.com/d3vra/presignctrl/internal/server"
	"github.com/d3vra/presignctrl/internal/urlcache"
	"github.com/d3vra/presignctrl/internal/urlcache/mirror"
)

// configLoader abstracts the koanf-backed loader so run can be exercised
// against scripted outcomes.
type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	WatchManifest(ctx context.Context, cfg config.Config, onChange func([]config.WarmupResource, []config.ResourceSkip), onError func(error)) (manifestWatcher, error)
}

// manifestWatcher mirrors the surface of config.ManifestWatcher.
type manifestWatcher interface {
	Stop()
}

// runnableServer is the slice of server.Server the bootstrap drives.
type runnableServer interface {
	Run(ctx context.Context) error
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return &loaderAdapter{loader: config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

// loaderAdapter narrows *config.Loader to configLoader. The concrete
// WatchManifest returns *config.ManifestWatcher, so the interface version
// needs a thin wrapper.
type loaderAdapter struct {
	loader *config.Loader
}

func (a *loaderAdapter) Load(ctx context.Context) (config.Config, error) {
	return a.loader.Load(ctx)
}

func (a *loaderAdapter) WatchManifest(ctx context.Context, cfg config.Config, onChange func([]config.WarmupResource, []config.ResourceSkip), onError func(error)) (manifestWatcher, error) {
	watcher, err := a.loader.WatchManifest(ctx, cfg, onChange, onError)
	if err != nil {
		return nil, err
	}
	return watcher, nil
}

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "PRESIGNCTRL", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	refresher := refresh.New(cfg.Signer, logger)

	cache, err := urlcache.New(urlcache.Config{
		RefreshThreshold: cfg.Cache.RefreshThreshold,
		MinRefreshWindow: cfg.Cache.GetMinRefreshWindow(),
		MinScheduleDelay: cfg.Cache.GetMinScheduleDelay(),
		DebounceWindow:   cfg.Cache.GetDebounceWindow(),
		MaxBatchSize:     cfg.Cache.MaxBatchSize,
		MaxRetries:       cfg.Cache.MaxRetries,
		DefaultTTL:       cfg.Cache.GetDefaultTTL(),
		RefreshTimeout:   cfg.Signer.GetTimeout(),
	}, refresher, logger, metricsRecorder)
	if err != nil {
		return fmt.Errorf("construct cache: %w", err)
	}
	defer cache.Close()

	urlMirror, mirrorBackend := buildMirror(logger.With(slog.String("agent", "mirror_factory")), cfg.Cache.Mirror)
	if urlMirror != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := urlMirror.Close(closeCtx); err != nil {
				logger.Error("mirror shutdown failed", slog.Any("error", err))
			}
		}()

		cancelSave := cache.OnUpdate(func(update urlcache.Update) {
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := urlMirror.Save(saveCtx, update.Key, update.Entry); err != nil {
				logger.Warn("mirror save failed",
					slog.String("key", update.Key.String()),
					slog.Any("error", err))
			}
		})
		defer cancelSave()
	}

	seedWarmup(logger, cache, cfg.WarmupResources)

	if cfg.Warmup.Watch && cfg.Warmup.Manifest != "" {
		watcher, err := loader.WatchManifest(ctx, cfg, func(resources []config.WarmupResource, skipped []config.ResourceSkip) {
			seedWarmup(logger, cache, resources)
			if len(skipped) > 0 {
				logger.Warn("warmup manifest rows skipped", slog.Int("count", len(skipped)))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("manifest watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("manifest watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	api := server.NewAPI(cache, logger, mirrorBackend, cfg.SkippedResources)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRecorder.Handler())
	mux.Handle("/", server.NewCacheHandler(api))

	srv, err := newHTTPServer(cfg, logger, mux)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if urlMirror != nil {
		// Warm-starting can take a while against a large mirror; the listener
		// comes up in parallel and serves fallback-seeded entries meanwhile.
		g.Go(func() error {
			warmStart(gctx, logger, cache, urlMirror)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// buildMirror selects the warm-start backend. The cache is fully functional
// without one, so construction failures degrade to running mirrorless.
func buildMirror(logger *slog.Logger, cfg config.MirrorConfig) (mirror.Mirror, string) {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "none":
		return nil, ""
	case "valkey":
		m, err := mirror.NewValkey(cfg.Valkey)
		if err != nil {
			logger.Error("valkey mirror initialization failed", slog.Any("error", err))
			logger.Info("continuing without a mirror")
			return nil, ""
		}
		logger.Info("using valkey mirror", slog.String("address", cfg.Valkey.Address))
		return m, backend
	case "bolt":
		m, err := mirror.NewBolt(cfg.Bolt.Path)
		if err != nil {
			logger.Error("bolt mirror initialization failed", slog.Any("error", err))
			logger.Info("continuing without a mirror")
			return nil, ""
		}
		logger.Info("using bolt mirror", slog.String("path", cfg.Bolt.Path))
		return m, backend
	default:
		logger.Warn("unsupported mirror backend, continuing without one", slog.String("backend", cfg.Backend))
		return nil, ""
	}
}

// warmStart adopts mirrored entries into the cache. Keys already seeded by
// the manifest win over mirrored rows, and failures only cost the warm start.
func warmStart(ctx context.Context, logger *slog.Logger, cache *urlcache.Cache, m mirror.Mirror) {
	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	entries, err := m.Load(loadCtx)
	if err != nil {
		logger.Warn("mirror load failed, starting cold", slog.Any("error", err))
		return
	}
	if len(entries) == 0 {
		return
	}
	adopted := cache.Warm(entries)
	logger.Info("cache warmed from mirror",
		slog.Int("loaded", len(entries)),
		slog.Int("adopted", adopted))
}

// seedWarmup feeds manifest rows through the regular resolve path so seeding
// and proactive scheduling behave exactly as a consumer request would.
func seedWarmup(logger *slog.Logger, cache *urlcache.Cache, resources []config.WarmupResource) {
	if len(resources) == 0 {
		return
	}
	for _, resource := range resources {
		key := urlcache.Key{Owner: resource.Owner, Index: resource.Index}
		cache.Get(key, resource.URL)
	}
	logger.Info("warmup manifest applied", slog.Int("resources", len(resources)))
}
