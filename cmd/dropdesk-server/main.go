// Command dropdesk-server serves the dropdesk API: the streaming chat relay
// and the search, existence-check and update forwarders.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ggoodman/dropdesk/auth"
	"github.com/ggoodman/dropdesk/internal/config"
	"github.com/ggoodman/dropdesk/internal/logctx"
	"github.com/ggoodman/dropdesk/storage"
	"github.com/ggoodman/dropdesk/storage/memory"
	"github.com/ggoodman/dropdesk/storage/redis"
	"github.com/ggoodman/dropdesk/webapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	var cfg config.Server
	if err := config.Load(&cfg); err != nil {
		return err
	}

	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLevel(cfg.LogLevel),
	})})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache, err := openCache(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cache.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []webapi.Option{
		webapi.WithLogger(log),
		webapi.WithSearchCache(cache, cfg.SearchCacheTTL),
		webapi.WithMetrics(reg),
		webapi.WithMaxBackendBody(cfg.MaxBackendBody),
	}
	if cfg.RequireAuth {
		var aopts []auth.AccessTokenAuthOption
		if cfg.Audience != "" {
			aopts = append(aopts, auth.WithAudiences(cfg.Audience))
		}
		authenticator, err := auth.NewFromDiscovery(ctx, cfg.Issuer, aopts...)
		if err != nil {
			return err
		}
		opts = append(opts, webapi.WithAuthenticator(authenticator))
		log.Info("server.auth.enabled", slog.String("issuer", cfg.Issuer))
	}

	h := webapi.New(webapi.Endpoints{
		Chat:            cfg.ChatBackendURL,
		Search:          cfg.SearchURL,
		AugmentedSearch: cfg.AugmentedSearchURL,
		Existence:       cfg.ExistenceURL,
		Update:          cfg.UpdateURL,
		Get:             cfg.GetURL,
		Add:             cfg.AddURL,
		Names:           cfg.NamesURL,
	}, opts...)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: h,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listen", slog.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("server.shutdown")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

// openCache returns the shared Redis store when REDIS_URL is set, else an
// in-process LRU.
func openCache(ctx context.Context, cfg config.Server, log *slog.Logger) (storage.Storage, error) {
	if cfg.RedisURL != "" {
		s, err := redis.Dial(ctx, cfg.RedisURL, cfg.CacheKeyPrefix)
		if err != nil {
			return nil, err
		}
		log.Info("server.cache", slog.String("backend", "redis"))
		return s, nil
	}
	log.Info("server.cache", slog.String("backend", "memory"), slog.Int("size", cfg.SearchCacheSize))
	s, err := memory.New(cfg.SearchCacheSize)
	if err != nil {
		return nil, err
	}
	return s, nil
}
