package cli

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"healthchat/internal/api"
	"healthchat/internal/auth"
	"healthchat/internal/cache"
	"healthchat/internal/convlock"
	"healthchat/internal/metrics"
	"healthchat/internal/redis"
	"healthchat/internal/service/ai"
	"healthchat/internal/service/chat"
	"healthchat/internal/storage"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	db, driver, err := a.openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	var rdb *redis.Client
	if a.cfg.Redis.Enabled {
		rdb, err = redis.NewClient(ctx, a.cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	m := metrics.New()
	store := storage.NewStore(db, driver, nil)

	var provider ai.Provider
	if ai.ModeFor(a.cfg.AI.APIKey) == ai.ModeAI {
		provider, err = ai.NewProvider(ctx, ai.ProviderConfig{
			Provider:  a.cfg.AI.Provider,
			APIKey:    a.cfg.AI.APIKey,
			Model:     a.cfg.AI.Model,
			BaseURL:   a.cfg.AI.BaseURL,
			MaxTokens: a.cfg.AI.MaxTokens,
		})
		if err != nil {
			a.logger.Warn().Err(err).Str("provider", a.cfg.AI.Provider).Msg("ai provider unavailable, using mock responses")
			provider = nil
		}
	}

	var (
		summaries chat.SummaryCache
		locks     convlock.Locker = convlock.NewLocalLocker(a.cfg.Lock.Wait)
	)
	if rdb != nil {
		summaries = cache.NewSummaryCache(rdb, a.cfg.Cache.SummaryTTL, a.logger)
		locks = convlock.NewRedisLocker(rdb, a.cfg.Lock.TTL, a.cfg.Lock.Wait, a.logger)
	}
	svc := a.newChatService(store, provider, summaries, m)

	authService := auth.NewService(db, driver, rdb, a.cfg.Auth.TokenTTL)
	handler := api.NewHandler(svc, authService, locks, m, a.logger)

	router := gin.New()
	router.Use(gin.Recovery())
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:              a.cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().
			Str("address", server.Addr).
			Str("driver", driver).
			Str("mode", string(svc.Generator.Mode())).
			Bool("redis", rdb != nil).
			Msg("server starting")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	a.logger.Info().Msg("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (a *app) newChatService(store *storage.Store, provider ai.Provider, summaries chat.SummaryCache, m *metrics.Metrics) *chat.Service {
	logger := a.logger
	return chat.NewService(chat.Options{
		Store:    store,
		Mode:     ai.ModeFor(a.cfg.AI.APIKey),
		Provider: provider,
		Timeout:  a.cfg.AI.Timeout,
		Cache:    summaries,
		Metrics:  m,
		Logger:   &logger,
	})
}

func (a *app) newAuthService(ctx context.Context, db *sql.DB, driver string) (*auth.Service, func(), error) {
	if !a.cfg.Redis.Enabled {
		return auth.NewService(db, driver, nil, a.cfg.Auth.TokenTTL), func() {}, nil
	}
	rdb, err := redis.NewClient(ctx, a.cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	return auth.NewService(db, driver, rdb, a.cfg.Auth.TokenTTL), func() { rdb.Close() }, nil
}
