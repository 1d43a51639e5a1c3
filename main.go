package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"moonit/internal/api"
	"moonit/internal/auth"
	"moonit/internal/completion"
	"moonit/internal/config"
	"moonit/internal/docstore"
	"moonit/internal/logging"
	"moonit/internal/redis"
	"moonit/internal/storage"
	"moonit/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("MOONIT_CONFIG"))
	if err != nil {
		logging.New("info", "text").Fatalf("load config: %v", err)
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, log); err != nil {
		log.Fatal(err)
	}
}

// run serves until SIGINT or SIGTERM. Resources are released before it returns.
func run(cfg *config.Config, log *logrus.Logger) error {
	warnings, err := cfg.Validate()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, w := range warnings {
		log.Warn(w)
	}

	a, err := newApp(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":     cfg.Server.Address,
			"provider": cfg.Provider.Name,
			"model":    cfg.Provider.Model,
		}).Info("server listening")
		errCh <- a.server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("graceful shutdown: %v", err)
	}
	return nil
}

// app holds the wired service and the resources it owns.
type app struct {
	server  *http.Server
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	db, err := storage.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, func() { _ = db.Close() })
	log.WithField("driver", cfg.Database.Driver).Info("database connected")

	// Create necessary tables: users, user_tokens, sessions, messages
	if err := storage.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		log.WithField("addr", cfg.Redis.Addr).Info("redis connected")
	}

	chatModel, err := newChatModel(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	adapter := completion.NewAdapter(chatModel, cfg.Provider.MaxTokens, log)

	a.server = newServer(cfg, log, db, rdb, adapter, a)
	return a, nil
}

// newChatModel builds the provider model. Outside production a missing credential
// leaves the service up with a model that fails every completion.
func newChatModel(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (completion.ChatModel, error) {
	chatModel, err := completion.NewChatModel(ctx, cfg.Provider)
	if errors.Is(err, completion.ErrMissingAPIKey) && !cfg.IsProduction() {
		log.WithField("provider", cfg.Provider.Name).Warn("no provider api key, completions will fail")
		return completion.Unavailable(err), nil
	}
	if err != nil {
		return nil, fmt.Errorf("init chat model: %w", err)
	}
	return chatModel, nil
}

func newServer(cfg *config.Config, log *logrus.Logger, db *sqlx.DB, rdb *redis.Client, adapter *completion.Adapter, a *app) *http.Server {
	store := docstore.New(db, rdb, log)
	a.closers = append(a.closers, store.Close)
	authService := auth.NewService(db, rdb, cfg.Auth.TokenTTL, log)

	worker.SetDebugLogger(log)
	workers := worker.NewDispatcher(worker.Config{
		MinWorkers:  cfg.Worker.MinWorkers,
		MaxWorkers:  cfg.Worker.MaxWorkers,
		QueueSize:   cfg.Worker.QueueSize,
		IdleTimeout: cfg.Worker.IdleTimeout,
	})
	a.closers = append(a.closers, workers.Stop)

	handlers := api.NewHandler(store, authService, adapter, workers, cfg, log)
	a.closers = append(a.closers, handlers.Close)

	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(handlers.Close)
	return srv
}
