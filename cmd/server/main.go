package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"codecollab/internal/api"
	"codecollab/internal/config"
	"codecollab/internal/directory"
	"codecollab/internal/exec"
	"codecollab/internal/fanout"
	"codecollab/internal/rooms"
	"codecollab/internal/routers"
	"codecollab/internal/scheduler"
	"codecollab/internal/store"
	"codecollab/internal/utils"
)

var (
	listenAndServe = func(srv *http.Server) error { return srv.ListenAndServe() }
	exitFunc       = func(err error) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		exitFunc(err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := utils.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	utils.SetJWTSecret(cfg.JWTSecret)

	instanceID := uuid.NewString()
	logger = logger.With(zap.String("instance", instanceID))

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	dir := directory.New(rdb, directory.Options{TTL: cfg.DirectoryTTL, LockTTL: cfg.LockTTL}, logger.Named("directory"))
	fan := fanout.New(rdb, instanceID, logger.Named("fanout"))
	defer fan.Close()

	repo, closeRepo, err := store.Open(ctx, store.Config{
		Driver:          cfg.StoreDriver,
		MongoURI:        cfg.MongoURI,
		MongoDB:         cfg.RoomsDBName,
		MongoCollection: cfg.RoomsCollection,
		DatabaseURL:     cfg.DatabaseURL,
	}, logger)
	if err != nil {
		return fmt.Errorf("open room store: %w", err)
	}
	defer func() {
		if err := closeRepo(); err != nil {
			logger.Warn("close room store", zap.Error(err))
		}
	}()

	sched := scheduler.New(repo, cfg.SnapshotSchedule, logger)
	coord := rooms.New(rooms.Deps{
		Repo:      repo,
		Directory: dir,
		Fanout:    fan,
		Executor:  newExecutor(cfg, logger),
		Save:      sched.Save,
		Logger:    logger,
	}, rooms.Options{HydrateTimeout: cfg.HydrateTimeout})
	if err := sched.Start(coord); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           routers.New(api.NewHandlers(logger, coord, dir), splitOrigins(cfg.AllowedOrigins)),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("room server listening", zap.String("addr", srv.Addr))
		errCh <- listenAndServe(srv)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	sched.Stop()
	coord.Shutdown(shutdownCtx)
	logger.Info("room server exited")
	return serveErr
}

func newExecutor(cfg *config.Config, logger *zap.Logger) exec.Executor {
	switch cfg.ExecBackend {
	case "http":
		return exec.NewHTTPExecutor(cfg.ExecEngineURL, 0)
	case "docker":
		ex, err := exec.NewDockerExecutor(exec.Limits{})
		if err != nil {
			logger.Warn("docker unavailable, code execution disabled", zap.Error(err))
			return exec.Disabled{}
		}
		return ex
	}
	return exec.Disabled{}
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
