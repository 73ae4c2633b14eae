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
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"instsync/internal/api"
	"instsync/internal/config"
	"instsync/internal/file"
	"instsync/internal/install"
	"instsync/internal/task"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

func runServe(_ *cobra.Command, _ []string) error {
	if err := file.EnsureDir(cfg.DataDir); err != nil {
		return fmt.Errorf("ensure data dir %s: %w", cfg.DataDir, err)
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()

	engine, closeStore := buildEngine(baseCtx, cfg)
	defer closeStore()

	taskManager := buildTaskManager(cfg)
	taskManager.SetBaseContext(baseCtx)

	router := setupRouter()
	wireAPI(router, taskManager, engine)

	quit := shutdownSignal()
	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		baseCancel()
		return fmt.Errorf("http server failed: %w", err)
	case <-quit:
		log.Info().Msg("shutdown signal received")
	}

	gracefulShutdown(srv, baseCancel, taskManager, shutdownTimeout)
	return nil
}

func setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	return r
}

func buildTaskManager(cfg config.Config) *task.Manager {
	tm := task.NewManagerWithOptions(task.Options{
		DataDir:            cfg.DataDir,
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
	})

	if err := tm.LoadFromDisk(); err != nil {
		log.Warn().Err(err).Msg("load persisted tasks")
	}
	return tm
}

func wireAPI(router *gin.Engine, tm *task.Manager, engine *install.Engine) {
	apiHandler := api.NewAPI(tm, engine)
	apiHandler.RegisterRoutes(router)
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func shutdownSignal() <-chan os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	return quit
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, tm *task.Manager, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	cancelBase()
	done := tm.WaitAll(ctx)
	if !done {
		log.Warn().Msg("background workers did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
