package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/park285/Cheese-Caro/internal/appbuilder"
	appcfg "github.com/park285/Cheese-Caro/internal/config"
	"github.com/park285/Cheese-Caro/internal/obslog"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := obslog.Init(cfg.Log)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	deps, err := appbuilder.New(cfg, logger)
	if err != nil {
		logger.Fatal("app_init_failed", zap.Error(err))
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           deps.Gateway.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := deps.Sweeper.Start(); err != nil {
		logger.Fatal("sweeper_start_failed", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_listen", zap.String("addr", cfg.ListenAddr), zap.String("auth_mode", cfg.AuthMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("server_shutdown", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server_failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("server_shutdown_incomplete", zap.Error(err))
	}
	if err := deps.Close(); err != nil {
		logger.Warn("deps_close_failed", zap.Error(err))
	}
}
