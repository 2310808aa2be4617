package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kudzu-systems/kudzu/internal/config"
	"github.com/kudzu-systems/kudzu/internal/mesh"
	"github.com/kudzu-systems/kudzu/internal/server"
	"github.com/kudzu-systems/kudzu/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (defaults apply when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, log); err != nil {
		log.Fatal("daemon failed", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	table, err := store.NewSQLiteStore(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer table.Close()

	engine, err := store.NewEngine(table, store.Config{
		HotLimit:         cfg.Storage.HotLimit,
		HotWindow:        cfg.Storage.HotWindow,
		WarmWindow:       cfg.Storage.WarmWindow,
		CriticalReplicas: cfg.Storage.CriticalReplicas,
		ArchiveThreshold: cfg.Storage.ArchiveThreshold,
	}, log)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer engine.Close()

	node, err := mesh.InitNode(engine, log)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	defer node.Close()

	if err := node.Listen(cfg.Mesh.Port); err != nil {
		return fmt.Errorf("mesh listen: %w", err)
	}
	log.Info("mesh transport listening", zap.String("addr", node.Addr()))

	if cfg.Mesh.Seed != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := node.JoinMesh(ctx, cfg.Mesh.Seed)
		cancel()
		if err != nil {
			return err
		}
	}

	// Background aging keeps the tiers moving even when the API is idle.
	agingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Storage.AgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := engine.AgeTraces(); err != nil {
					log.Warn("aging pass failed", zap.Error(err))
				}
			case <-agingDone:
				return
			}
		}
	}()

	api := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.API.Port),
		Handler: server.New(node, cfg.API.RateLimit, log),
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening", zap.Int("port", cfg.API.Port))
		if err := api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		close(agingDone)
		return fmt.Errorf("api server: %w", err)
	}

	close(agingDone)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := api.Shutdown(ctx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}
	return nil
}
