package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appcfg "github.com/park285/cheese-search-worker/internal/config"
	"github.com/park285/cheese-search-worker/internal/obslog"
	"github.com/park285/cheese-search-worker/internal/workerbuilder"
)

func main() {
	configPath := flag.String("config", os.Getenv("SEARCH_WORKER_CONFIG"), "path to worker yaml config")
	flag.Parse()

	cfg, err := appcfg.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.Init(cfg.Log); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := workerbuilder.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("worker init error", zap.Error(err))
	}
	logger.Info("search worker started",
		zap.String("transport", cfg.Transport.Mode),
		zap.String("egress", cfg.Transport.Egress),
		zap.Bool("opening_book", cfg.OpeningBook.Enabled),
		zap.String("engine", cfg.Engine.Path))

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// end of input also ends the process
		defer cancelRun()
		return deps.Worker.Run(gctx, deps.Channel)
	})
	g.Go(func() error {
		<-gctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return deps.Close(closeCtx)
	})

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("search worker stopped", zap.Error(runErr))
		os.Exit(1)
	}
	logger.Info("search worker stopped")
}
