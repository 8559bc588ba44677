package workerbuilder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-search-worker/internal/config"
	"github.com/park285/cheese-search-worker/internal/engine/uci"
	"github.com/park285/cheese-search-worker/internal/openingbook"
	"github.com/park285/cheese-search-worker/internal/search"
	"github.com/park285/cheese-search-worker/internal/transport"
)

type Deps struct {
	Worker  *search.Worker
	Channel transport.Channel
	Engine  *uci.Engine
	Book    *openingbook.Store

	closers []func(context.Context) error
}

// New wires a worker from cfg. Stdio mode reads os.Stdin and answers on
// os.Stdout.
func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	return build(ctx, cfg, logger, os.Stdin, os.Stdout)
}

func build(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger, stdin io.Reader, stdout io.Writer) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Deps{}

	// Opening book
	if cfg.OpeningBook.Enabled {
		book, err := openingbook.Load(cfg.OpeningBook.Path)
		if err != nil {
			return nil, fmt.Errorf("load opening book: %w", err)
		}
		d.Book = book
		logger.Info("opening book loaded", zap.String("path", book.Path()))
	}

	// Engine
	pool, err := uci.NewPool(uci.PoolConfig{
		BinaryPath: cfg.Engine.Path,
		Capacity:   cfg.Engine.PoolSize,
		Options: uci.Options{
			Threads:      cfg.Engine.Threads,
			HashMB:       cfg.Engine.HashMB,
			MaxDepth:     cfg.Engine.MaxDepth,
			PollInterval: cfg.Engine.PollInterval,
			StopTimeout:  cfg.Engine.StopTimeout,
		},
		Logger: logger.Named("uci"),
	})
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	d.Engine = uci.NewEngine(pool)
	d.closers = append(d.closers, func(context.Context) error { return d.Engine.Close() })

	// Transport
	ch, err := d.buildChannel(ctx, cfg.Transport, logger, stdin, stdout)
	if err != nil {
		_ = d.Close(context.Background())
		return nil, err
	}
	d.Channel = ch

	worker, err := search.NewWorker(search.Config{
		Engine:         d.Engine,
		Book:           d.Book,
		HasOpeningBook: cfg.OpeningBook.Enabled,
		BookOptions: search.BookOptions{
			MinWeight: cfg.OpeningBook.MinWeight,
			MaxPly:    cfg.OpeningBook.MaxPly,
		},
		Budget: search.BudgetOptions{
			Factor:    cfg.Budget.Factor,
			Increment: cfg.Budget.Increment,
		},
		Seed:   cfg.RandomSeed,
		Logger: logger.Named("search"),
	})
	if err != nil {
		_ = d.Close(context.Background())
		return nil, fmt.Errorf("init worker: %w", err)
	}
	d.Worker = worker
	return d, nil
}

func (d *Deps) buildChannel(ctx context.Context, tc config.TransportConfig, logger *zap.Logger, stdin io.Reader, stdout io.Writer) (transport.Channel, error) {
	var (
		inbound transport.Channel
		ws      *transport.WebSocket
	)
	switch tc.Mode {
	case config.ModeStdio:
		stdio := transport.NewStdio(stdin, stdout)
		d.closers = append(d.closers, func(context.Context) error { return stdio.Close() })
		inbound = stdio
	case config.ModeRedis:
		opts, err := transport.ParseRedisURL(tc.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		d.closers = append(d.closers, func(context.Context) error { return rdb.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		inbound = transport.NewRedis(rdb, tc.RequestKey, tc.ReplyKey)
	case config.ModeWS:
		ws = transport.NewWebSocket(tc.WSURL, tc.ReconnectAttempts, logger.Named("ws"))
		d.closers = append(d.closers, ws.Close)
		if err := ws.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect ws: %w", err)
		}
		inbound = ws
	default:
		return nil, fmt.Errorf("unknown transport mode %q", tc.Mode)
	}

	var httpEg *transport.HTTPEgress
	if strings.TrimSpace(tc.CallbackURL) != "" {
		httpEg = transport.NewHTTPEgress(tc.CallbackURL)
	}
	sender, err := transport.NewEgress(tc.Egress, inbound, ws, httpEg, logger.Named("egress"))
	if err != nil {
		return nil, err
	}
	return transport.Split(inbound, sender), nil
}

// Close releases resources in reverse order of creation.
func (d *Deps) Close(ctx context.Context) error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
