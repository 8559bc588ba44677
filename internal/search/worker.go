package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-search-worker/internal/engine"
	"github.com/park285/cheese-search-worker/internal/openingbook"
	"github.com/park285/cheese-search-worker/internal/protocol"
	"github.com/park285/cheese-search-worker/internal/timemgr"
	"github.com/park285/cheese-search-worker/internal/transport"
)

type BookOptions struct {
	MinWeight uint16
	// MaxPly skips the book once the request carries more moves; 0 means
	// no limit.
	MaxPly int
}

type BudgetOptions struct {
	Factor    float64
	Increment time.Duration
}

type Config struct {
	Engine engine.Engine
	// Book is consulted only when HasOpeningBook is set.
	Book           *openingbook.Store
	HasOpeningBook bool
	BookOptions    BookOptions
	Budget         BudgetOptions
	Clock          timemgr.Clock
	// Seed fixes the book sampling sequence; 0 seeds from the clock.
	Seed   int64
	Logger *zap.Logger
}

// Worker serves search requests one at a time.
type Worker struct {
	engine         engine.Engine
	book           *openingbook.Store
	hasOpeningBook bool
	bookOpts       BookOptions
	budget         BudgetOptions
	clock          timemgr.Clock
	logger         *zap.Logger

	randMu sync.Mutex
	rand   *rand.Rand
}

func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	if cfg.HasOpeningBook && cfg.Book == nil {
		return nil, errors.New("opening book enabled without a book")
	}
	if cfg.Budget.Factor <= 0 {
		cfg.Budget.Factor = timemgr.DefaultBudgetFactor
	}
	if cfg.Clock == nil {
		cfg.Clock = timemgr.SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Worker{
		engine:         cfg.Engine,
		book:           cfg.Book,
		hasOpeningBook: cfg.HasOpeningBook,
		bookOpts:       cfg.BookOptions,
		budget:         cfg.Budget,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		rand:           rand.New(rand.NewSource(seed)),
	}, nil
}

func (w *Worker) random() *rand.Rand {
	w.randMu.Lock()
	seed := w.rand.Int63()
	w.randMu.Unlock()
	return rand.New(rand.NewSource(seed))
}

// Run announces readiness on ch, then serves requests until the context
// ends or the channel reports io.EOF.
func (w *Worker) Run(ctx context.Context, ch transport.Channel) error {
	emitter := channelEmitter{ch: ch}
	if err := emitter.Emit(ctx, protocol.Ready{}); err != nil {
		return fmt.Errorf("emit ready: %w", err)
	}
	w.logger.Info("worker ready")
	for {
		raw, err := ch.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				w.logger.Info("request channel closed")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive request: %w", err)
		}
		if err := w.Handle(ctx, raw, emitter); err != nil {
			return err
		}
	}
}

// Handle answers one request. Every request ends with exactly one
// Terminate. The returned error is a delivery failure; request-level
// problems are answered, not returned.
func (w *Worker) Handle(ctx context.Context, raw []byte, emitter Emitter) error {
	req, err := protocol.Decode(raw)
	if err != nil {
		w.logger.Warn("rejecting request", zap.Error(err))
		if emitErr := emitter.Emit(ctx, protocol.ErrorAnswer{Message: err.Error()}); emitErr != nil {
			return fmt.Errorf("emit error answer: %w", emitErr)
		}
		return w.terminate(ctx, emitter)
	}

	if choice, ok := w.bookMove(req); ok {
		w.logger.Info("book move", zap.String("mv", choice.Move), zap.Uint16("weight", choice.Weight))
		if err := emitter.Emit(ctx, protocol.BookAnswer{Move: choice.Move, Weight: choice.Weight}); err != nil {
			return fmt.Errorf("emit book answer: %w", err)
		}
		return w.terminate(ctx, emitter)
	}

	h := newHandler(ctx, w.manager(req), w.clock, emitter, w.logger)
	h.logger.Info("search started",
		zap.Stringer("mode", req.Mode),
		zap.Duration("budget", req.Budget),
		zap.Int("moves", len(req.Moves)))

	pos := engine.Position{FEN: req.InitPos, Moves: req.Moves}
	if err := w.engine.Search(ctx, pos, h); err != nil {
		h.logger.Error("engine search failed", zap.Error(err))
	}
	h.logger.Info("search finished",
		zap.Int("results", h.Results()),
		zap.Duration("elapsed", w.clock.Now().Sub(h.start)))
	if err := h.Err(); err != nil {
		return fmt.Errorf("emit engine answer: %w", err)
	}
	return w.terminate(ctx, emitter)
}

func (w *Worker) bookMove(req *protocol.Request) (openingbook.Choice, bool) {
	if !w.hasOpeningBook {
		return openingbook.Choice{}, false
	}
	if w.bookOpts.MaxPly > 0 && len(req.Moves) >= w.bookOpts.MaxPly {
		return openingbook.Choice{}, false
	}
	choice, ok, err := w.book.Pick(req.Game(), w.random(), openingbook.PickOptions{MinWeight: w.bookOpts.MinWeight})
	if err != nil {
		w.logger.Warn("book move rejected", zap.Error(err))
		return openingbook.Choice{}, false
	}
	return choice, ok
}

func (w *Worker) manager(req *protocol.Request) *timemgr.Manager {
	if req.Mode == protocol.ModeFixed {
		return timemgr.NewFixed(req.Budget)
	}
	return timemgr.NewBudget(req.Budget, w.budget.Factor, w.budget.Increment)
}

func (w *Worker) terminate(ctx context.Context, emitter Emitter) error {
	if err := emitter.Emit(ctx, protocol.Terminate{}); err != nil {
		return fmt.Errorf("emit terminate: %w", err)
	}
	return nil
}

type channelEmitter struct {
	ch transport.Sender
}

func (e channelEmitter) Emit(ctx context.Context, m protocol.Message) error {
	raw, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return e.ch.Send(ctx, raw)
}
