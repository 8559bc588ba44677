package search

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-search-worker/internal/engine"
	"github.com/park285/cheese-search-worker/internal/protocol"
	"github.com/park285/cheese-search-worker/internal/timemgr"
)

// Emitter delivers outbound messages for one request.
type Emitter interface {
	Emit(ctx context.Context, m protocol.Message) error
}

// Handler is the engine callback target for one search session. It is
// driven synchronously from Engine.Search and is not safe for concurrent
// use.
type Handler struct {
	ctx     context.Context
	id      string
	manager *timemgr.Manager
	clock   timemgr.Clock
	emitter Emitter
	logger  *zap.Logger

	start      time.Time
	lastUpdate time.Time
	timeLeft   time.Duration

	results  int
	reported bool
	err      error
}

var _ engine.Callbacks = (*Handler)(nil)

func newHandler(ctx context.Context, manager *timemgr.Manager, clock timemgr.Clock, emitter Emitter, logger *zap.Logger) *Handler {
	if clock == nil {
		clock = timemgr.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	now := clock.Now()
	return &Handler{
		ctx:        ctx,
		id:         id,
		manager:    manager,
		clock:      clock,
		emitter:    emitter,
		logger:     logger.With(zap.String("session", id)),
		start:      now,
		lastUpdate: now,
		timeLeft:   manager.Initial(),
	}
}

// TimeUp reports whether the current budget is spent. A failed emit also
// ends the session since nobody can receive further results.
func (h *Handler) TimeUp() bool {
	up := h.err != nil || timemgr.IsTimeUp(h.clock.Now(), h.lastUpdate, h.timeLeft)
	if up && !h.reported {
		h.reported = true
		h.logger.Debug("time up",
			zap.Int("results", h.results),
			zap.Duration("time_left", h.timeLeft),
			zap.Duration("elapsed", h.clock.Now().Sub(h.start)))
	}
	return up
}

func (h *Handler) OnResult(r engine.Result) {
	now := h.clock.Now()
	h.results++
	if h.err == nil {
		if err := h.emitter.Emit(h.ctx, protocol.EngineAnswer{Result: r, Elapsed: now.Sub(h.start)}); err != nil {
			h.err = err
			h.logger.Warn("emit engine answer failed", zap.Error(err))
		}
	}
	h.timeLeft = h.manager.Update(r, now.Sub(h.lastUpdate))
	h.lastUpdate = now
	h.logger.Debug("engine result",
		zap.String("mv", r.BestMove),
		zap.Uint8("depth", r.Depth),
		zap.Uint32("nodes", r.Nodes),
		zap.Stringer("score", r.Score),
		zap.Bool("mate", r.Score.IsMate()),
		zap.Duration("time_left", h.timeLeft))
}

// Err is the first emit failure, if any.
func (h *Handler) Err() error { return h.err }

func (h *Handler) Results() int { return h.results }
