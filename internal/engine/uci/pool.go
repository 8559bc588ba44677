package uci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

type PoolConfig struct {
	BinaryPath string
	Capacity   int
	Options    Options
	Logger     *zap.Logger
}

type sessionFactory func(ctx context.Context) (*Session, error)

// Pool keeps warm engine processes. A session released with an error is
// closed and replaced on the next Acquire.
type Pool struct {
	factory  sessionFactory
	capacity int
	logger   *zap.Logger

	mu     sync.Mutex
	total  int
	closed bool
	idle   chan *Session
}

var (
	errPoolAtCapacity = errors.New("session pool at capacity")
	ErrPoolClosed     = errors.New("session pool closed")
)

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.BinaryPath == "" {
		return nil, fmt.Errorf("binary path required")
	}
	if _, err := os.Stat(cfg.BinaryPath); err != nil {
		return nil, fmt.Errorf("engine binary check: %w", err)
	}
	if err := validateOptions(cfg.Options); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := func(ctx context.Context) (*Session, error) {
		return NewSession(ctx, cfg.BinaryPath, cfg.Options, logger)
	}
	return newPool(factory, cfg.Capacity, logger), nil
}

func newPool(factory sessionFactory, capacity int, logger *zap.Logger) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		factory:  factory,
		capacity: capacity,
		logger:   logger,
		idle:     make(chan *Session, capacity),
	}
}

func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	for {
		select {
		case session := <-p.idle:
			if s, ok := p.revive(ctx, session); ok {
				return s, nil
			}
			continue
		default:
		}

		session, err := p.create(ctx)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, errPoolAtCapacity) {
			return nil, err
		}

		select {
		case session := <-p.idle:
			if s, ok := p.revive(ctx, session); ok {
				return s, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) revive(ctx context.Context, session *Session) (*Session, bool) {
	if session == nil {
		return nil, false
	}
	if err := session.EnsureReady(ctx); err != nil {
		p.logger.Warn("discarding unresponsive engine", zap.Error(err))
		p.discard(session)
		return nil, false
	}
	return session, true
}

func (p *Pool) Release(session *Session, err error) {
	if session == nil {
		return
	}
	if err != nil {
		p.logger.Warn("discarding engine after failure", zap.Error(err))
		p.discard(session)
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.discard(session)
		return
	}
	select {
	case p.idle <- session:
	default:
		p.discard(session)
	}
}

func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for {
		select {
		case session := <-p.idle:
			if session == nil {
				continue
			}
			if err := session.Close(); err != nil {
				errs = append(errs, err)
			}
			p.decrement()
		default:
			return errors.Join(errs...)
		}
	}
}

func (p *Pool) create(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.total >= p.capacity {
		p.mu.Unlock()
		return nil, errPoolAtCapacity
	}
	p.total++
	p.mu.Unlock()

	session, err := p.factory(ctx)
	if err != nil {
		p.decrement()
		return nil, err
	}
	return session, nil
}

func (p *Pool) discard(session *Session) {
	if session != nil {
		_ = session.Close()
	}
	p.decrement()
}

func (p *Pool) decrement() {
	p.mu.Lock()
	if p.total > 0 {
		p.total--
	}
	p.mu.Unlock()
}
