package uci

import (
	"context"

	"github.com/park285/cheese-search-worker/internal/engine"
)

// Engine runs searches on pooled UCI processes.
type Engine struct {
	pool *Pool
}

func NewEngine(pool *Pool) *Engine {
	return &Engine{pool: pool}
}

var _ engine.Engine = (*Engine)(nil)

func (e *Engine) Search(ctx context.Context, pos engine.Position, cb engine.Callbacks) error {
	session, err := e.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	var releaseErr error
	defer func() {
		e.pool.Release(session, releaseErr)
	}()

	if err := session.NewGame(ctx); err != nil {
		releaseErr = err
		return err
	}
	if err := session.Search(ctx, pos, cb); err != nil {
		releaseErr = err
		return err
	}
	return nil
}

func (e *Engine) Close() error {
	return e.pool.Close()
}
