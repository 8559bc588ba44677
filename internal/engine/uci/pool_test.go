package uci

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/park285/cheese-search-worker/internal/engine"
)

func fakePool(t *testing.T, capacity int) (*Pool, *atomic.Int32) {
	t.Helper()
	var created atomic.Int32
	factory := func(ctx context.Context) (*Session, error) {
		created.Add(1)
		f := newFakeEngine(func(f *fakeEngine, cmd string) {
			f.info(1, 12, 40, "e2e4")
			f.say("bestmove e2e4")
		})
		return startFake(t, f, Options{HashMB: 1, MaxDepth: 1}), nil
	}
	p := newPool(factory, capacity, nil)
	t.Cleanup(func() { _ = p.Close() })
	return p, &created
}

func TestPoolReusesHealthySession(t *testing.T) {
	p, created := fakePool(t, 1)
	ctx := context.Background()

	s1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(s1, nil)

	s2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if s1 != s2 || created.Load() != 1 {
		t.Fatalf("expected session reuse, created=%d", created.Load())
	}
	p.Release(s2, nil)
}

func TestPoolReplacesFailedSession(t *testing.T) {
	p, created := fakePool(t, 1)
	ctx := context.Background()

	s1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(s1, errors.New("boom"))

	s2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if s1 == s2 || created.Load() != 2 {
		t.Fatalf("expected a fresh session, created=%d", created.Load())
	}
	p.Release(s2, nil)
}

func TestPoolBlocksAtCapacity(t *testing.T) {
	p, _ := fakePool(t, 1)
	s1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(s1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPoolClosedRejectsAcquire(t *testing.T) {
	p, _ := fakePool(t, 1)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestEngineSearchThroughPool(t *testing.T) {
	p, _ := fakePool(t, 1)
	eng := NewEngine(p)

	cb := &recordingCallbacks{timeUp: func(int) bool { return false }}
	if err := eng.Search(context.Background(), engine.Position{FEN: "startpos"}, cb); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if cb.count() != 1 || cb.results[0].BestMove != "e2e4" {
		t.Fatalf("unexpected results %+v", cb.results)
	}
}
