package search

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	chesslib "github.com/corentings/chess/v2"

	"github.com/park285/cheese-search-worker/internal/engine"
	"github.com/park285/cheese-search-worker/internal/openingbook"
	"github.com/park285/cheese-search-worker/internal/timemgr"
)

type fakeClock struct{ now time.Time }

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type step struct {
	took   time.Duration
	result engine.Result
}

// scriptedEngine behaves like an iterative deepening engine: it checks
// TimeUp before each iteration and reports every finished one.
type scriptedEngine struct {
	clock *fakeClock
	steps []step
	err   error

	calls int
	pos   engine.Position
}

func (e *scriptedEngine) Search(ctx context.Context, pos engine.Position, cb engine.Callbacks) error {
	e.calls++
	e.pos = pos
	for _, s := range e.steps {
		if cb.TimeUp() {
			break
		}
		e.clock.Advance(s.took)
		cb.OnResult(s.result)
	}
	return e.err
}

type memChannel struct {
	in      [][]byte
	out     [][]byte
	sendErr error
}

func (c *memChannel) Receive(ctx context.Context) ([]byte, error) {
	if len(c.in) == 0 {
		return nil, io.EOF
	}
	raw := c.in[0]
	c.in = c.in[1:]
	return raw, nil
}

func (c *memChannel) Send(ctx context.Context, payload []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.out = append(c.out, append([]byte(nil), payload...))
	return nil
}

// replies drops the leading readiness frame and returns the rest.
func (c *memChannel) replies(t *testing.T) [][]byte {
	t.Helper()
	if len(c.out) == 0 || string(c.out[0]) != `{"type":"Ready"}` {
		t.Fatalf("expected a ready frame first, got %q", c.out)
	}
	return c.out[1:]
}

func (c *memChannel) decoded(t *testing.T) []map[string]any {
	t.Helper()
	replies := c.replies(t)
	out := make([]map[string]any, 0, len(replies))
	for _, raw := range replies {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		out = append(out, m)
	}
	return out
}

func result(depth uint8, nodes uint32, mv string) engine.Result {
	return engine.Result{BestMove: mv, Depth: depth, Nodes: nodes, Score: engine.CentipawnScore(int(depth)), PV: []string{mv}}
}

type bookMove struct {
	move   string
	weight uint16
}

func startposBook(t *testing.T, moves ...bookMove) *openingbook.Store {
	t.Helper()
	key, err := openingbook.KeyOf(chesslib.NewGame().Position())
	if err != nil {
		t.Fatalf("KeyOf: %v", err)
	}
	var buf bytes.Buffer
	for _, m := range moves {
		var rec [16]byte
		from := uint16(m.move[0]-'a') | uint16(m.move[1]-'1')<<3
		to := uint16(m.move[2]-'a') | uint16(m.move[3]-'1')<<3
		binary.BigEndian.PutUint64(rec[0:8], key.Hash)
		binary.BigEndian.PutUint16(rec[8:10], to|from<<6)
		binary.BigEndian.PutUint16(rec[10:12], m.weight)
		buf.Write(rec[:])
	}
	store, err := openingbook.LoadFromReader(&buf)
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return store
}

func newTestWorker(t *testing.T, eng engine.Engine, clock *fakeClock, book *openingbook.Store, opts BookOptions) *Worker {
	t.Helper()
	w, err := NewWorker(Config{
		Engine:         eng,
		Book:           book,
		HasOpeningBook: book != nil,
		BookOptions:    opts,
		Clock:          clock,
		Seed:           1,
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	return w
}

func TestZeroThinkTimeTerminatesWithoutAnswers(t *testing.T) {
	clock := newFakeClock()
	eng := &scriptedEngine{clock: clock, steps: []step{{took: time.Millisecond, result: result(1, 20, "e2e4")}}}
	w := newTestWorker(t, eng, clock, nil, BookOptions{})

	ch := &memChannel{in: [][]byte{[]byte(`{"init_pos":"startpos","moves":[],"think_time":0}`)}}
	if err := w.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := ch.replies(t); len(got) != 1 || string(got[0]) != "null" {
		t.Fatalf("expected only a terminator, got %q", got)
	}
}

func TestZeroTimeLeftStillAnswersOnce(t *testing.T) {
	clock := newFakeClock()
	eng := &scriptedEngine{clock: clock, steps: []step{
		{took: 5 * time.Millisecond, result: result(1, 20, "e2e4")},
		{took: 5 * time.Millisecond, result: result(2, 80, "d2d4")},
	}}
	w := newTestWorker(t, eng, clock, nil, BookOptions{})

	ch := &memChannel{in: [][]byte{[]byte(`{"init_pos":"startpos","moves":[],"time_left":0}`)}}
	if err := w.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run: %v", err)
	}
	msgs := ch.decoded(t)
	if len(msgs) != 2 || msgs[0]["type"] != "Engine" || msgs[0]["mv"] != "e2e4" || msgs[1] != nil {
		t.Fatalf("expected one engine answer and a terminator, got %q", ch.out)
	}
}

func TestShortBudgetIsNotUpBeforeFirstResult(t *testing.T) {
	clock := newFakeClock()
	h := newHandler(context.Background(), timemgr.NewBudget(100*time.Millisecond, timemgr.DefaultBudgetFactor, 0), clock, nil, nil)
	clock.Advance(5 * time.Millisecond)
	if h.TimeUp() {
		t.Fatalf("budget mode must let the first iteration finish")
	}
}

func TestReadyIsFirstFrame(t *testing.T) {
	clock := newFakeClock()
	w := newTestWorker(t, &scriptedEngine{clock: clock}, clock, nil, BookOptions{})

	ch := &memChannel{}
	if err := w.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(ch.out) != 1 || string(ch.out[0]) != `{"type":"Ready"}` {
		t.Fatalf("expected a lone ready frame, got %q", ch.out)
	}
}

func TestFixedThinkTimeStopsAfterBudget(t *testing.T) {
	clock := newFakeClock()
	eng := &scriptedEngine{clock: clock}
	for d := uint8(1); d <= 5; d++ {
		eng.steps = append(eng.steps, step{took: 400 * time.Millisecond, result: result(d, uint32(d)*100, "d2d4")})
	}
	w := newTestWorker(t, eng, clock, nil, BookOptions{})

	ch := &memChannel{in: [][]byte{[]byte(`{"init_pos":"startpos","moves":["e2e4"],"think_time":1000}`)}}
	if err := w.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run: %v", err)
	}
	msgs := ch.decoded(t)
	if len(msgs) != 4 || msgs[3] != nil {
		t.Fatalf("expected 3 answers and a terminator, got %q", ch.out)
	}
	for i, want := range []float64{0.4, 0.8, 1.2} {
		if msgs[i]["type"] != "Engine" || msgs[i]["time"] != want || msgs[i]["depth"] != float64(i+1) {
			t.Fatalf("answer %d: %v", i, msgs[i])
		}
	}
	if eng.pos.FEN != "startpos" || len(eng.pos.Moves) != 1 || eng.pos.Moves[0] != "e2e4" {
		t.Fatalf("engine got position %+v", eng.pos)
	}
}

func TestBudgetModeStopsBeforeUnfinishableIteration(t *testing.T) {
	clock := newFakeClock()
	eng := &scriptedEngine{clock: clock, steps: []step{
		{took: 400 * time.Millisecond, result: result(1, 100, "e2e4")},
		{took: 800 * time.Millisecond, result: result(2, 400, "e2e4")},
		{took: 1600 * time.Millisecond, result: result(3, 1600, "d2d4")},
	}}
	w := newTestWorker(t, eng, clock, nil, BookOptions{})

	// 100s left at the default factor allots 4s to this move.
	ch := &memChannel{in: [][]byte{[]byte(`{"init_pos":"startpos","moves":[],"time_left":100000}`)}}
	if err := w.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := ch.replies(t); len(got) != 3 || string(got[2]) != "null" {
		t.Fatalf("expected 2 answers and a terminator, got %q", got)
	}
}

func TestBookMoveAnswersWithoutEngine(t *testing.T) {
	clock := newFakeClock()
	eng := &scriptedEngine{clock: clock}
	book := startposBook(t, bookMove{"e2e4", 10}, bookMove{"d2d4", 0})
	w := newTestWorker(t, eng, clock, book, BookOptions{})

	ch := &memChannel{in: [][]byte{[]byte(`{"init_pos":"startpos","moves":[],"time_left":60000}`)}}
	if err := w.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run: %v", err)
	}
	msgs := ch.decoded(t)
	if len(msgs) != 2 || msgs[1] != nil {
		t.Fatalf("expected book answer and terminator, got %q", ch.out)
	}
	if msgs[0]["type"] != "Book" || msgs[0]["mv"] != "e2e4" || msgs[0]["weight"] != float64(10) {
		t.Fatalf("unexpected book answer %v", msgs[0])
	}
	if eng.calls != 0 {
		t.Fatalf("engine should not run on a book hit")
	}
}

func TestZeroWeightBookFallsThroughToEngine(t *testing.T) {
	clock := newFakeClock()
	eng := &scriptedEngine{clock: clock, steps: []step{{took: 10 * time.Millisecond, result: result(1, 20, "g1f3")}}}
	book := startposBook(t, bookMove{"e2e4", 0}, bookMove{"d2d4", 0})
	w := newTestWorker(t, eng, clock, book, BookOptions{})

	ch := &memChannel{in: [][]byte{[]byte(`{"init_pos":"startpos","moves":[],"think_time":5}`)}}
	if err := w.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if eng.calls != 1 {
		t.Fatalf("expected engine to run, calls=%d", eng.calls)
	}
	msgs := ch.decoded(t)
	if len(msgs) != 2 || msgs[0]["type"] != "Engine" || msgs[1] != nil {
		t.Fatalf("unexpected output %q", ch.out)
	}
}

func TestBookSkippedWhenDisabledOrPastMaxPly(t *testing.T) {
	clock := newFakeClock()
	book := startposBook(t, bookMove{"e2e4", 10})

	eng := &scriptedEngine{clock: clock}
	w, err := NewWorker(Config{Engine: eng, Book: book, HasOpeningBook: false, Clock: clock})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	ch := &memChannel{in: [][]byte{[]byte(`{"moves":[],"think_time":0}`)}}
	if err := w.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if eng.calls != 1 {
		t.Fatalf("disabled book must fall through to the engine")
	}

	eng = &scriptedEngine{clock: clock}
	w = newTestWorker(t, eng, clock, book, BookOptions{MaxPly: 1})
	ch = &memChannel{in: [][]byte{[]byte(`{"moves":["e2e4"],"think_time":0}`)}}
	if err := w.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if eng.calls != 1 {
		t.Fatalf("book past max ply must fall through to the engine")
	}
}

func TestDecodeErrorIsAnsweredAndWorkerContinues(t *testing.T) {
	clock := newFakeClock()
	eng := &scriptedEngine{clock: clock}
	w := newTestWorker(t, eng, clock, nil, BookOptions{})

	ch := &memChannel{in: [][]byte{
		[]byte(`{"moves":["e2e5"],"think_time":10}`),
		[]byte(`{"moves":[],"think_time":0}`),
	}}
	if err := w.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run: %v", err)
	}
	msgs := ch.decoded(t)
	if len(msgs) != 3 {
		t.Fatalf("unexpected output %q", ch.out)
	}
	if msgs[0]["type"] != "Error" || msgs[0]["message"] == "" || msgs[1] != nil || msgs[2] != nil {
		t.Fatalf("unexpected output %q", ch.out)
	}
	if eng.calls != 1 {
		t.Fatalf("second request should reach the engine, calls=%d", eng.calls)
	}
}

func TestEngineFailureStillTerminates(t *testing.T) {
	clock := newFakeClock()
	eng := &scriptedEngine{clock: clock, err: errors.New("engine crashed")}
	w := newTestWorker(t, eng, clock, nil, BookOptions{})

	ch := &memChannel{in: [][]byte{[]byte(`{"moves":[],"think_time":100}`)}}
	if err := w.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := ch.replies(t); len(got) != 1 || string(got[0]) != "null" {
		t.Fatalf("expected terminator only, got %q", got)
	}
}

func TestSendFailureStopsRun(t *testing.T) {
	clock := newFakeClock()
	eng := &scriptedEngine{clock: clock}
	w := newTestWorker(t, eng, clock, nil, BookOptions{})

	sendErr := errors.New("peer gone")
	ch := &memChannel{in: [][]byte{[]byte(`{"moves":[],"think_time":0}`)}, sendErr: sendErr}
	if err := w.Run(context.Background(), ch); !errors.Is(err, sendErr) {
		t.Fatalf("expected send error, got %v", err)
	}
}

func TestNewWorkerValidation(t *testing.T) {
	if _, err := NewWorker(Config{}); err == nil {
		t.Fatalf("expected missing engine error")
	}
	if _, err := NewWorker(Config{Engine: &scriptedEngine{}, HasOpeningBook: true}); err == nil {
		t.Fatalf("expected missing book error")
	}
}
