package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/park285/cheese-search-worker/internal/engine"
)

func TestDecodeStartPosWithMoves(t *testing.T) {
	req, err := Decode([]byte(`{"init_pos":"startpos","moves":["e2e4","e7e5","g1f3"],"time_left":60000}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.Mode != ModeBudget || req.Budget != time.Minute {
		t.Fatalf("unexpected budget %v %v", req.Mode, req.Budget)
	}
	if len(req.Moves) != 3 {
		t.Fatalf("moves: %v", req.Moves)
	}
	want := "rnbqkbnr/pppp1ppp/8/4p3/4P3/5N2/PPPP1PPP/RNBQKB1R b KQkq - 1 2"
	if got := req.Position().String(); got != want {
		t.Fatalf("position %q want %q", got, want)
	}
}

func TestDecodeFENAndAlias(t *testing.T) {
	fen := "r3k2r/pppppppp/8/8/8/8/PPPPPPPP/R3K2R w KQkq - 0 1"
	req, err := Decode([]byte(`{"initPos":"` + fen + `","moves":[],"think_time":250}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.InitPos != fen || req.Mode != ModeFixed || req.Budget != 250*time.Millisecond {
		t.Fatalf("unexpected request %+v", req)
	}
	if got := req.Position().String(); got != fen {
		t.Fatalf("position %q", got)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"init_pos":`,
		"no budget":       `{"init_pos":"startpos","moves":[]}`,
		"both budgets":    `{"moves":[],"time_left":1,"think_time":1}`,
		"negative budget": `{"moves":[],"think_time":-5}`,
		"bad fen":         `{"init_pos":"not a fen","moves":[],"think_time":10}`,
		"bad notation":    `{"moves":["e2-e4"],"think_time":10}`,
		"illegal move":    `{"moves":["e2e5"],"think_time":10}`,
		"wrong type":      `{"moves":"e2e4","think_time":10}`,
	}
	for name, raw := range cases {
		_, err := Decode([]byte(raw))
		var derr *DecodeError
		if !errors.As(err, &derr) {
			t.Fatalf("%s: expected DecodeError, got %v", name, err)
		}
	}
}

func TestRequestRoundTrip(t *testing.T) {
	in := []string{
		`{"init_pos":"startpos","moves":["d2d4","d7d5"],"time_left":30000}`,
		`{"init_pos":"","moves":[],"think_time":0}`,
	}
	for _, raw := range in {
		first, err := Decode([]byte(raw))
		if err != nil {
			t.Fatalf("Decode %s: %v", raw, err)
		}
		enc, err := EncodeRequest(first)
		if err != nil {
			t.Fatalf("EncodeRequest: %v", err)
		}
		second, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode re-encoded %s: %v", enc, err)
		}
		if first.InitPos != second.InitPos || first.Mode != second.Mode || first.Budget != second.Budget {
			t.Fatalf("round trip mismatch: %+v vs %+v", first, second)
		}
		if len(first.Moves) != len(second.Moves) {
			t.Fatalf("moves mismatch: %v vs %v", first.Moves, second.Moves)
		}
		if first.Position().String() != second.Position().String() {
			t.Fatalf("positions differ")
		}
	}
}

func TestEncodeBookAnswer(t *testing.T) {
	raw, err := Encode(BookAnswer{Move: "e1g1", Weight: 7})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "Book" || got["mv"] != "e1g1" || got["weight"] != float64(7) {
		t.Fatalf("unexpected book answer %s", raw)
	}
}

func TestEncodeEngineAnswer(t *testing.T) {
	raw, err := Encode(EngineAnswer{
		Result: engine.Result{
			BestMove:     "e2e4",
			Score:        engine.CentipawnScore(35),
			Nodes:        1200,
			Depth:        9,
			PV:           []string{"e2e4", "e7e5"},
			TableSize:    16 << 20,
			TableEntries: 4096,
		},
		Elapsed: 1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	checks := map[string]any{
		"type":                        "Engine",
		"mv":                          "e2e4",
		"value":                       "+0.35",
		"nodes":                       float64(1200),
		"depth":                       float64(9),
		"transposition_table_size":    float64(16 << 20),
		"transposition_table_entries": float64(4096),
		"time":                        1.5,
	}
	for k, want := range checks {
		if got[k] != want {
			t.Fatalf("%s: got %v want %v (%s)", k, got[k], want, raw)
		}
	}
	pv, ok := got["principal_variation"].([]any)
	if !ok || len(pv) != 2 {
		t.Fatalf("principal_variation: %v", got["principal_variation"])
	}
}

func TestEncodeEngineAnswerEmptyPV(t *testing.T) {
	raw, err := Encode(EngineAnswer{Result: engine.Result{BestMove: "a2a3"}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pv, ok := got["principal_variation"].([]any); !ok || len(pv) != 0 {
		t.Fatalf("expected empty pv array, got %s", raw)
	}
}

func TestEncodeTerminateAndError(t *testing.T) {
	raw, err := Encode(Terminate{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(raw) != "null" {
		t.Fatalf("terminator %q", raw)
	}

	raw, err = Encode(Ready{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(raw) != `{"type":"Ready"}` {
		t.Fatalf("ready %q", raw)
	}

	raw, err = Encode(ErrorAnswer{Message: "bad request"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "Error" || got["message"] != "bad request" {
		t.Fatalf("unexpected error answer %s", raw)
	}
}
