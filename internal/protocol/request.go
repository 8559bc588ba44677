package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	chesslib "github.com/corentings/chess/v2"

	"github.com/park285/cheese-search-worker/pkg/searchdto"
)

const StartPos = "startpos"

// DecodeError reports a malformed inbound request. It is scoped to one
// request; the worker answers it and keeps serving.
type DecodeError struct {
	Field  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "decode request"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

type BudgetMode int

const (
	// ModeBudget spends a share of the caller's remaining game time.
	ModeBudget BudgetMode = iota + 1
	// ModeFixed thinks for exactly the given time.
	ModeFixed
)

func (m BudgetMode) String() string {
	switch m {
	case ModeBudget:
		return "time_left"
	case ModeFixed:
		return "think_time"
	default:
		return "unknown"
	}
}

// Request is a decoded search request with its moves replayed.
type Request struct {
	InitPos string
	Moves   []string
	Mode    BudgetMode
	Budget  time.Duration

	game *chesslib.Game
}

// Game returns the game after all moves were replayed. Callers must not
// push moves onto it; use Clone.
func (r *Request) Game() *chesslib.Game { return r.game }

func (r *Request) Position() *chesslib.Position {
	if r.game == nil {
		return nil
	}
	return r.game.Position()
}

var uciMovePattern = regexp.MustCompile(`^[a-h][1-8][a-h][1-8][qrbn]?$`)

type wireRequest struct {
	searchdto.SearchRequest
	InitPosCamel string `json:"initPos"`
}

// Decode parses one inbound message and replays its moves.
func Decode(raw []byte) (*Request, error) {
	var w wireRequest
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &DecodeError{Reason: "malformed json", Err: err}
	}
	initPos := strings.TrimSpace(w.InitPos)
	if initPos == "" {
		initPos = strings.TrimSpace(w.InitPosCamel)
	}

	req := &Request{InitPos: initPos}
	switch {
	case w.TimeLeft != nil && w.ThinkTime != nil:
		return nil, &DecodeError{Field: "time_left", Reason: "time_left and think_time are mutually exclusive"}
	case w.TimeLeft != nil:
		req.Mode = ModeBudget
		if *w.TimeLeft < 0 {
			return nil, &DecodeError{Field: "time_left", Reason: fmt.Sprintf("negative budget %d", *w.TimeLeft)}
		}
		req.Budget = time.Duration(*w.TimeLeft) * time.Millisecond
	case w.ThinkTime != nil:
		req.Mode = ModeFixed
		if *w.ThinkTime < 0 {
			return nil, &DecodeError{Field: "think_time", Reason: fmt.Sprintf("negative budget %d", *w.ThinkTime)}
		}
		req.Budget = time.Duration(*w.ThinkTime) * time.Millisecond
	default:
		return nil, &DecodeError{Field: "time_left", Reason: "one of time_left or think_time is required"}
	}

	game, err := newGame(initPos)
	if err != nil {
		return nil, &DecodeError{Field: "init_pos", Err: err}
	}

	req.Moves = make([]string, 0, len(w.Moves))
	for i, mv := range w.Moves {
		mv = strings.ToLower(strings.TrimSpace(mv))
		if !uciMovePattern.MatchString(mv) {
			return nil, &DecodeError{Field: fmt.Sprintf("moves[%d]", i), Reason: fmt.Sprintf("%q is not a uci move", mv)}
		}
		if err := game.PushNotationMove(mv, chesslib.UCINotation{}, nil); err != nil {
			return nil, &DecodeError{Field: fmt.Sprintf("moves[%d]", i), Reason: fmt.Sprintf("apply %q", mv), Err: err}
		}
		req.Moves = append(req.Moves, mv)
	}
	req.game = game
	return req, nil
}

// EncodeRequest is the inverse of Decode.
func EncodeRequest(r *Request) ([]byte, error) {
	if r == nil {
		return nil, errors.New("nil request")
	}
	out := searchdto.SearchRequest{
		InitPos: r.InitPos,
		Moves:   append([]string{}, r.Moves...),
	}
	ms := r.Budget.Milliseconds()
	switch r.Mode {
	case ModeBudget:
		out.TimeLeft = &ms
	case ModeFixed:
		out.ThinkTime = &ms
	default:
		return nil, fmt.Errorf("unknown budget mode %d", r.Mode)
	}
	return json.Marshal(out)
}

func newGame(fen string) (*chesslib.Game, error) {
	if fen == "" || fen == StartPos {
		return chesslib.NewGame(), nil
	}
	option, err := chesslib.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse fen %q: %w", fen, err)
	}
	return chesslib.NewGame(option), nil
}
