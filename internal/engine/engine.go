package engine

import (
	"context"
	"fmt"
)

// Position is the search root handed to an engine: a starting FEN (or
// "startpos") and the UCI moves played from it.
type Position struct {
	FEN   string
	Moves []string
}

// Result is one progress snapshot reported after a completed iteration.
// Each result supersedes the previous one as the current best answer.
type Result struct {
	BestMove     string
	Score        Score
	Nodes        uint32
	Depth        uint8
	PV           []string
	TableSize    uint
	TableEntries uint
}

// Callbacks is implemented by the caller of Search. The engine polls TimeUp
// between iterations and reports each completed iteration through OnResult.
// Once TimeUp returns true the engine stops and reports nothing further.
type Callbacks interface {
	TimeUp() bool
	OnResult(Result)
}

// Engine runs a search synchronously, re-entering cb until it stops.
type Engine interface {
	Search(ctx context.Context, pos Position, cb Callbacks) error
}

// Score is an engine evaluation from the side to move. A non-zero Mate
// means mate in Mate moves (negative when the side to move is mated) and
// takes precedence over Centipawns.
type Score struct {
	Centipawns int
	Mate       int
}

func CentipawnScore(cp int) Score { return Score{Centipawns: cp} }

func MateScore(n int) Score { return Score{Mate: n} }

func (s Score) IsMate() bool { return s.Mate != 0 }

// Compare orders scores: winning mates (shorter first) above every
// centipawn value, losing mates (longer first) below.
func (s Score) Compare(o Score) int {
	a, b := s.rank(), o.rank()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

const mateRank = 1 << 40

func (s Score) rank() int64 {
	switch {
	case s.Mate > 0:
		return mateRank - int64(s.Mate)
	case s.Mate < 0:
		return -mateRank - int64(s.Mate)
	default:
		return int64(s.Centipawns)
	}
}

func (s Score) String() string {
	switch {
	case s.Mate > 0:
		return fmt.Sprintf("M%d", s.Mate)
	case s.Mate < 0:
		return fmt.Sprintf("-M%d", -s.Mate)
	default:
		return fmt.Sprintf("%+.2f", float64(s.Centipawns)/100)
	}
}
