package openingbook

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	chesslib "github.com/corentings/chess/v2"
)

// Select picks one entry by roulette-wheel sampling. unit must lie in
// [0,1). Entries are walked in their stored order, so a fixed unit always
// yields the same entry. ok is false when entries is empty or every weight
// is zero; callers treat that as "no book move".
func Select(entries []Entry, unit float64) (Entry, bool) {
	var total int64
	for _, e := range entries {
		total += int64(e.Weight)
	}
	if total <= 0 {
		return Entry{}, false
	}
	if unit < 0 || math.IsNaN(unit) {
		unit = 0
	}
	r := int64(math.Floor(unit * float64(total)))
	if r >= total {
		r = total - 1
	}
	for _, e := range entries {
		r -= int64(e.Weight)
		if r < 0 {
			return e, true
		}
	}
	return entries[len(entries)-1], true
}

// CorrectCastling turns a book castling move, encoded as the king taking its
// own rook, into the king's real destination. Moves that are not a king on
// its home square landing on a home rook square with the matching right are
// returned unchanged.
func CorrectCastling(from, to chesslib.Square, rights chesslib.CastleRights) chesslib.Square {
	var color chesslib.Color
	switch from {
	case chesslib.E1:
		color = chesslib.White
	case chesslib.E8:
		color = chesslib.Black
	default:
		return to
	}
	if to.Rank() != from.Rank() {
		return to
	}
	switch to.File() {
	case chesslib.FileH:
		if rights.CanCastle(color, chesslib.KingSide) {
			return chesslib.NewSquare(chesslib.FileG, to.Rank())
		}
	case chesslib.FileA:
		if rights.CanCastle(color, chesslib.QueenSide) {
			return chesslib.NewSquare(chesslib.FileC, to.Rank())
		}
	}
	return to
}

// Choice is a book move ready to report.
type Choice struct {
	Move   string
	Weight uint16
	Raw    Entry
}

type PickOptions struct {
	// MinWeight drops entries lighter than this before sampling.
	MinWeight uint16
}

// Pick looks the game's current position up, samples an entry with r and
// corrects castling. The corrected move is replayed on a copy of game; a
// move the position rejects is reported as an error and no choice is made.
func (s *Store) Pick(game *chesslib.Game, r *rand.Rand, opts PickOptions) (Choice, bool, error) {
	if s == nil || game == nil || r == nil {
		return Choice{}, false, nil
	}
	entries, key, err := s.LookupPosition(game.Position())
	if err != nil {
		return Choice{}, false, err
	}
	entries = filterWeight(entries, opts.MinWeight)

	entry, ok := Select(entries, r.Float64())
	if !ok {
		return Choice{}, false, nil
	}

	to := CorrectCastling(entry.From, entry.To, key.Castling)
	move := FormatMove(entry.From, to, entry.Promo)

	verify := game.Clone()
	if err := verify.PushNotationMove(move, chesslib.UCINotation{}, nil); err != nil {
		return Choice{}, false, fmt.Errorf("book move %q invalid for position: %w", move, err)
	}
	return Choice{Move: move, Weight: entry.Weight, Raw: entry}, true, nil
}

func filterWeight(entries []Entry, minWeight uint16) []Entry {
	if minWeight == 0 {
		return entries
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Weight >= minWeight {
			out = append(out, e)
		}
	}
	return out
}

// FormatMove renders a move in UCI long algebraic notation.
func FormatMove(from, to chesslib.Square, promo chesslib.PieceType) string {
	var b strings.Builder
	b.WriteString(from.String())
	b.WriteString(to.String())
	switch promo {
	case chesslib.Queen:
		b.WriteByte('q')
	case chesslib.Rook:
		b.WriteByte('r')
	case chesslib.Bishop:
		b.WriteByte('b')
	case chesslib.Knight:
		b.WriteByte('n')
	}
	return b.String()
}
