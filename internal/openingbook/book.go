package openingbook

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	chesslib "github.com/corentings/chess/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ResourceError reports a book resource that cannot be opened or parsed.
// It is fatal at startup: a worker must not accept requests without its book.
type ResourceError struct {
	Path string
	Err  error
}

func (e *ResourceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("load polyglot book: %v", e.Err)
	}
	return fmt.Sprintf("load polyglot book %q: %v", e.Path, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// Key fingerprints a position for book lookup. Hash is the polyglot Zobrist
// key; Castling travels with it so book moves can be corrected.
type Key struct {
	Hash     uint64
	Castling chesslib.CastleRights
}

// Entry is one stored candidate. Move is the raw book notation, which for
// castling is the king-takes-own-rook form.
type Entry struct {
	Move   string
	From   chesslib.Square
	To     chesslib.Square
	Promo  chesslib.PieceType
	Weight uint16
}

// Store is a read-only polyglot book.
type Store struct {
	book *chesslib.PolyglotBook
	path string
}

// Load reads a polyglot book from path. Paths ending in .zst or .gz are
// decompressed on the fly.
func Load(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &ResourceError{Err: errors.New("polyglot book path required")}
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, &ResourceError{Path: path, Err: err}
	}
	defer file.Close()

	var r io.Reader = bufio.NewReader(file)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, &ResourceError{Path: path, Err: fmt.Errorf("zstd: %w", err)}
		}
		defer dec.Close()
		r = dec
	case ".gz":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, &ResourceError{Path: path, Err: fmt.Errorf("gzip: %w", err)}
		}
		defer gz.Close()
		r = gz
	}

	store, err := LoadFromReader(r)
	if err != nil {
		var rerr *ResourceError
		if errors.As(err, &rerr) {
			rerr.Path = path
		}
		return nil, err
	}
	store.path = path
	return store, nil
}

// LoadFromReader parses an uncompressed polyglot book.
func LoadFromReader(r io.Reader) (*Store, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, &ResourceError{Err: err}
	}
	if len(raw) == 0 || len(raw)%polyglotEntrySize != 0 {
		return nil, &ResourceError{Err: fmt.Errorf("truncated book: %d bytes is not a multiple of %d", len(raw), polyglotEntrySize)}
	}
	book, err := chesslib.LoadFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, &ResourceError{Err: err}
	}
	return &Store{book: book}, nil
}

const polyglotEntrySize = 16

func (s *Store) Path() string { return s.path }

// KeyOf derives the lookup key for pos. It depends only on the position,
// not on the moves that led to it.
func KeyOf(pos *chesslib.Position) (Key, error) {
	if pos == nil {
		return Key{}, errors.New("nil position")
	}
	hashStr, err := chesslib.NewZobristHasher().HashPosition(pos.String())
	if err != nil {
		return Key{}, fmt.Errorf("compute polyglot hash: %w", err)
	}
	return Key{
		Hash:     chesslib.ZobristHashToUint64(hashStr),
		Castling: pos.CastleRights(),
	}, nil
}

// Lookup returns the stored entries for key in book order. An empty result
// means the position is out of book.
func (s *Store) Lookup(key Key) []Entry {
	if s == nil || s.book == nil {
		return nil
	}
	found := s.book.FindMoves(key.Hash)
	if len(found) == 0 {
		return nil
	}
	entries := make([]Entry, 0, len(found))
	for _, pe := range found {
		move := chesslib.DecodeMove(pe.Move).ToMove()
		entries = append(entries, Entry{
			Move:   move.String(),
			From:   move.S1(),
			To:     move.S2(),
			Promo:  move.Promo(),
			Weight: pe.Weight,
		})
	}
	return entries
}

// LookupPosition is Lookup keyed by a position.
func (s *Store) LookupPosition(pos *chesslib.Position) ([]Entry, Key, error) {
	key, err := KeyOf(pos)
	if err != nil {
		return nil, Key{}, err
	}
	return s.Lookup(key), key, nil
}
