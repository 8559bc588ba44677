package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/park285/cheese-search-worker/internal/openingbook"
	"github.com/park285/cheese-search-worker/internal/protocol"
	"github.com/park285/cheese-search-worker/pkg/searchdto"
)

func main() {
	bookPath := flag.String("book", os.Getenv("OPENING_BOOK_PATH"), "polyglot book (.bin, .bin.zst, .bin.gz)")
	fen := flag.String("fen", protocol.StartPos, "initial position")
	moves := flag.String("moves", "", "space separated uci moves played from -fen")
	samples := flag.Int("n", 0, "number of weighted picks to draw")
	seed := flag.Int64("seed", 0, "random seed for -n (0 uses the clock)")
	minWeight := flag.Uint("min-weight", 0, "ignore entries lighter than this")
	flag.Parse()

	if strings.TrimSpace(*bookPath) == "" {
		log.Fatal("-book is required")
	}
	store, err := openingbook.Load(*bookPath)
	if err != nil {
		log.Fatalf("load book: %v", err)
	}

	think := int64(0)
	raw, err := json.Marshal(searchdto.SearchRequest{
		InitPos:   *fen,
		Moves:     strings.Fields(*moves),
		ThinkTime: &think,
	})
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	req, err := protocol.Decode(raw)
	if err != nil {
		log.Fatalf("position: %v", err)
	}

	entries, key, err := store.LookupPosition(req.Position())
	if err != nil {
		log.Fatalf("lookup: %v", err)
	}
	fmt.Printf("position: %s\n", req.Position().String())
	fmt.Printf("key: %016x castling=%s\n", key.Hash, key.Castling)
	if len(entries) == 0 {
		fmt.Println("out of book")
		return
	}

	var total int64
	for _, e := range entries {
		total += int64(e.Weight)
	}
	for _, e := range entries {
		to := openingbook.CorrectCastling(e.From, e.To, key.Castling)
		corrected := openingbook.FormatMove(e.From, to, e.Promo)
		share := 0.0
		if total > 0 {
			share = float64(e.Weight) / float64(total) * 100
		}
		note := ""
		if corrected != e.Move {
			note = " (castling " + corrected + ")"
		}
		fmt.Printf("  %-6s weight=%-5d %5.1f%%%s\n", e.Move, e.Weight, share, note)
	}

	if *samples <= 0 {
		return
	}
	s := *seed
	if s == 0 {
		s = time.Now().UnixNano()
	}
	r := rand.New(rand.NewSource(s))
	counts := map[string]int{}
	for i := 0; i < *samples; i++ {
		choice, ok, err := store.Pick(req.Game(), r, openingbook.PickOptions{MinWeight: uint16(*minWeight)})
		if err != nil {
			log.Fatalf("pick: %v", err)
		}
		if !ok {
			fmt.Println("no weighted move; the engine would search")
			return
		}
		counts[choice.Move]++
	}
	fmt.Printf("picks (seed=%d):\n", s)
	for mv, n := range counts {
		fmt.Printf("  %-6s %d\n", mv, n)
	}
}
