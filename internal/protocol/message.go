package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/park285/cheese-search-worker/internal/engine"
	"github.com/park285/cheese-search-worker/pkg/searchdto"
)

// Message is one outbound message. Per request the caller sees zero or more
// answers followed by exactly one Terminate.
type Message interface {
	isMessage()
}

type BookAnswer struct {
	Move   string
	Weight uint16
}

// EngineAnswer carries an engine result and the time since the session
// started.
type EngineAnswer struct {
	Result  engine.Result
	Elapsed time.Duration
}

type ErrorAnswer struct {
	Message string
}

type Terminate struct{}

// Ready announces that the worker accepts requests. It is sent once per
// channel, before any request is read.
type Ready struct{}

func (BookAnswer) isMessage()   {}
func (EngineAnswer) isMessage() {}
func (ErrorAnswer) isMessage()  {}
func (Terminate) isMessage()    {}
func (Ready) isMessage()        {}

var terminator = []byte("null")

// Encode serializes m. It has no side effects.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case BookAnswer:
		return json.Marshal(searchdto.BookAnswer{Type: searchdto.TypeBook, Move: v.Move, Weight: v.Weight})
	case EngineAnswer:
		pv := v.Result.PV
		if pv == nil {
			pv = []string{}
		}
		return json.Marshal(searchdto.EngineAnswer{
			Type:                      searchdto.TypeEngine,
			Move:                      v.Result.BestMove,
			Value:                     v.Result.Score.String(),
			Nodes:                     v.Result.Nodes,
			Depth:                     v.Result.Depth,
			PrincipalVariation:        pv,
			TranspositionTableSize:    v.Result.TableSize,
			TranspositionTableEntries: v.Result.TableEntries,
			Time:                      v.Elapsed.Seconds(),
		})
	case ErrorAnswer:
		return json.Marshal(searchdto.ErrorAnswer{Type: searchdto.TypeError, Message: v.Message})
	case Terminate:
		return append([]byte(nil), terminator...), nil
	case Ready:
		return json.Marshal(searchdto.Ready{Type: searchdto.TypeReady})
	default:
		return nil, fmt.Errorf("unknown message type %T", m)
	}
}
