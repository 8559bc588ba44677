package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
)

type stdioLine struct {
	raw []byte
	err error
}

// Stdio reads newline-delimited JSON from r and writes one document per
// line to w.
type Stdio struct {
	lines     chan stdioLine
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	w         *bufio.Writer
}

func NewStdio(r io.Reader, w io.Writer) *Stdio {
	s := &Stdio{
		lines: make(chan stdioLine),
		done:  make(chan struct{}),
		w:     bufio.NewWriter(w),
	}
	go s.pump(r)
	return s
}

func (s *Stdio) pump(r io.Reader) {
	defer close(s.lines)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !s.deliver(stdioLine{raw: append([]byte(nil), line...)}) {
			return
		}
	}
	if err := sc.Err(); err != nil {
		s.deliver(stdioLine{err: err})
	}
}

func (s *Stdio) deliver(l stdioLine) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.lines <- l:
		return true
	case <-s.done:
		return false
	}
}

func (s *Stdio) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l, ok := <-s.lines:
		if !ok {
			return nil, io.EOF
		}
		return l.raw, l.err
	}
}

func (s *Stdio) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

// Close stops the reader goroutine at its next line. A read already
// blocked on r is not interrupted.
func (s *Stdio) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
