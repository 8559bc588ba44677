package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-search-worker/internal/engine"
)

const (
	defaultReadyTimeout  = 4 * time.Second
	defaultPollInterval  = 10 * time.Millisecond
	defaultStopTimeout   = 3 * time.Second
	newGameRetryAttempts = 3
	newGameRetryDelay    = 150 * time.Millisecond
	lineBuffer           = 256
)

var (
	ErrEngineClosed = errors.New("engine process closed")
	ErrStopTimeout  = errors.New("engine did not answer stop")
)

type Options struct {
	Threads int
	HashMB  int
	// MaxDepth bounds iterative deepening; 0 searches until stopped.
	MaxDepth     int
	PollInterval time.Duration
	StopTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Threads <= 0 {
		o.Threads = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = defaultStopTimeout
	}
	return o
}

func validateOptions(opt Options) error {
	if opt.HashMB <= 0 {
		return fmt.Errorf("hash size must be > 0: %d", opt.HashMB)
	}
	if opt.MaxDepth < 0 || opt.MaxDepth > 255 {
		return fmt.Errorf("max depth %d out of range 0-255", opt.MaxDepth)
	}
	return nil
}

// Session is one running engine process.
type Session struct {
	opt    Options
	logger *zap.Logger

	stdin  io.WriteCloser
	lines  chan string
	done   chan struct{}
	closer func() error

	readErr   error
	mu        sync.Mutex
	search    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewSession starts the engine binary and completes the uci handshake.
func NewSession(ctx context.Context, binaryPath string, opt Options, logger *zap.Logger) (*Session, error) {
	if err := validateOptions(opt); err != nil {
		return nil, err
	}

	cmd := exec.Command(binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutPipe.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	closer := func() error {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return cmd.Wait()
	}
	return newSession(ctx, stdoutPipe, stdin, closer, opt, logger)
}

func newSession(ctx context.Context, stdout io.Reader, stdin io.WriteCloser, closer func() error, opt Options, logger *zap.Logger) (*Session, error) {
	if err := validateOptions(opt); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		opt:    opt.withDefaults(),
		logger: logger,
		stdin:  stdin,
		lines:  make(chan string, lineBuffer),
		done:   make(chan struct{}),
		closer: closer,
	}
	go s.pump(stdout)

	if err := s.initialize(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// pump is the only reader of the engine's stdout.
func (s *Session) pump(r io.Reader) {
	defer close(s.lines)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		select {
		case s.lines <- strings.TrimSpace(sc.Text()):
		case <-s.done:
			return
		}
	}
	s.readErr = sc.Err()
}

func (s *Session) initialize(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.send("uci\n"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	if err := s.awaitToken(initCtx, "uciok"); err != nil {
		return fmt.Errorf("wait uciok: %w", err)
	}
	if err := s.applyOptions(); err != nil {
		return err
	}
	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := s.awaitToken(initCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

func (s *Session) applyOptions() error {
	cmds := []string{
		fmt.Sprintf("setoption name Threads value %d\n", s.opt.Threads),
		fmt.Sprintf("setoption name Hash value %d\n", s.opt.HashMB),
	}
	for _, cmd := range cmds {
		if err := s.send(cmd); err != nil {
			return fmt.Errorf("apply options: %w", err)
		}
	}
	return nil
}

// TableSize is the configured transposition table size in bytes.
func (s *Session) TableSize() uint {
	return uint(s.opt.HashMB) << 20
}

func (s *Session) EnsureReady(ctx context.Context) error {
	readyCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := s.awaitToken(readyCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

func (s *Session) NewGame(ctx context.Context) error {
	if err := s.send("ucinewgame\n"); err != nil {
		return fmt.Errorf("send ucinewgame: %w", err)
	}

	for attempt := 1; attempt <= newGameRetryAttempts; attempt++ {
		err := s.EnsureReady(ctx)
		if err == nil {
			return nil
		}
		if attempt == newGameRetryAttempts || errors.Is(err, ErrEngineClosed) {
			return err
		}
		s.logger.Warn("uci ensure ready retry",
			zap.Int("attempt", attempt),
			zap.Int("max", newGameRetryAttempts),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(newGameRetryDelay):
		}
	}
	return nil
}

// Search runs one search and reports each completed iteration to cb. The
// search is stopped as soon as cb reports that time is up; later output is
// drained but not reported. A nil error means the engine answered bestmove.
func (s *Session) Search(ctx context.Context, pos engine.Position, cb engine.Callbacks) error {
	s.search.Lock()
	defer s.search.Unlock()

	if cb.TimeUp() {
		return nil
	}

	if err := s.send(buildPositionCommand(pos.FEN, pos.Moves)); err != nil {
		return fmt.Errorf("send position: %w", err)
	}
	goCmd := buildGoCommand(s.opt.MaxDepth)
	if err := s.send(goCmd); err != nil {
		return fmt.Errorf("send go: %w", err)
	}

	ticker := time.NewTicker(s.opt.PollInterval)
	defer ticker.Stop()

	var (
		stopping  bool
		stopTimer <-chan time.Time
		lastDepth int
	)
	stop := func(reason string) error {
		if stopping {
			return nil
		}
		stopping = true
		stopTimer = time.After(s.opt.StopTimeout)
		s.logger.Debug("uci stop", zap.String("reason", reason), zap.Int("depth", lastDepth))
		if err := s.send("stop\n"); err != nil {
			return fmt.Errorf("send stop: %w", err)
		}
		return nil
	}

	ctxDone := ctx.Done()
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				return s.closedErr()
			}
			switch {
			case strings.HasPrefix(line, "info "):
				if stopping {
					continue
				}
				info, ok := parseInfo(line)
				if !ok {
					continue
				}
				lastDepth = info.Depth
				cb.OnResult(s.toResult(info))
				if cb.TimeUp() {
					if err := stop("time up"); err != nil {
						return err
					}
				}
			case strings.HasPrefix(line, "bestmove"):
				return nil
			}
		case <-ticker.C:
			if !stopping && cb.TimeUp() {
				if err := stop("time up"); err != nil {
					return err
				}
			}
		case <-ctxDone:
			ctxDone = nil
			if err := stop("context done"); err != nil {
				return err
			}
		case <-stopTimer:
			s.logger.Warn("uci stop timed out",
				zap.String("go", strings.TrimSpace(goCmd)),
				zap.Duration("timeout", s.opt.StopTimeout))
			return ErrStopTimeout
		}
	}
}

func (s *Session) toResult(info searchInfo) engine.Result {
	size := s.TableSize()
	return engine.Result{
		BestMove:     info.PV[0],
		Score:        info.Score,
		Nodes:        info.Nodes,
		Depth:        uint8(info.Depth),
		PV:           info.PV,
		TableSize:    size,
		TableEntries: tableEntries(info.HashFull, size),
	}
}

// tableEntries estimates occupied entries from the permille fill rate,
// assuming 10-byte entries.
func tableEntries(hashFull int, size uint) uint {
	if hashFull <= 0 {
		return 0
	}
	if hashFull > 1000 {
		hashFull = 1000
	}
	return uint(hashFull) * (size / 10) / 1000
}

func buildPositionCommand(fen string, moves []string) string {
	var sb strings.Builder
	if strings.TrimSpace(fen) == "" || fen == "startpos" {
		sb.WriteString("position startpos")
	} else {
		sb.WriteString("position fen ")
		sb.WriteString(fen)
	}
	if len(moves) > 0 {
		sb.WriteString(" moves ")
		sb.WriteString(strings.Join(moves, " "))
	}
	sb.WriteString("\n")
	return sb.String()
}

func buildGoCommand(maxDepth int) string {
	if maxDepth > 0 {
		return "go depth " + strconv.Itoa(maxDepth) + "\n"
	}
	return "go infinite\n"
}

type searchInfo struct {
	Depth    int
	Score    engine.Score
	Nodes    uint32
	HashFull int
	PV       []string
}

// parseInfo extracts a completed iteration from an info line. Bound
// scores, secondary multipv lines and lines without a pv are rejected.
func parseInfo(line string) (searchInfo, bool) {
	parts := strings.Fields(line)
	if len(parts) == 0 || parts[0] != "info" {
		return searchInfo{}, false
	}
	var (
		info     searchInfo
		multipv  = 1
		scoreSet bool
		depthSet bool
		pvIdx    = -1
	)

	for i := 1; i < len(parts); i++ {
		switch parts[i] {
		case "string":
			return searchInfo{}, false
		case "depth":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil && v >= 0 && v <= 255 {
					info.Depth = v
					depthSet = true
				}
				i++
			}
		case "multipv":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					multipv = v
				}
				i++
			}
		case "nodes":
			if i+1 < len(parts) {
				if v, err := strconv.ParseUint(parts[i+1], 10, 64); err == nil {
					if v > uint64(^uint32(0)) {
						v = uint64(^uint32(0))
					}
					info.Nodes = uint32(v)
				}
				i++
			}
		case "hashfull":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					info.HashFull = v
				}
				i++
			}
		case "lowerbound", "upperbound":
			return searchInfo{}, false
		case "score":
			if i+2 < len(parts) {
				v, err := strconv.Atoi(parts[i+2])
				if err == nil {
					switch parts[i+1] {
					case "cp":
						info.Score = engine.CentipawnScore(v)
						scoreSet = true
					case "mate":
						info.Score = engine.MateScore(v)
						scoreSet = true
					}
				}
				i += 2
			}
		case "pv":
			pvIdx = i + 1
			i = len(parts)
		}
	}

	if !scoreSet || !depthSet || multipv > 1 || pvIdx == -1 || pvIdx >= len(parts) {
		return searchInfo{}, false
	}
	info.PV = append([]string(nil), parts[pvIdx:]...)
	return info, true
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.stdin != nil {
			s.stdin.Close()
		}
		s.mu.Unlock()
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}

func (s *Session) send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return ErrEngineClosed
	default:
	}
	_, err := io.WriteString(s.stdin, msg)
	return err
}

func (s *Session) awaitToken(ctx context.Context, token string) error {
	for {
		line, err := s.readLine(ctx)
		if err != nil {
			return err
		}
		if strings.Contains(line, token) {
			return nil
		}
	}
}

func (s *Session) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-s.lines:
		if !ok {
			return "", s.closedErr()
		}
		return line, nil
	}
}

// closedErr is only valid after lines was closed by pump.
func (s *Session) closedErr() error {
	if s.readErr != nil {
		return fmt.Errorf("%w: %v", ErrEngineClosed, s.readErr)
	}
	return ErrEngineClosed
}
