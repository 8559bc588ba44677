package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type WebSocketState int

const (
	WSStateDisconnected WebSocketState = iota
	WSStateConnecting
	WSStateConnected
	WSStateReconnecting
	WSStateFailed
)

func (s WebSocketState) String() string {
	switch s {
	case WSStateConnecting:
		return "connecting"
	case WSStateConnected:
		return "connected"
	case WSStateReconnecting:
		return "reconnecting"
	case WSStateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// HeaderProvider supplies extra handshake headers.
type HeaderProvider func() map[string]string

var (
	ErrNotConnected    = errors.New("ws not connected")
	ErrReconnectFailed = errors.New("ws reconnect attempts exhausted")
)

// WebSocket dials a coordinator and exchanges one JSON document per text
// frame. Dropped connections are redialed with backoff.
type WebSocket struct {
	wsURL   string
	headers HeaderProvider
	logger  *zap.Logger

	conn  *websocket.Conn
	connM sync.RWMutex
	wM    sync.Mutex

	state  WebSocketState
	stateM sync.RWMutex

	inbound chan []byte

	maxReconnectAttempts int
	pingInterval         time.Duration

	stopCh     chan struct{}
	stopOnce   sync.Once
	failedCh   chan struct{}
	failedOnce sync.Once
	wg         sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func NewWebSocket(wsURL string, maxReconnectAttempts int, logger *zap.Logger) *WebSocket {
	if logger == nil {
		logger = zap.NewNop()
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &WebSocket{
		wsURL:                wsURL,
		logger:               logger,
		state:                WSStateDisconnected,
		inbound:              make(chan []byte, 16),
		maxReconnectAttempts: maxReconnectAttempts,
		pingInterval:         30 * time.Second,
		stopCh:               make(chan struct{}),
		failedCh:             make(chan struct{}),
		rootCtx:              rootCtx,
		rootCancel:           rootCancel,
	}
}

func (ws *WebSocket) SetHeaderProvider(h HeaderProvider) {
	ws.headers = h
}

func (ws *WebSocket) Connect(ctx context.Context) error {
	if st := ws.State(); st == WSStateConnected || st == WSStateConnecting {
		return nil
	}
	ws.setState(WSStateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := ws.dial(dialCtx)
	if err != nil {
		ws.setState(WSStateFailed)
		return err
	}
	if !ws.attach(conn) {
		return io.EOF
	}
	return nil
}

func (ws *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, ws.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      ws.buildHeaders(),
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(4 << 20)
	return conn, nil
}

// attach installs conn and starts its loops. It refuses once Close has
// begun; Close signals stopCh before it takes connM.
func (ws *WebSocket) attach(conn *websocket.Conn) bool {
	ws.connM.Lock()
	if ws.isStopping() {
		ws.connM.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "close")
		return false
	}
	ws.conn = conn
	ws.connM.Unlock()
	ws.setState(WSStateConnected)

	ws.wg.Add(2)
	go ws.listen(conn)
	go ws.pingLoop(conn)
	return true
}

func (ws *WebSocket) listen(conn *websocket.Conn) {
	defer ws.wg.Done()
	for {
		typ, data, err := conn.Read(ws.rootCtx)
		if err != nil {
			if ws.isStopping() {
				return
			}
			ws.logger.Warn("ws read failed", zap.Error(err))
			ws.dropAndReconnect(conn, "reconnect")
			return
		}
		if typ != websocket.MessageText {
			ws.logger.Warn("ws ignoring non-text frame", zap.Stringer("type", typ))
			continue
		}
		select {
		case ws.inbound <- data:
		case <-ws.stopCh:
			return
		}
	}
}

func (ws *WebSocket) pingLoop(conn *websocket.Conn) {
	defer ws.wg.Done()
	t := time.NewTicker(ws.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ws.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(ws.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				if !ws.isStopping() {
					ws.dropAndReconnect(conn, "ping failure")
				}
				return
			}
		}
	}
}

// dropAndReconnect is called by whichever loop notices the failure first;
// later callers for the same connection are ignored.
func (ws *WebSocket) dropAndReconnect(conn *websocket.Conn, reason string) {
	ws.connM.Lock()
	if ws.conn != conn {
		ws.connM.Unlock()
		return
	}
	ws.conn = nil
	ws.connM.Unlock()

	_ = conn.Close(websocket.StatusGoingAway, reason)
	ws.setState(WSStateDisconnected)
	ws.scheduleReconnect()
}

func (ws *WebSocket) scheduleReconnect() {
	if ws.maxReconnectAttempts <= 0 {
		ws.fail()
		return
	}
	ws.setState(WSStateReconnecting)

	// callers run inside a tracked loop, so the counter is non-zero here
	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()
		for attempt := 1; attempt <= ws.maxReconnectAttempts; attempt++ {
			select {
			case <-ws.stopCh:
				return
			case <-time.After(backoffDuration(attempt)):
			}

			dialCtx, cancel := context.WithTimeout(ws.rootCtx, 10*time.Second)
			conn, err := ws.dial(dialCtx)
			cancel()
			if err != nil {
				ws.logger.Warn("ws redial failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			ws.attach(conn)
			return
		}
		if ws.isStopping() {
			return
		}
		ws.fail()
	}()
}

func (ws *WebSocket) fail() {
	ws.setState(WSStateFailed)
	ws.failedOnce.Do(func() { close(ws.failedCh) })
}

func (ws *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-ws.inbound:
		return data, nil
	case <-ws.stopCh:
		return nil, io.EOF
	case <-ws.failedCh:
		return nil, ErrReconnectFailed
	}
}

func (ws *WebSocket) Send(ctx context.Context, payload []byte) error {
	ws.connM.RLock()
	conn := ws.conn
	ws.connM.RUnlock()
	if conn == nil || ws.State() != WSStateConnected {
		return ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	ws.wM.Lock()
	defer ws.wM.Unlock()
	return conn.Write(ctx, websocket.MessageText, payload)
}

func (ws *WebSocket) State() WebSocketState {
	ws.stateM.RLock()
	defer ws.stateM.RUnlock()
	return ws.state
}

func (ws *WebSocket) setState(state WebSocketState) {
	ws.stateM.Lock()
	prev := ws.state
	ws.state = state
	ws.stateM.Unlock()
	if prev != state {
		ws.logger.Debug("ws state", zap.Stringer("from", prev), zap.Stringer("to", state))
	}
}

func (ws *WebSocket) Close(ctx context.Context) error {
	ws.stopOnce.Do(func() { close(ws.stopCh) })

	ws.connM.Lock()
	conn := ws.conn
	ws.conn = nil
	ws.connM.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}
	ws.setState(WSStateDisconnected)

	done := make(chan struct{})
	go func() {
		ws.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		ws.rootCancel()
		return ctx.Err()
	case <-done:
		ws.rootCancel()
		return nil
	}
}

func (ws *WebSocket) isStopping() bool {
	select {
	case <-ws.stopCh:
		return true
	default:
		return false
	}
}

func (ws *WebSocket) buildHeaders() http.Header {
	hdr := http.Header{}
	if ws.headers == nil {
		return hdr
	}
	for k, v := range ws.headers() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base
}
