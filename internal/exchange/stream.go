package exchange

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState describes the lifecycle of a StreamClient connection.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StreamEventType tags the variants carried by StreamEvent.
type StreamEventType int

const (
	EventConnected StreamEventType = iota
	EventDisconnected
	EventError
	EventBookTicker
)

// StreamEvent is one lifecycle or data event from a StreamClient. Events
// arrive on a single channel in the order the underlying frames arrived.
type StreamEvent struct {
	Type   StreamEventType
	Symbol string
	Bid    float64
	Ask    float64

	// Message is set for EventError.
	Message string
}

// eventBuffer sizes the events channel. Ticks stop queueing at tickHighWater
// so lifecycle events always have buffer room and never block the sender.
const (
	eventBuffer   = 256
	tickHighWater = eventBuffer - 8
)

// StreamClient maintains a single bookTicker subscription over a Binance
// WebSocket. One instance carries one symbol at a time; connecting again
// replaces the previous subscription. The client never reconnects on its
// own; callers decide if and when to retry.
type StreamClient struct {
	logger *slog.Logger
	dialer *websocket.Dialer
	events chan StreamEvent

	mu     sync.Mutex
	state  ConnState
	conn   *websocket.Conn
	gen    int
	closed bool

	// baseURL overrides the market host table. Tests point it at a local server.
	baseURL string
}

// NewStreamClient creates a new StreamClient.
func NewStreamClient(logger *slog.Logger) *StreamClient {
	return &StreamClient{
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		events: make(chan StreamEvent, eventBuffer),
	}
}

// Events returns the channel lifecycle and tick events are delivered on. The
// channel is never closed; when it backs up, ticks are shed before lifecycle
// events.
func (s *StreamClient) Events() <-chan StreamEvent { return s.events }

// State returns the current connection state.
func (s *StreamClient) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// normalizeStreamSymbol lowercases the symbol and strips whitespace, matching
// the form Binance stream paths expect.
func normalizeStreamSymbol(symbol string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(symbol)), " ", "")
}

// Connect subscribes to the bookTicker stream for symbol on the given market.
// The handshake runs asynchronously and progress is reported on Events. Any
// existing connection is torn down first.
func (s *StreamClient) Connect(symbol string, market Market) {
	stream := normalizeStreamSymbol(symbol)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if stream == "" {
		s.mu.Unlock()
		s.events <- StreamEvent{Type: EventError, Message: "Symbol is empty."}
		return
	}

	old := s.teardownLocked()
	s.state = StateConnecting
	s.gen++
	gen := s.gen
	base := s.baseURL
	if base == "" {
		base = market.StreamBaseURL()
	}
	s.mu.Unlock()

	if old != nil {
		closeConn(old)
		s.events <- StreamEvent{Type: EventDisconnected}
	}

	streamURL := base + "/" + stream + "@bookTicker"
	s.logger.Info("StreamClient: connecting", "url", streamURL)
	go s.run(gen, streamURL)
}

// teardownLocked retires any live or pending connection and returns the
// socket to close, nil if none had reached Open. The caller holds s.mu and
// closes the socket only after releasing it; closeConn writes to the network.
func (s *StreamClient) teardownLocked() *websocket.Conn {
	switch s.state {
	case StateConnecting:
		// Abandon the pending handshake; the dial goroutine sees the stale
		// generation and discards its result.
		s.gen++
		s.state = StateClosed
		return nil
	case StateOpen:
		conn := s.conn
		s.conn = nil
		s.gen++
		s.state = StateClosed
		return conn
	default:
		return nil
	}
}

// run dials the stream and, on success, pumps frames until the connection
// ends. It belongs to generation gen; once that generation is retired every
// outcome is discarded silently.
func (s *StreamClient) run(gen int, streamURL string) {
	conn, resp, err := s.dialer.Dial(streamURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.mu.Lock()
		stale := s.closed || gen != s.gen
		if !stale {
			s.state = StateClosed
		}
		s.mu.Unlock()
		if stale {
			return
		}
		s.logger.Error("StreamClient: connection failed", "url", streamURL, "error", err)
		s.events <- StreamEvent{Type: EventError, Message: "WebSocket connect failed: " + err.Error()}
		return
	}

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.state = StateOpen
	s.mu.Unlock()

	s.logger.Info("StreamClient: connected", "url", streamURL)
	s.emit(gen, StreamEvent{Type: EventConnected})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.finish(gen, err)
			return
		}
		if ev, ok := parseBookTickerFrame(message); ok {
			s.emit(gen, ev)
		}
	}
}

// emit delivers ev unless the sending connection has been retired. Lifecycle
// events always land; ticks are shed at tickHighWater so a tick-saturated
// buffer cannot block a lifecycle send.
func (s *StreamClient) emit(gen int, ev StreamEvent) {
	s.mu.Lock()
	live := !s.closed && gen == s.gen
	s.mu.Unlock()
	if !live {
		return
	}
	if ev.Type == EventBookTicker {
		if len(s.events) < tickHighWater {
			select {
			case s.events <- ev:
				return
			default:
			}
		}
		s.logger.Warn("StreamClient: events buffer full, dropping tick", "symbol", ev.Symbol)
		return
	}
	s.events <- ev
}

// finish reports the end of the current connection. A normal or going-away
// close frame counts as a disconnect; anything else, including an abrupt EOF,
// is a transport error.
func (s *StreamClient) finish(gen int, err error) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.conn = nil
	s.mu.Unlock()

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			s.logger.Info("StreamClient: stream closed by server", "code", closeErr.Code)
			s.events <- StreamEvent{Type: EventDisconnected}
			return
		}
	}
	s.logger.Error("StreamClient: read failed", "error", err)
	s.events <- StreamEvent{Type: EventError, Message: "WebSocket error: " + err.Error()}
}

// parseBookTickerFrame decodes one bookTicker frame. Frames that are not
// JSON objects or that lack a usable symbol, bid or ask are dropped.
func parseBookTickerFrame(message []byte) (StreamEvent, bool) {
	var frame map[string]any
	if err := json.Unmarshal(message, &frame); err != nil {
		return StreamEvent{}, false
	}
	symbol, _ := frame["s"].(string)
	if symbol == "" {
		return StreamEvent{}, false
	}
	bid, ok := asFloat(frame["b"])
	if !ok {
		return StreamEvent{}, false
	}
	ask, ok := asFloat(frame["a"])
	if !ok {
		return StreamEvent{}, false
	}
	return StreamEvent{Type: EventBookTicker, Symbol: symbol, Bid: bid, Ask: ask}, true
}

// Disconnect closes the stream if one is live or pending. It emits a single
// Disconnected event only when an Open connection goes away; calling it again,
// or with nothing connected, does nothing.
func (s *StreamClient) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	conn := s.teardownLocked()
	s.mu.Unlock()

	if conn != nil {
		closeConn(conn)
		s.logger.Info("StreamClient: disconnected")
		s.events <- StreamEvent{Type: EventDisconnected}
	}
}

// Close tears down any live connection and marks the client unusable. It
// produces no new events after it returns, though a delivery already in
// flight on the reader goroutine may still land in the channel buffer.
func (s *StreamClient) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.gen++
	s.state = StateClosed
	s.mu.Unlock()

	if conn != nil {
		closeConn(conn)
	}
	return nil
}

// closeConn sends a close frame and drops the socket.
func closeConn(conn *websocket.Conn) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	conn.Close()
}
