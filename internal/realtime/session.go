package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	wire "flowstudio/internal/api/websocket"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrMaxReconnectAttempts = errors.New("maximum reconnect attempts exceeded")
	ErrConnectionLost       = errors.New("connection lost")
	ErrSessionClosed        = errors.New("session closed")
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Handler receives one decoded message.
type Handler func(msg wire.Message)

// StateHandler is told about every connection state change, in order.
type StateHandler func(from State, to State)

type Options struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Zero retries forever.
	MaxAttempts int

	HeartbeatInterval time.Duration
	// When set, a connection with no pong for HeartbeatTimeout is dropped
	// and reconnected. Off by default: heartbeats are liveness signals only.
	EnforceHeartbeat bool
	HeartbeatTimeout time.Duration

	Logger zerolog.Logger
}

func DefaultOptions(url string) Options {
	return Options{
		URL:               url,
		InitialDelay:      time.Second,
		Multiplier:        1.5,
		MaxDelay:          30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		Logger:            zerolog.Nop(),
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions(o.URL)
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = d.InitialDelay
	}
	if o.Multiplier < 1 {
		o.Multiplier = d.Multiplier
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 2 * o.HeartbeatInterval
	}
	return o
}

// ReconnectDelay is min(initial * multiplier^attempts, max).
func ReconnectDelay(initial time.Duration, multiplier float64, max time.Duration, attempts int) time.Duration {
	d := float64(initial) * math.Pow(multiplier, float64(attempts))
	if d > float64(max) || math.IsInf(d, 1) || math.IsNaN(d) {
		return max
	}
	return time.Duration(d)
}

type stateChange struct {
	from, to State
}

// Session is a reconnecting observer connection. All state lives behind mu;
// handlers run on the read goroutine and state callbacks on their own
// goroutine so neither can deadlock the session.
type Session struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	attempts int
	clientID string
	conn     *websocket.Conn
	stopBeat chan struct{}
	timer    *time.Timer
	lastPong time.Time
	closed   bool
	err      error
	done     chan struct{}

	handlers      map[wire.MessageType][]Handler
	generic       Handler
	stateHandlers []StateHandler
	// state changes not yet delivered, drained by notifyLoop
	pending []stateChange
	wake    *sync.Cond

	writeMu sync.Mutex
}

func NewSession(opts Options) *Session {
	opts = opts.normalized()
	s := &Session{
		opts:     opts,
		logger:   opts.Logger.With().Str("url", opts.URL).Logger(),
		state:    StateDisconnected,
		done:     make(chan struct{}),
		handlers: make(map[wire.MessageType][]Handler),
	}
	s.wake = sync.NewCond(&s.mu)
	go s.notifyLoop()
	return s
}

// On registers a handler for one message type.
func (s *Session) On(msgType wire.MessageType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[msgType] = append(s.handlers[msgType], h)
}

// OnGeneric registers the handler for types without a typed handler.
func (s *Session) OnGeneric(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generic = h
}

func (s *Session) OnStateChange(h StateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateHandlers = append(s.stateHandlers, h)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ClientID is the id assigned by the server, empty until the first
// connection_established.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Done is closed once the session stops for good, after Close or after the
// reconnect budget is exhausted.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err is nil after Close and ErrMaxReconnectAttempts after giving up.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Connect makes the first connection attempt. On failure the session keeps
// retrying in the background and the dial error is returned.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return fmt.Errorf("session is %s", s.state)
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	return s.dial(ctx)
}

func (s *Session) dial(ctx context.Context) error {
	conn, _, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, s.opts.Header)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		if conn != nil {
			conn.Close()
		}
		return ErrSessionClosed
	}
	if err != nil {
		s.logger.Warn().Err(err).Int("attempts", s.attempts).Msg("Connection attempt failed")
		s.setStateLocked(StateReconnecting)
		s.scheduleReconnectLocked()
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	s.conn = conn
	s.attempts = 0
	s.lastPong = time.Now()
	s.stopBeat = make(chan struct{})
	s.setStateLocked(StateConnected)
	s.logger.Info().Msg("Connected")

	go s.readLoop(conn)
	go s.heartbeat(conn, s.stopBeat)
	return nil
}

// scheduleReconnectLocked arms the single reconnect timer, replacing any
// pending one.
func (s *Session) scheduleReconnectLocked() {
	if s.opts.MaxAttempts > 0 && s.attempts >= s.opts.MaxAttempts {
		s.logger.Error().Int("attempts", s.attempts).Msg("Giving up reconnecting")
		s.setStateLocked(StateDisconnected)
		s.finishLocked(ErrMaxReconnectAttempts)
		return
	}

	delay := ReconnectDelay(s.opts.InitialDelay, s.opts.Multiplier, s.opts.MaxDelay, s.attempts)
	s.attempts++
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, s.reconnect)
	s.logger.Debug().Dur("delay", delay).Int("attempt", s.attempts).Msg("Reconnect scheduled")
}

func (s *Session) reconnect() {
	s.mu.Lock()
	if s.closed || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	_ = s.dial(context.Background())
}

// dropped tears down conn after an abnormal close and starts reconnecting.
func (s *Session) dropped(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.conn != conn {
		return
	}
	s.logger.Warn().Err(cause).Msg("Connection lost")
	close(s.stopBeat)
	s.conn = nil
	conn.Close()
	s.setStateLocked(StateReconnecting)
	s.scheduleReconnectLocked()
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			s.dropped(conn, err)
			return
		}
		for _, raw := range wire.SplitFrame(frame) {
			var msg wire.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				s.logger.Warn().Err(err).Msg("Malformed message")
				continue
			}
			s.handle(msg)
		}
	}
}

func (s *Session) handle(msg wire.Message) {
	s.mu.Lock()
	switch msg.Type {
	case wire.MessageTypeConnectionEstablished:
		var established wire.ConnectionEstablished
		if err := msg.Decode(&established); err == nil && established.ClientID != "" {
			s.clientID = established.ClientID
		}
	case wire.MessageTypePong:
		s.lastPong = time.Now()
	}
	handlers := s.handlers[msg.Type]
	generic := s.generic
	s.mu.Unlock()

	if len(handlers) == 0 && !msg.Type.IsKnown() && generic != nil {
		generic(msg)
		return
	}
	for _, h := range handlers {
		h(msg)
	}
}

func (s *Session) heartbeat(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s.opts.EnforceHeartbeat {
				s.mu.Lock()
				stale := time.Since(s.lastPong) > s.opts.HeartbeatTimeout
				s.mu.Unlock()
				if stale {
					s.dropped(conn, errors.New("heartbeat timed out"))
					return
				}
			}
			if err := s.Send(wire.MessageTypePing, nil); err != nil {
				s.logger.Debug().Err(err).Msg("Heartbeat not sent")
			}
		}
	}
}

// Send writes one envelope. It fails while the session is not connected.
func (s *Session) Send(msgType wire.MessageType, payload any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	conn := s.conn
	if s.state != StateConnected || conn == nil {
		s.mu.Unlock()
		return ErrConnectionLost
	}
	msg := wire.NewMessage(msgType, "", payload)
	msg.ClientID = s.clientID
	s.mu.Unlock()

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return nil
}

// Close stops reconnecting and closes the connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.conn != nil {
		close(s.stopBeat)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.conn.Close()
		s.conn = nil
	}
	s.setStateLocked(StateDisconnected)
	s.finishLocked(nil)
	return nil
}

func (s *Session) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.pending = append(s.pending, stateChange{from: from, to: to})
	s.wake.Signal()
}

func (s *Session) finishLocked(err error) {
	s.closed = true
	s.err = err
	close(s.done)
	s.wake.Broadcast()
}

// notifyLoop delivers queued state changes in order and exits once the
// session is finished and the queue is drained.
func (s *Session) notifyLoop() {
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.wake.Wait()
		}
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.pending
		s.pending = nil
		handlers := append([]StateHandler(nil), s.stateHandlers...)
		s.mu.Unlock()

		for _, change := range batch {
			for _, h := range handlers {
				h(change.from, change.to)
			}
		}
	}
}
