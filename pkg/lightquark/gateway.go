// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package lightquark

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the gateway connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ReconnectPolicy selects what the gateway does after its connection closes.
type ReconnectPolicy string

const (
	// ReconnectPolicyReconnect reconnects with exponential backoff.
	ReconnectPolicyReconnect ReconnectPolicy = "reconnect"
	// ReconnectPolicyExit stops Run with ErrGatewayClosed and leaves
	// restarting to an external supervisor.
	ReconnectPolicyExit ReconnectPolicy = "exit"
)

const (
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultReconnectBackoff  = time.Second
	DefaultMaxBackoff        = time.Minute
	DefaultDispatchQueueSize = 256

	writeTimeout     = 10 * time.Second
	handshakeTimeout = 15 * time.Second
)

// TokenFunc returns the bearer token used to authenticate the connection.
type TokenFunc func(ctx context.Context) (string, error)

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	URL   string
	Token TokenFunc
	// Channels are the Lightquark channel IDs subscribed to on every
	// connection.
	Channels []string

	HeartbeatInterval time.Duration
	Policy            ReconnectPolicy
	ReconnectBackoff  time.Duration
	MaxBackoff        time.Duration
	// MaxReconnectAttempts caps consecutive reconnects that fail to reach
	// OPEN. Zero means unlimited.
	MaxReconnectAttempts int

	// OnMessageCreate receives every messageCreate frame, in arrival order,
	// on a single dispatch goroutine that outlives individual connections.
	OnMessageCreate func(*MessageCreateEvent)
	// DispatchQueueSize bounds the frames read but not yet handled. A full
	// queue stalls the read loop until the handler catches up.
	DispatchQueueSize int
	// OnStateChange, if set, observes every state transition.
	OnStateChange func(State)

	Dialer *websocket.Dialer
}

// Gateway maintains a single persistent connection to the Lightquark event
// gateway.
type Gateway struct {
	cfg GatewayConfig
	log zerolog.Logger

	state      atomic.Int32
	connects   atomic.Int64
	reconnects atomic.Int64

	queue chan *MessageCreateEvent
}

// NewGateway creates a gateway client. Zero-valued durations and policy
// fall back to the defaults.
func NewGateway(cfg GatewayConfig, log zerolog.Logger) *Gateway {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.ReconnectBackoff {
		cfg.MaxBackoff = cfg.ReconnectBackoff
	}
	if cfg.DispatchQueueSize <= 0 {
		cfg.DispatchQueueSize = DefaultDispatchQueueSize
	}
	if cfg.Policy == "" {
		cfg.Policy = ReconnectPolicyReconnect
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	return &Gateway{
		cfg:   cfg,
		log:   log.With().Str("component", "lq_gateway").Logger(),
		queue: make(chan *MessageCreateEvent, cfg.DispatchQueueSize),
	}
}

// State returns the current connection state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// Connects returns how many times the gateway has entered CONNECTING.
func (g *Gateway) Connects() int64 {
	return g.connects.Load()
}

// Reconnects returns how many reconnects have been attempted.
func (g *Gateway) Reconnects() int64 {
	return g.reconnects.Load()
}

// Pending returns how many messageCreate frames are queued for dispatch.
func (g *Gateway) Pending() int {
	return len(g.queue)
}

func (g *Gateway) setState(s State) {
	prev := State(g.state.Swap(int32(s)))
	if prev == s {
		return
	}
	g.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("Gateway state changed")
	if g.cfg.OnStateChange != nil {
		g.cfg.OnStateChange(s)
	}
}

// Run connects and keeps the connection alive until ctx is cancelled or
// the reconnect policy gives up. It returns nil on cancellation,
// ErrGatewayClosed under the exit policy and ErrReconnectExhausted when the
// attempt cap is reached.
func (g *Gateway) Run(ctx context.Context) error {
	dispatchDone := make(chan struct{})
	stopDispatch := make(chan struct{})
	go g.dispatchLoop(stopDispatch, dispatchDone)
	defer func() {
		close(stopDispatch)
		<-dispatchDone
	}()

	failures := 0
	for {
		opened, err := g.connectOnce(ctx)
		if ctx.Err() != nil {
			g.setState(StateTerminated)
			return nil
		}
		if err != nil {
			g.log.Warn().Err(err).Bool("was_open", opened).Msg("Gateway connection ended")
		} else {
			g.log.Warn().Bool("was_open", opened).Msg("Gateway connection closed")
		}
		if opened {
			failures = 0
		}

		if g.cfg.Policy == ReconnectPolicyExit {
			g.setState(StateTerminated)
			return ErrGatewayClosed
		}

		failures++
		if g.cfg.MaxReconnectAttempts > 0 && failures > g.cfg.MaxReconnectAttempts {
			g.setState(StateTerminated)
			return fmt.Errorf("%w: %d consecutive attempts failed", ErrReconnectExhausted, g.cfg.MaxReconnectAttempts)
		}

		delay := g.backoff(failures)
		g.log.Info().Int("attempt", failures).Dur("delay", delay).Msg("Reconnecting to gateway")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			g.setState(StateTerminated)
			return nil
		case <-timer.C:
		}
		g.reconnects.Add(1)
	}
}

// dispatchLoop hands queued frames to OnMessageCreate in order. Once stop
// is closed it drains what is already queued and returns.
func (g *Gateway) dispatchLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case evt := <-g.queue:
			g.handle(evt)
		case <-stop:
			for {
				select {
				case evt := <-g.queue:
					g.handle(evt)
				default:
					return
				}
			}
		}
	}
}

func (g *Gateway) handle(evt *MessageCreateEvent) {
	if g.cfg.OnMessageCreate == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			g.log.Error().Any("panic", p).
				Str("channel_id", evt.Message.ChannelID).
				Msg("Panic while handling messageCreate")
		}
	}()
	g.cfg.OnMessageCreate(evt)
}

// backoff returns base·2^(attempt-1), capped at MaxBackoff.
func (g *Gateway) backoff(attempt int) time.Duration {
	delay := g.cfg.ReconnectBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= g.cfg.MaxBackoff {
			return g.cfg.MaxBackoff
		}
	}
	return min(delay, g.cfg.MaxBackoff)
}

// connectOnce runs one connection lifecycle. opened reports whether the
// connection reached OPEN.
func (g *Gateway) connectOnce(ctx context.Context) (opened bool, err error) {
	g.setState(StateConnecting)
	g.connects.Add(1)

	sess, err := g.open(ctx)
	if err != nil {
		g.setState(StateClosed)
		return false, err
	}
	g.setState(StateOpen)
	err = sess.run(ctx)
	sess.dispose()
	g.setState(StateClosed)
	return true, err
}

func (g *Gateway) open(ctx context.Context) (*gatewaySession, error) {
	if g.cfg.Token == nil {
		return nil, fmt.Errorf("%w: no token source configured", ErrTransport)
	}
	token, err := g.cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gateway token: %w", err)
	}

	// The gateway reads the bearer token from the websocket subprotocol.
	dialer := *g.cfg.Dialer
	dialer.Subprotocols = []string{token}

	g.log.Info().Str("url", g.cfg.URL).Msg("Connecting to Lightquark gateway")
	conn, resp, err := dialer.DialContext(ctx, g.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %w", ErrTransport, err)
	}
	sess := newGatewaySession(conn, g.cfg, g.log)
	sess.queue = g.queue
	return sess, nil
}

// gatewaySession owns one websocket connection and its heartbeat.
type gatewaySession struct {
	conn *websocket.Conn
	cfg  GatewayConfig
	log  zerolog.Logger

	// queue receives decoded messageCreate frames; owned by the Gateway.
	queue chan<- *MessageCreateEvent

	writeMu sync.Mutex

	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}
	heartbeats      atomic.Int64

	closed      chan struct{}
	disposeOnce sync.Once
}

func newGatewaySession(conn *websocket.Conn, cfg GatewayConfig, log zerolog.Logger) *gatewaySession {
	return &gatewaySession{
		conn:   conn,
		cfg:    cfg,
		log:    log,
		closed: make(chan struct{}),
	}
}

// run subscribes, starts the heartbeat and reads frames until the
// connection fails or ctx is cancelled.
func (s *gatewaySession) run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-s.closed:
		}
	}()

	s.log.Info().Int("channels", len(s.cfg.Channels)).Msg("Connected to gateway, subscribing")
	for _, channelID := range s.cfg.Channels {
		if err := s.send(SubscribeFrame(channelID)); err != nil {
			s.log.Error().Err(err).Str("channel_id", channelID).Msg("Failed to send subscribe frame")
		}
	}
	s.startHeartbeat()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: read: %w", ErrTransport, err)
		}
		s.enqueue(ctx, data)
	}
}

func (s *gatewaySession) enqueue(ctx context.Context, data []byte) {
	evt, err := DecodeEvent(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to decode gateway frame")
		return
	}
	e, ok := evt.(*MessageCreateEvent)
	if !ok {
		s.log.Trace().Str("event_id", evt.EventID()).Msg("Ignoring gateway event")
		return
	}
	if s.queue == nil || s.cfg.OnMessageCreate == nil {
		return
	}
	select {
	case s.queue <- e:
		return
	default:
	}
	s.log.Warn().Int("capacity", cap(s.queue)).Msg("Dispatch queue full, pausing reads")
	select {
	case s.queue <- e:
	case <-ctx.Done():
	}
}

func (s *gatewaySession) startHeartbeat() {
	hbCtx, cancel := context.WithCancel(context.Background())
	s.heartbeatCancel = cancel
	s.heartbeatDone = make(chan struct{})
	go s.heartbeatLoop(hbCtx, s.cfg.HeartbeatInterval)
}

func (s *gatewaySession) heartbeatLoop(ctx context.Context, interval time.Duration) {
	defer close(s.heartbeatDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Write errors are left to the read loop to surface as a close.
			if err := s.send(HeartbeatFrame()); err != nil {
				s.log.Warn().Err(err).Msg("Failed to send heartbeat")
				continue
			}
			s.heartbeats.Add(1)
		}
	}
}

func (s *gatewaySession) send(frame ControlFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrTransport, frame.Event, err)
	}
	return nil
}

// dispose stops the heartbeat and closes the connection. Safe to call more
// than once.
func (s *gatewaySession) dispose() {
	s.disposeOnce.Do(func() {
		close(s.closed)
		if s.heartbeatCancel != nil {
			s.heartbeatCancel()
			<-s.heartbeatDone
		}
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}
