package parley

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures the realtime channel.
type ChannelConfig struct {
	// URL is the backend base URL; http(s) schemes are rewritten to ws(s).
	URL   string
	Token string

	// AutoReconnect re-opens the connection after abnormal closes.
	AutoReconnect bool
	// MaxReconnectAttempts bounds consecutive reconnect attempts; zero
	// selects the default of 10. The counter resets on every successful open.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// HeartbeatInterval is how often an outbound ping is sent while open.
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration

	Logger zerolog.Logger

	// dial is swapped in tests to avoid a live socket.
	dial dialFunc
	// pongWait bounds how long each outbound ping waits for its pong
	// before the peer is declared dead.
	pongWait time.Duration
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.dial == nil {
		c.dial = dialWebsocket
	}
	if c.pongWait == 0 {
		c.pongWait = 10 * time.Second
	}
}

// ChannelState is the connection state machine:
// disconnected -> connecting -> open -> (closing|error) -> disconnected.
type ChannelState string

const (
	ChannelDisconnected ChannelState = "disconnected"
	ChannelConnecting   ChannelState = "connecting"
	ChannelOpen         ChannelState = "open"
	ChannelClosing      ChannelState = "closing"
	ChannelFailed       ChannelState = "error"
)

// wsConn is the slice of *websocket.Conn the channel uses. Tests swap in a
// scripted implementation.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

func dialWebsocket(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ============================================================================
// Handler Registry
// ============================================================================

// EnvelopeHandler receives one inbound frame. Handlers run on the channel's
// read goroutine; do not block in them.
type EnvelopeHandler func(*Envelope)

type channelDispatcher struct {
	mu             sync.RWMutex
	byKind         map[MessageKind][]EnvelopeHandler
	wildcard       []EnvelopeHandler
	onOpen         []func()
	onDisconnected []func(code int, reason string)
	onReconnecting []func(attempt int, delay time.Duration)
	onError        []func(error)
}

func newChannelDispatcher() *channelDispatcher {
	return &channelDispatcher{byKind: make(map[MessageKind][]EnvelopeHandler)}
}

// dispatch fans one frame out to its kind handlers and the wildcard channel.
// Heartbeat frames never get here.
func (d *channelDispatcher) dispatch(env *Envelope) {
	d.mu.RLock()
	typed := append([]EnvelopeHandler{}, d.byKind[env.Kind()]...)
	wild := append([]EnvelopeHandler{}, d.wildcard...)
	d.mu.RUnlock()

	for _, h := range typed {
		safeHandle(h, env)
	}
	for _, h := range wild {
		safeHandle(h, env)
	}
}

func safeHandle(h EnvelopeHandler, env *Envelope) {
	defer func() { _ = recover() }()
	h(env)
}

func (d *channelDispatcher) emitOpen() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onOpen...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *channelDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(code, reason)
	}
}

func (d *channelDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

func (d *channelDispatcher) emitError(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(cfg *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

// nextDelay returns baseDelay * 2^attempt capped at maxDelay, then advances
// the attempt counter. No jitter: the schedule is part of the contract.
func (r *reconnector) nextDelay() time.Duration {
	delay := r.baseDelay << uint(r.attempt)
	if delay > r.maxDelay || delay <= 0 {
		delay = r.maxDelay
	}
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Channel
// ============================================================================

// Channel is the single shared realtime connection for a session. Inbound
// frames are dispatched by kind plus a wildcard channel; ping/pong heartbeat
// frames are handled internally and never reach handlers, and a missed pong
// tears the connection down as a dead peer. Abnormal closes reconnect with
// exponential backoff until the attempt budget is spent, after which a
// terminal ChannelError goes to the error subscribers and nothing happens
// until Connect is called again (for example, when the host becomes
// visible). A normal closure, from either side, is final.
type Channel struct {
	config *ChannelConfig
	log    zerolog.Logger

	mu               sync.Mutex
	conn             wsConn
	state            ChannelState
	intentionalClose bool
	cancelFn         context.CancelFunc
	retryCancel      chan struct{}

	dispatcher *channelDispatcher
	recon      *reconnector

	pongMu sync.Mutex
	pongCh chan struct{}
	rtt    time.Duration
}

// NewChannel builds a channel; no connection is opened until Connect.
func NewChannel(cfg ChannelConfig) *Channel {
	cfg.defaults()
	return &Channel{
		config:     &cfg,
		log:        cfg.Logger,
		state:      ChannelDisconnected,
		dispatcher: newChannelDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

// On registers a handler for one message kind.
func (c *Channel) On(kind MessageKind, h EnvelopeHandler) {
	c.dispatcher.mu.Lock()
	c.dispatcher.byKind[kind] = append(c.dispatcher.byKind[kind], h)
	c.dispatcher.mu.Unlock()
}

// OnAny registers a wildcard handler that sees every non-heartbeat frame.
func (c *Channel) OnAny(h EnvelopeHandler) {
	c.dispatcher.mu.Lock()
	c.dispatcher.wildcard = append(c.dispatcher.wildcard, h)
	c.dispatcher.mu.Unlock()
}

// OnOpen registers a handler for successful opens.
func (c *Channel) OnOpen(h func()) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onOpen = append(c.dispatcher.onOpen, h)
	c.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for every close, intentional or not.
func (c *Channel) OnDisconnected(h func(code int, reason string)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onDisconnected = append(c.dispatcher.onDisconnected, h)
	c.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler called with each scheduled retry.
func (c *Channel) OnReconnecting(h func(attempt int, delay time.Duration)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onReconnecting = append(c.dispatcher.onReconnecting, h)
	c.dispatcher.mu.Unlock()
}

// OnError registers an error subscriber. Terminal reconnect exhaustion
// arrives here as a *ChannelError with Terminal set.
func (c *Channel) OnError(h func(error)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onError = append(c.dispatcher.onError, h)
	c.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RTT returns the last measured heartbeat round-trip, zero before the first
// pong.
func (c *Channel) RTT() time.Duration {
	c.pongMu.Lock()
	defer c.pongMu.Unlock()
	return c.rtt
}

// Connect opens the shared connection. It is a no-op when already open or
// connecting. Callers re-arm a terminally failed channel by calling it again.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == ChannelOpen || c.state == ChannelConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = ChannelConnecting
	c.intentionalClose = false
	c.cancelRetryLocked()
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	conn, err := c.config.dial(dialCtx, realtimeURL(c.config.URL, c.config.Token))
	cancel()
	if err != nil {
		c.mu.Lock()
		c.state = ChannelDisconnected
		c.mu.Unlock()
		return &ChannelError{Op: "dial", Err: err}
	}

	connCtx, cancelConn := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.state = ChannelOpen
	c.cancelFn = cancelConn
	c.mu.Unlock()
	c.recon.reset()

	c.log.Debug().Str("url", c.config.URL).Msg("realtime channel open")
	c.dispatcher.emitOpen()

	go c.readLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx)

	return nil
}

// Disconnect closes the connection intentionally; no reconnect follows.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	c.state = ChannelClosing
	c.cancelRetryLocked()
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = ChannelDisconnected
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")
	return err
}

// Send writes one payload if the connection is open; otherwise it warns and
// drops the payload. Delivery is at-most-once and never queued.
func (c *Channel) Send(ctx context.Context, payload any) {
	c.mu.Lock()
	conn := c.conn
	open := c.state == ChannelOpen
	c.mu.Unlock()

	if !open || conn == nil {
		c.log.Warn().Msg("realtime send skipped: connection not open")
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Warn().Err(err).Msg("realtime send failed")
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Warn().Err(err).Msg("realtime send failed")
	}
}

// SetVisible tells the channel whether the host surface is foregrounded.
// Becoming visible with a connection that is not open triggers an immediate
// reconnect, skipping any pending backoff timer.
func (c *Channel) SetVisible(ctx context.Context, visible bool) {
	if !visible {
		return
	}
	c.mu.Lock()
	if c.state == ChannelOpen || c.state == ChannelConnecting {
		c.mu.Unlock()
		return
	}
	c.cancelRetryLocked()
	c.mu.Unlock()

	if err := c.Connect(ctx); err != nil {
		c.log.Warn().Err(err).Msg("visibility reconnect failed")
	}
}

func (c *Channel) readLoop(ctx context.Context, conn wsConn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			if !intentional {
				c.state = ChannelDisconnected
				c.conn = nil
			}
			c.mu.Unlock()
			if intentional {
				return
			}

			code := int(websocket.CloseStatus(err))
			if code == int(websocket.StatusNormalClosure) {
				// A server-sent normal closure counts as intentional;
				// only abnormal closes reconnect.
				c.log.Debug().Msg("realtime channel closed by server")
				c.dispatcher.emitDisconnected(code, err.Error())
				return
			}
			c.log.Warn().Err(err).Int("code", code).Msg("realtime connection lost")
			c.dispatcher.emitDisconnected(code, err.Error())

			if c.config.AutoReconnect {
				c.handleRetry(err)
			}
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping malformed realtime frame")
			continue
		}
		c.handleFrame(ctx, env)
	}
}

// handleFrame special-cases the heartbeat kinds and hands everything else to
// the registered handlers. The switch is exhaustive over MessageKind.
func (c *Channel) handleFrame(ctx context.Context, env *Envelope) {
	switch env.Kind() {
	case KindPing:
		if err := c.write(ctx, &Envelope{Type: "pong"}); err != nil {
			c.log.Warn().Err(err).Msg("pong reply failed")
		}
	case KindPong:
		c.resolvePong()
	case KindNotification, KindNotificationUpdate, KindError, KindUnknown:
		c.dispatcher.dispatch(env)
	}
}

func (c *Channel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != ChannelOpen {
				return
			}
			if err := c.ping(ctx); err != nil {
				c.log.Warn().Err(err).Msg("heartbeat failed, closing connection")
				c.mu.Lock()
				conn := c.conn
				c.mu.Unlock()
				if conn != nil {
					_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// ping sends a heartbeat and waits for the matching pong.
func (c *Channel) ping(ctx context.Context) error {
	ch := make(chan struct{}, 1)
	c.pongMu.Lock()
	c.pongCh = ch
	c.pongMu.Unlock()
	sentAt := time.Now()

	if err := c.write(ctx, &Envelope{Type: "ping"}); err != nil {
		return err
	}

	select {
	case <-ch:
		c.pongMu.Lock()
		c.rtt = time.Since(sentAt)
		c.pongMu.Unlock()
		return nil
	case <-time.After(c.config.pongWait):
		return fmt.Errorf("pong timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) resolvePong() {
	c.pongMu.Lock()
	if c.pongCh != nil {
		select {
		case c.pongCh <- struct{}{}:
		default:
		}
		c.pongCh = nil
	}
	c.pongMu.Unlock()
}

// handleRetry schedules the next reconnect attempt, or emits the terminal
// error once the budget is spent.
func (c *Channel) handleRetry(cause error) {
	if !c.recon.shouldReconnect() {
		c.mu.Lock()
		c.state = ChannelFailed
		c.mu.Unlock()
		terminal := &ChannelError{
			Op:       "reconnect",
			Attempts: c.recon.attempt,
			Terminal: true,
			Err:      cause,
		}
		c.log.Error().Err(cause).Int("attempts", c.recon.attempt).Msg("reconnect attempts exhausted")
		c.dispatcher.emitError(terminal)
		return
	}

	delay := c.recon.nextDelay()
	cancel := make(chan struct{})
	c.mu.Lock()
	c.cancelRetryLocked()
	c.retryCancel = cancel
	c.mu.Unlock()

	c.log.Info().Int("attempt", c.recon.attempt).Dur("delay", delay).Msg("scheduling reconnect")
	c.dispatcher.emitReconnecting(c.recon.attempt, delay)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-cancel:
			return
		case <-timer.C:
		}
		if err := c.Connect(context.Background()); err != nil {
			c.handleRetry(err)
		}
	}()
}

// cancelRetryLocked stops a pending backoff timer. Callers hold c.mu.
func (c *Channel) cancelRetryLocked() {
	if c.retryCancel != nil {
		close(c.retryCancel)
		c.retryCancel = nil
	}
}

// write sends one envelope over the current connection.
func (c *Channel) write(ctx context.Context, env *Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// realtimeURL rewrites the REST base URL into the websocket endpoint.
func realtimeURL(base, token string) string {
	u := strings.Replace(base, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + "/v1/realtime?token=" + token
}
