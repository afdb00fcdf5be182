// Package parley is the local-first client engine for the Parley chat
// backend. It keeps a durable on-device copy of conversations, messages, and
// notifications convergent with the remote service under optimistic
// mutations, and maintains one shared realtime channel per session with
// reconnection and typed dispatch. UI layers subscribe to the reactive state
// and call the sync manager; they never talk to the network or the store
// directly.
package parley

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Version of the client library, sent in the User-Agent header.
const Version = "0.4.0"

// ============================================================================
// Options
// ============================================================================

type engineOptions struct {
	baseURL   string
	store     Store
	storePath string
	remote    RemoteClient
	logger    zerolog.Logger
	realtime  bool
	channel   func(*ChannelConfig)
}

// Option configures an Engine.
type Option func(*engineOptions)

// WithBaseURL points the engine at a specific backend.
func WithBaseURL(url string) Option {
	return func(o *engineOptions) { o.baseURL = url }
}

// WithEnvironment selects a well-known backend environment.
func WithEnvironment(env Environment) Option {
	return func(o *engineOptions) { o.baseURL = env.BaseURL() }
}

// WithStore supplies a prebuilt local store.
func WithStore(s Store) Option {
	return func(o *engineOptions) { o.store = s }
}

// WithStorePath opens a SQLite store at path for durable offline data.
// Without it the engine runs on an in-memory store that lives as long as the
// process.
func WithStorePath(path string) Option {
	return func(o *engineOptions) { o.storePath = path }
}

// WithRemote supplies a custom remote client.
func WithRemote(r RemoteClient) Option {
	return func(o *engineOptions) { o.remote = r }
}

// WithLogger routes engine logging through log.
func WithLogger(log zerolog.Logger) Option {
	return func(o *engineOptions) { o.logger = log }
}

// WithoutRealtime disables the realtime channel; the engine becomes
// poll-only.
func WithoutRealtime() Option {
	return func(o *engineOptions) { o.realtime = false }
}

// WithReconnectPolicy tunes the channel backoff.
func WithReconnectPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) Option {
	return func(o *engineOptions) {
		prev := o.channel
		o.channel = func(c *ChannelConfig) {
			if prev != nil {
				prev(c)
			}
			c.MaxReconnectAttempts = maxAttempts
			c.ReconnectBaseDelay = baseDelay
			c.ReconnectMaxDelay = maxDelay
		}
	}
}

// WithHeartbeatInterval tunes the channel heartbeat.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *engineOptions) {
		prev := o.channel
		o.channel = func(c *ChannelConfig) {
			if prev != nil {
				prev(c)
			}
			c.HeartbeatInterval = d
		}
	}
}

// ============================================================================
// Engine
// ============================================================================

// Engine owns one session's worth of sync machinery: the local store, the
// reactive state, the sync manager, and the shared realtime channel. Build
// one per session, call Open at session start and Close at session end, and
// inject it into whatever consumes it.
type Engine struct {
	log     zerolog.Logger
	store   Store
	state   *State
	remote  RemoteClient
	sync    *SyncManager
	channel *Channel
}

// NewEngine builds an engine for the given API token.
func NewEngine(token string, opts ...Option) (*Engine, error) {
	o := engineOptions{
		baseURL:  EnvProduction.BaseURL(),
		logger:   zerolog.Nop(),
		realtime: true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	store := o.store
	if store == nil && o.storePath != "" {
		s, err := OpenSQLiteStore(o.storePath)
		if err != nil {
			return nil, err
		}
		store = s
	}
	if store == nil {
		store = NewMemoryStore()
	}

	remote := o.remote
	if remote == nil {
		remote = NewHTTPRemote(token, WithRemoteBaseURL(o.baseURL))
	}

	state := NewState()
	eng := &Engine{
		log:    o.logger,
		store:  store,
		state:  state,
		remote: remote,
		sync:   NewSyncManager(store, remote, state, o.logger),
	}

	if o.realtime {
		cfg := ChannelConfig{
			URL:           o.baseURL,
			Token:         token,
			AutoReconnect: true,
			Logger:        o.logger,
		}
		if o.channel != nil {
			o.channel(&cfg)
		}
		eng.channel = NewChannel(cfg)
		eng.wireChannel()
	}

	return eng, nil
}

// wireChannel routes inbound realtime frames into the sync manager.
func (e *Engine) wireChannel() {
	e.channel.On(KindNotification, func(env *Envelope) {
		if env.Notification == nil {
			return
		}
		e.sync.AcceptNotification(*env.Notification)
	})
	e.channel.On(KindNotificationUpdate, func(env *Envelope) {
		var patch NotificationPatch
		if err := env.DecodeUpdates(&patch); err != nil {
			e.log.Debug().Err(err).Str("notification", env.NotificationID).Msg("undecodable notification update")
			return
		}
		e.sync.AcceptNotificationUpdate(env.NotificationID, patch)
	})
	e.channel.On(KindError, func(env *Envelope) {
		e.log.Warn().Str("message", env.Message).Msg("server error frame")
	})
	e.channel.OnError(func(err error) {
		e.log.Error().Err(err).Msg("realtime channel error")
	})
	// A reopened channel may have missed pushes; refetch instead of guessing.
	e.channel.OnOpen(func() {
		e.sync.bg.Add(1)
		go func() {
			defer e.sync.bg.Done()
			if err := e.sync.HydrateNotifications(context.Background()); err != nil {
				e.log.Debug().Err(err).Msg("post-open notification hydration failed")
			}
		}()
	})
}

// Open starts the session. The realtime channel connects if enabled; a dial
// failure is logged, not fatal, because the engine is useful offline and the
// channel can be reconnected later via SetVisible or Connect.
func (e *Engine) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.channel != nil {
		if err := e.channel.Connect(ctx); err != nil {
			e.log.Warn().Err(err).Msg("realtime connect failed, continuing offline")
		}
	}
	return nil
}

// Close ends the session: the channel disconnects, background refreshes
// drain, and the store closes. Local data stays on disk for the next session.
func (e *Engine) Close(ctx context.Context) error {
	if e.channel != nil {
		if err := e.channel.Disconnect(); err != nil {
			e.log.Debug().Err(err).Msg("channel disconnect")
		}
	}
	e.sync.bg.Wait()
	if err := e.store.Close(); err != nil {
		return &CacheError{Op: "close store", Err: err}
	}
	return nil
}

// Logout purges all local data and then closes the session. For shared
// devices: nothing of the account survives locally.
func (e *Engine) Logout(ctx context.Context) error {
	if err := e.sync.PurgeLocal(ctx); err != nil {
		return err
	}
	return e.Close(ctx)
}

// SetVisible forwards host visibility to the realtime channel so a
// foregrounded app reconnects immediately.
func (e *Engine) SetVisible(ctx context.Context, visible bool) {
	if e.channel != nil {
		e.channel.SetVisible(ctx, visible)
	}
}

// State returns the reactive state consumed by UI layers.
func (e *Engine) State() *State { return e.state }

// Sync returns the synchronization controller.
func (e *Engine) Sync() *SyncManager { return e.sync }

// Channel returns the realtime channel, nil when realtime is disabled.
func (e *Engine) Channel() *Channel { return e.channel }

// Store returns the local persistent store.
func (e *Engine) Store() Store { return e.store }
