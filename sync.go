package parley

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Hydration Scopes
// ============================================================================

// Hydration scopes. Each scope admits one active hydration at a time: starting
// a new one supersedes whatever was in flight, and the superseded request must
// not write anything once it resolves.
const (
	scopeConversations = "conversations"
	scopeMessages      = "messages"
	scopeNotifications = "notifications"
)

// ============================================================================
// Per-Entity Mutation Queues
// ============================================================================

// entityQueue serializes mutations for one entity id. Jobs run strictly in
// enqueue order, so a mutation always snapshots the outcome of the previous
// one instead of racing it.
type entityQueue struct {
	mu   sync.Mutex
	jobs []func()
	busy bool
}

// ============================================================================
// Snapshot Commands
// ============================================================================

// convSnapshot is one side of a conversation mutation: the full record, the
// dependent messages when the mutation touches them, or absence for a delete.
type convSnapshot struct {
	conversation Conversation
	messages     []Message
	removed      bool
}

// convCommand pairs the pre- and post-mutation snapshots. Optimistic apply
// writes after, rollback writes before, both through writeConvSnapshot, so
// the two directions cannot drift apart.
type convCommand struct {
	before convSnapshot
	after  convSnapshot
}

type notifCommand struct {
	before Notification
	after  Notification
}

// ============================================================================
// Sync Manager
// ============================================================================

type syncCounters struct {
	hydrations     atomic.Int64
	staleDiscards  atomic.Int64
	mutations      atomic.Int64
	rollbacks      atomic.Int64
	remoteFailures atomic.Int64
	cacheFailures  atomic.Int64
}

// SyncManager keeps the local store, the reactive state, and the remote
// service convergent. Reads hydrate through the cache and overwrite it with
// the remote answer; writes apply optimistically and roll back to a captured
// snapshot when the remote call fails. The remote service is the authority
// of record throughout: cache failures degrade to a miss, they never block.
type SyncManager struct {
	store  Store
	remote RemoteClient
	state  *State
	log    zerolog.Logger

	seqMu sync.Mutex
	seqs  map[string]uint64

	queueMu sync.Mutex
	queues  map[string]*entityQueue

	counters syncCounters
	bg       sync.WaitGroup
}

// NewSyncManager wires a controller over its three collaborators.
func NewSyncManager(store Store, remote RemoteClient, state *State, log zerolog.Logger) *SyncManager {
	return &SyncManager{
		store:  store,
		remote: remote,
		state:  state,
		log:    log,
		seqs:   make(map[string]uint64),
		queues: make(map[string]*entityQueue),
	}
}

// Stats returns a snapshot of the operation counters.
func (m *SyncManager) Stats() SyncStats {
	return SyncStats{
		Hydrations:     m.counters.hydrations.Load(),
		StaleDiscards:  m.counters.staleDiscards.Load(),
		Mutations:      m.counters.mutations.Load(),
		Rollbacks:      m.counters.rollbacks.Load(),
		RemoteFailures: m.counters.remoteFailures.Load(),
		CacheFailures:  m.counters.cacheFailures.Load(),
	}
}

// begin claims the scope for a new hydration and returns its sequence.
func (m *SyncManager) begin(scope string) uint64 {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	m.seqs[scope]++
	return m.seqs[scope]
}

// live reports whether seq is still the newest hydration of its scope and the
// caller's context is still alive. Checked before every state-mutating step
// so a slow response cannot clobber the result of a newer request.
func (m *SyncManager) live(ctx context.Context, scope string, seq uint64) bool {
	if ctx.Err() != nil {
		return false
	}
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	return m.seqs[scope] == seq
}

func (m *SyncManager) discard(scope string) {
	m.counters.staleDiscards.Add(1)
	m.log.Debug().Str("scope", scope).Msg("discarding superseded hydration result")
}

// cacheFail records a storage failure and swallows it. The remote service is
// the authority, so a broken cache degrades to a miss.
func (m *SyncManager) cacheFail(op string, err error) {
	m.counters.cacheFailures.Add(1)
	m.log.Warn().Err(err).Str("op", op).Msg("local store failure, treating as cache miss")
}

func (m *SyncManager) remoteFail(op string, err error) {
	m.counters.remoteFailures.Add(1)
	m.log.Warn().Err(err).Str("op", op).Msg("remote call failed")
}

// ============================================================================
// Read-Through Hydration
// ============================================================================

// HydrateConversations serves the cached conversation list immediately, then
// overwrites it with the remote list. On remote failure the cached data stays
// visible and the error is returned for the caller's status surface.
func (m *SyncManager) HydrateConversations(ctx context.Context) error {
	seq := m.begin(scopeConversations)
	m.counters.hydrations.Add(1)

	cached, err := m.store.Conversations(ctx)
	if err != nil {
		m.cacheFail("load conversations", err)
	} else if len(cached) > 0 {
		if !m.live(ctx, scopeConversations, seq) {
			m.discard(scopeConversations)
			return nil
		}
		m.state.SetConversations(cached)
	}

	fetched, err := m.remote.FetchConversations(ctx)
	if err != nil {
		m.remoteFail("fetch conversations", err)
		return fmt.Errorf("cannot hydrate conversations: %w", err)
	}

	if !m.live(ctx, scopeConversations, seq) {
		m.discard(scopeConversations)
		return nil
	}
	if err := m.store.PutConversations(ctx, fetched); err != nil {
		m.cacheFail("persist conversations", err)
	}
	if !m.live(ctx, scopeConversations, seq) {
		m.discard(scopeConversations)
		return nil
	}
	m.state.SetConversations(fetched)
	return nil
}

// HydrateMessages runs the read-through protocol for one conversation's
// messages. Starting a hydration for another conversation supersedes this
// one, so a slow fetch can never fill the view with the wrong thread.
func (m *SyncManager) HydrateMessages(ctx context.Context, conversationID string) error {
	seq := m.begin(scopeMessages)
	m.counters.hydrations.Add(1)

	cached, err := m.store.Messages(ctx, conversationID)
	if err != nil {
		m.cacheFail("load messages", err)
	} else if len(cached) > 0 {
		if !m.live(ctx, scopeMessages, seq) {
			m.discard(scopeMessages)
			return nil
		}
		m.state.SetMessages(conversationID, cached)
	}

	fetched, err := m.remote.FetchMessages(ctx, conversationID)
	if err != nil {
		m.remoteFail("fetch messages", err)
		return fmt.Errorf("cannot hydrate messages: %w", err)
	}

	if !m.live(ctx, scopeMessages, seq) {
		m.discard(scopeMessages)
		return nil
	}
	if err := m.store.PutMessages(ctx, fetched); err != nil {
		m.cacheFail("persist messages", err)
	}
	if !m.live(ctx, scopeMessages, seq) {
		m.discard(scopeMessages)
		return nil
	}
	m.state.SetMessages(conversationID, fetched)
	return nil
}

// HydrateNotifications runs the read-through protocol for notifications.
func (m *SyncManager) HydrateNotifications(ctx context.Context) error {
	seq := m.begin(scopeNotifications)
	m.counters.hydrations.Add(1)

	cached, err := m.store.Notifications(ctx)
	if err != nil {
		m.cacheFail("load notifications", err)
	} else if len(cached) > 0 {
		if !m.live(ctx, scopeNotifications, seq) {
			m.discard(scopeNotifications)
			return nil
		}
		m.state.SetNotifications(cached)
	}

	fetched, err := m.remote.FetchNotifications(ctx)
	if err != nil {
		m.remoteFail("fetch notifications", err)
		return fmt.Errorf("cannot hydrate notifications: %w", err)
	}

	if !m.live(ctx, scopeNotifications, seq) {
		m.discard(scopeNotifications)
		return nil
	}
	if err := m.store.PutNotifications(ctx, fetched); err != nil {
		m.cacheFail("persist notifications", err)
	}
	if !m.live(ctx, scopeNotifications, seq) {
		m.discard(scopeNotifications)
		return nil
	}
	m.state.SetNotifications(fetched)
	return nil
}

// RefreshConversation read-throughs a single conversation record. Single
// record upserts are keyed and idempotent, so this only needs the context
// check, not a scope sequence.
func (m *SyncManager) RefreshConversation(ctx context.Context, id string) error {
	m.counters.hydrations.Add(1)

	cached, err := m.store.Conversation(ctx, id)
	if err != nil {
		m.cacheFail("load conversation", err)
	} else if cached != nil && ctx.Err() == nil {
		m.state.UpsertConversation(*cached)
	}

	fetched, err := m.remote.FetchConversation(ctx, id)
	if err != nil {
		m.remoteFail("fetch conversation", err)
		return fmt.Errorf("cannot refresh conversation: %w", err)
	}
	if ctx.Err() != nil {
		m.discard(scopeConversations)
		return nil
	}
	if err := m.store.PutConversation(ctx, *fetched); err != nil {
		m.cacheFail("persist conversation", err)
	}
	if ctx.Err() != nil {
		m.discard(scopeConversations)
		return nil
	}
	m.state.UpsertConversation(*fetched)
	return nil
}

// ============================================================================
// Mutation Queue Plumbing
// ============================================================================

// enqueue appends a job to the entity's queue and starts a drainer if none is
// running. Queues are created on demand and drainers exit when empty.
func (m *SyncManager) enqueue(entityID string, job func()) {
	m.queueMu.Lock()
	q := m.queues[entityID]
	if q == nil {
		q = &entityQueue{}
		m.queues[entityID] = q
	}
	m.queueMu.Unlock()

	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	if q.busy {
		q.mu.Unlock()
		return
	}
	q.busy = true
	q.mu.Unlock()

	go func() {
		for {
			q.mu.Lock()
			if len(q.jobs) == 0 {
				q.busy = false
				q.mu.Unlock()
				return
			}
			next := q.jobs[0]
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			next()
		}
	}()
}

// run enqueues a job on the entity's queue and waits for its result.
func (m *SyncManager) run(entityID string, job func() error) error {
	done := make(chan error, 1)
	m.enqueue(entityID, func() { done <- job() })
	return <-done
}

// writeConvSnapshot publishes one snapshot to the reactive state and the
// local store. It is the single write path shared by optimistic apply and
// rollback. A removed snapshot only touches the reactive state; the store
// side of a delete runs concurrently with the remote call.
func (m *SyncManager) writeConvSnapshot(ctx context.Context, s convSnapshot) {
	if s.removed {
		m.state.RemoveConversation(s.conversation.ID)
		return
	}
	m.state.UpsertConversation(s.conversation)
	if err := m.store.PutConversation(ctx, s.conversation); err != nil {
		m.cacheFail("persist conversation", err)
	}
	if s.messages != nil {
		m.state.SetMessages(s.conversation.ID, s.messages)
		if err := m.store.PutMessages(ctx, s.messages); err != nil {
			m.cacheFail("persist messages", err)
		}
	}
}

func (m *SyncManager) writeNotifSnapshot(ctx context.Context, n Notification) {
	m.state.UpsertNotification(n)
	if err := m.store.PutNotification(ctx, n); err != nil {
		m.cacheFail("persist notification", err)
	}
}

// classify bumps the failure counter matching the error family.
func (m *SyncManager) classify(err error) {
	var re *RemoteError
	if errors.As(err, &re) {
		m.counters.remoteFailures.Add(1)
		return
	}
	var ce *CacheError
	if errors.As(err, &ce) {
		m.counters.cacheFailures.Add(1)
	}
}

// ============================================================================
// Conversation Mutations
// ============================================================================

// mutateConversation runs one optimistic patch through the entity's queue:
// snapshot, apply locally, call remote, roll back on failure.
func (m *SyncManager) mutateConversation(ctx context.Context, op, id string, change func(Conversation) ConversationPatch) error {
	return m.run(id, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		before, ok := m.state.Conversation(id)
		if !ok {
			return &ConsistencyError{Entity: "conversation", ID: id, Reason: "not present in reactive state"}
		}
		m.counters.mutations.Add(1)

		patch := change(before)
		after := before
		patch.Apply(&after, time.Now().UTC())
		cmd := convCommand{
			before: convSnapshot{conversation: before},
			after:  convSnapshot{conversation: after},
		}
		m.writeConvSnapshot(ctx, cmd.after)

		updated, err := m.remote.UpdateConversation(ctx, id, patch)
		if err != nil {
			m.counters.rollbacks.Add(1)
			m.counters.remoteFailures.Add(1)
			m.log.Warn().Err(err).Str("op", op).Str("conversation", id).Msg("remote update failed, rolling back")
			m.writeConvSnapshot(ctx, cmd.before)
			return fmt.Errorf("cannot %s: %w", op, err)
		}
		if updated != nil {
			m.writeConvSnapshot(ctx, convSnapshot{conversation: *updated})
		}
		return nil
	})
}

// ToggleStar flips the starred flag optimistically.
func (m *SyncManager) ToggleStar(ctx context.Context, id string) error {
	return m.mutateConversation(ctx, "toggle star", id, func(before Conversation) ConversationPatch {
		starred := !before.Starred
		return ConversationPatch{Starred: &starred}
	})
}

// RenameConversation sets a new title optimistically.
func (m *SyncManager) RenameConversation(ctx context.Context, id, title string) error {
	return m.mutateConversation(ctx, "rename conversation", id, func(Conversation) ConversationPatch {
		return ConversationPatch{Title: &title}
	})
}

// MarkConversationRead clears the unread flag optimistically.
func (m *SyncManager) MarkConversationRead(ctx context.Context, id string) error {
	return m.mutateConversation(ctx, "mark conversation read", id, func(Conversation) ConversationPatch {
		unread := false
		return ConversationPatch{Unread: &unread}
	})
}

// CreateConversation creates the conversation remotely first, since the
// server owns conversation ids, then lands the result in the store and the
// reactive state.
func (m *SyncManager) CreateConversation(ctx context.Context, draft ConversationDraft) (*Conversation, error) {
	m.counters.mutations.Add(1)
	created, err := m.remote.CreateConversation(ctx, draft)
	if err != nil {
		m.remoteFail("create conversation", err)
		return nil, fmt.Errorf("cannot create conversation: %w", err)
	}
	m.writeConvSnapshot(ctx, convSnapshot{conversation: *created})
	return created, nil
}

// DeleteConversation removes the conversation and its messages everywhere.
// The reactive state drops them immediately; the store delete and the remote
// delete then run concurrently and both settle. If either side fails the
// whole snapshot, messages included, is restored to both sides.
func (m *SyncManager) DeleteConversation(ctx context.Context, id string) error {
	return m.run(id, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		before, ok := m.state.Conversation(id)
		if !ok {
			return &ConsistencyError{Entity: "conversation", ID: id, Reason: "not present in reactive state"}
		}
		m.counters.mutations.Add(1)

		messages := m.state.Messages(id)
		if len(messages) == 0 {
			stored, err := m.store.Messages(ctx, id)
			if err != nil {
				m.cacheFail("load messages for delete snapshot", err)
			} else {
				messages = stored
			}
		}
		cmd := convCommand{
			before: convSnapshot{conversation: before, messages: messages},
			after:  convSnapshot{conversation: before, removed: true},
		}
		m.writeConvSnapshot(ctx, cmd.after)

		var g errgroup.Group
		g.Go(func() error {
			if err := m.store.DeleteConversation(ctx, id); err != nil {
				return &CacheError{Op: "delete conversation", Err: err}
			}
			return nil
		})
		g.Go(func() error {
			return m.remote.DeleteConversation(ctx, id)
		})
		if err := g.Wait(); err != nil {
			m.counters.rollbacks.Add(1)
			m.classify(err)
			m.log.Warn().Err(err).Str("conversation", id).Msg("delete failed, restoring snapshot")
			m.writeConvSnapshot(ctx, cmd.before)
			return fmt.Errorf("cannot delete conversation: %w", err)
		}

		m.bg.Add(1)
		go func() {
			defer m.bg.Done()
			if err := m.HydrateConversations(context.Background()); err != nil {
				m.log.Debug().Err(err).Msg("background refresh after delete failed")
			}
		}()
		return nil
	})
}

// ============================================================================
// Messages
// ============================================================================

// SendMessage appends an optimistic user message in the sending status, then
// confirms it remotely. Success moves the message to sent and attaches the
// server id; failure moves it to error. The message never transitions
// backward and never disappears.
func (m *SyncManager) SendMessage(ctx context.Context, conversationID, content string) (*Message, error) {
	var out *Message
	err := m.run(conversationID, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := m.state.Conversation(conversationID); !ok {
			return &ConsistencyError{Entity: "conversation", ID: conversationID, Reason: "not present in reactive state"}
		}
		m.counters.mutations.Add(1)

		now := time.Now().UTC()
		msg := Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Role:           RoleUser,
			Content:        content,
			Status:         MessageSending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		m.state.UpsertMessage(msg)
		if err := m.store.PutMessage(ctx, msg); err != nil {
			m.cacheFail("persist outgoing message", err)
		}

		draft := MessageDraft{ClientID: msg.ID, Role: RoleUser, Content: content}
		created, err := m.remote.CreateMessage(ctx, conversationID, draft)
		if err != nil {
			m.remoteFail("create message", err)
			msg.Status = MessageError
			msg.UpdatedAt = time.Now().UTC()
			m.state.UpsertMessage(msg)
			if perr := m.store.PutMessage(ctx, msg); perr != nil {
				m.cacheFail("persist failed message", perr)
			}
			out = &msg
			return fmt.Errorf("cannot send message: %w", err)
		}

		msg.Status = MessageSent
		msg.ServerMessageID = created.ID
		if created.Content != "" {
			msg.Content = created.Content
		}
		if len(created.Metadata) > 0 {
			msg.Metadata = created.Metadata
		}
		if !created.CreatedAt.IsZero() {
			msg.CreatedAt = created.CreatedAt
		}
		msg.UpdatedAt = time.Now().UTC()
		if !created.UpdatedAt.IsZero() {
			msg.UpdatedAt = created.UpdatedAt
		}
		m.state.UpsertMessage(msg)
		if err := m.store.PutMessage(ctx, msg); err != nil {
			m.cacheFail("persist confirmed message", err)
		}
		out = &msg
		return nil
	})
	return out, err
}

// ============================================================================
// Notification Mutations
// ============================================================================

func (m *SyncManager) mutateNotification(ctx context.Context, op, id string, status NotificationStatus) error {
	return m.run(id, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		before, ok := m.state.Notification(id)
		if !ok {
			return &ConsistencyError{Entity: "notification", ID: id, Reason: "not present in reactive state"}
		}
		m.counters.mutations.Add(1)

		after := before
		after.SetStatus(status, time.Now().UTC())
		cmd := notifCommand{before: before, after: after}
		m.writeNotifSnapshot(ctx, cmd.after)

		patch := NotificationPatch{Status: &status, ReadAt: after.ReadAt}
		updated, err := m.remote.UpdateNotification(ctx, id, patch)
		if err != nil {
			m.counters.rollbacks.Add(1)
			m.counters.remoteFailures.Add(1)
			m.log.Warn().Err(err).Str("op", op).Str("notification", id).Msg("remote update failed, rolling back")
			m.writeNotifSnapshot(ctx, cmd.before)
			return fmt.Errorf("cannot %s: %w", op, err)
		}
		if updated != nil {
			norm := *updated
			if norm.Status != NotificationRead {
				norm.ReadAt = nil
			} else if norm.ReadAt == nil {
				norm.ReadAt = after.ReadAt
			}
			m.writeNotifSnapshot(ctx, norm)
		}
		return nil
	})
}

// MarkNotificationRead marks a notification read optimistically.
func (m *SyncManager) MarkNotificationRead(ctx context.Context, id string) error {
	return m.mutateNotification(ctx, "mark notification read", id, NotificationRead)
}

// ArchiveNotification archives a notification optimistically. Archiving
// clears ReadAt; only the read status carries it.
func (m *SyncManager) ArchiveNotification(ctx context.Context, id string) error {
	return m.mutateNotification(ctx, "archive notification", id, NotificationArchived)
}

// AcceptNotification lands a server-pushed notification. It rides the same
// entity queue as user mutations so a push cannot interleave with an
// in-flight optimistic write on the same id. Fire and forget: realtime
// handlers must not block.
func (m *SyncManager) AcceptNotification(n Notification) {
	m.enqueue(n.ID, func() {
		norm := n
		if norm.Status == "" {
			norm.Status = NotificationDelivered
		}
		if norm.Status != NotificationRead {
			norm.ReadAt = nil
		}
		m.writeNotifSnapshot(context.Background(), norm)
	})
}

// AcceptNotificationUpdate applies a server-pushed partial update. Unknown
// ids trigger a background notification hydration instead of guessing.
func (m *SyncManager) AcceptNotificationUpdate(id string, patch NotificationPatch) {
	m.enqueue(id, func() {
		before, ok := m.state.Notification(id)
		if !ok {
			m.log.Debug().Str("notification", id).Msg("update for unknown notification, rehydrating")
			m.bg.Add(1)
			go func() {
				defer m.bg.Done()
				if err := m.HydrateNotifications(context.Background()); err != nil {
					m.log.Debug().Err(err).Msg("notification rehydration failed")
				}
			}()
			return
		}
		after := before
		patch.Apply(&after, time.Now().UTC())
		m.writeNotifSnapshot(context.Background(), after)
	})
}

// ============================================================================
// Teardown
// ============================================================================

// PurgeLocal wipes the local store and resets the reactive state, for logout.
// Unlike read-path cache errors, a failed wipe is surfaced: leaving another
// account's data on disk is worse than a stale view.
func (m *SyncManager) PurgeLocal(ctx context.Context) error {
	m.state.Reset()
	if err := m.store.Wipe(ctx); err != nil {
		m.counters.cacheFailures.Add(1)
		return fmt.Errorf("cannot purge local data: %w", &CacheError{Op: "wipe", Err: err})
	}
	return nil
}
