package engine

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/backchannel/internal/api"
	"github.com/MarcoPoloResearchLab/backchannel/internal/bus"
	"github.com/MarcoPoloResearchLab/backchannel/internal/chat"
	"github.com/MarcoPoloResearchLab/backchannel/internal/outbox"
	"github.com/MarcoPoloResearchLab/backchannel/internal/store"
	"github.com/MarcoPoloResearchLab/backchannel/internal/transport"
)

var (
	errMissingBackend = errors.New("backend client is required")
	errMissingStore   = errors.New("store is required")
	errMissingBus     = errors.New("dispatcher is required")
	errMissingRoom    = errors.New("room is required")
	errMissingCID     = errors.New("client id is required")
	errEmptyMessage   = errors.New("message text is empty")
)

// Backend is the slice of the API client the session needs.
type Backend interface {
	ChatPoll(ctx context.Context, req api.PollRequest) (api.PollResponse, error)
	SendMessage(ctx context.Context, room, cid string, message chat.Message) error
	DeleteOwn(ctx context.Context, room, id, cid string) (*chat.Directive, error)
}

// Config wires a chat session for one room.
type Config struct {
	Backend     Backend
	Store       *store.Store
	Bus         *bus.Dispatcher
	Room        string
	CID         string
	DisplayName string

	// Notifier, when set, fires on arrival of messages authored by
	// someone else. The session drives its Init/Dispose lifecycle.
	Notifier Notifier

	// OnAdminFlag fires when the backend's admin classification of this
	// client changes.
	OnAdminFlag func(bool)

	// OnUpdate fires after the cached message set changes.
	OnUpdate func()

	Transport transport.Config
	Logger    *zap.Logger
}

// Session is the per-room synchronization engine: it drives the long-poll
// loop, reconciles delivered batches into the durable cache, applies
// moderation directives, queues sends while offline and fans updates out to
// sibling processes through the dispatcher.
type Session struct {
	cfg    Config
	clock  transport.Clock
	poller *transport.Poller
	outbox *outbox.Outbox

	runCtx context.Context

	mu          sync.Mutex
	messages    []chat.Message
	lastApplied chat.Directive
	maxSeen     int64
	lastRead    int64
	admin       bool
	adminSeen   bool
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Bus == nil {
		return nil, errMissingBus
	}
	if cfg.Room == "" {
		return nil, errMissingRoom
	}
	if cfg.CID == "" {
		return nil, errMissingCID
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Transport.Logger == nil {
		cfg.Transport.Logger = cfg.Logger
	}
	if cfg.Transport.Clock == nil {
		cfg.Transport.Clock = transport.SystemClock()
	}

	session := &Session{
		cfg:      cfg,
		clock:    cfg.Transport.Clock,
		messages: cfg.Store.LoadMessages(cfg.Room),
	}
	session.maxSeen = chat.LastTimestamp(session.messages)
	session.lastRead = session.maxSeen

	box, err := outbox.New(outbox.Config{
		Store:  cfg.Store,
		Sender: cfg.Backend,
		Room:   cfg.Room,
		CID:    cfg.CID,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	session.outbox = box

	// Chain the link callback so queued sends flush the moment the link
	// comes back, before the caller's own handler observes the transition.
	callerLink := cfg.Transport.OnLinkState
	cfg.Transport.OnLinkState = func(link transport.LinkState) {
		if link == transport.LinkOnline {
			session.flushOutbox()
		}
		if callerLink != nil {
			callerLink(link)
		}
	}

	poller, err := transport.NewPoller(session.pollOnce, cfg.Transport)
	if err != nil {
		return nil, err
	}
	session.poller = poller
	return session, nil
}

// Run drives the session until ctx is cancelled: the poll loop, the
// notifier lifecycle and the cross-process cache listener.
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx
	if s.cfg.Notifier != nil {
		if err := s.cfg.Notifier.Init(); err != nil {
			s.cfg.Logger.Warn("notifier init failed", zap.Error(err))
		} else {
			defer s.cfg.Notifier.Dispose()
		}
	}

	notices, cleanup := s.cfg.Bus.Subscribe(ctx, store.CacheKey(s.cfg.Room))
	defer cleanup()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case notice := <-notices:
				if notice.Origin != s.cfg.Store.Origin() {
					s.reload()
				}
			}
		}
	}()

	return s.poller.Run(ctx)
}

// Kick aborts the in-flight wait, forcing an immediate re-poll.
func (s *Session) Kick() {
	s.poller.Kick()
}

// LinkOnline reports whether the last completed poll cycle succeeded.
func (s *Session) LinkOnline() bool {
	return s.poller.LinkOnline()
}

// Watermark reports the current poll watermark.
func (s *Session) Watermark() int64 {
	return s.poller.Watermark()
}

// OutboxDepth reports the number of not-yet-confirmed queued messages.
func (s *Session) OutboxDepth() int {
	return s.outbox.Len()
}

// Admin reports the backend's most recent admin classification.
func (s *Session) Admin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admin
}

// Messages returns a snapshot of the cached message set.
func (s *Session) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]chat.Message, len(s.messages))
	copy(snapshot, s.messages)
	return snapshot
}

// Unread counts messages authored by someone else that arrived after the
// last MarkRead call.
func (s *Session) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, message := range s.messages {
		if !message.Mine && message.TS > s.lastRead {
			count++
		}
	}
	return count
}

// MarkRead moves the read watermark past every cached message.
func (s *Session) MarkRead() {
	s.mu.Lock()
	s.lastRead = chat.LastTimestamp(s.messages)
	s.mu.Unlock()
}

// Send delivers a locally authored message. The message is inserted into
// the cache optimistically; when the link is down or the direct send fails
// it queues durably instead and flushes once connectivity returns.
func (s *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errEmptyMessage
	}
	message := chat.Message{
		ID:   uuid.NewString(),
		Name: s.cfg.DisplayName,
		Text: text,
		TS:   s.clock.Now().UnixMilli(),
		Mine: true,
	}

	s.mu.Lock()
	s.messages = chat.Merge(s.messages, []chat.Message{message})
	s.mu.Unlock()
	s.persist()

	if !s.poller.LinkOnline() {
		return s.outbox.Enqueue(message)
	}
	if err := s.cfg.Backend.SendMessage(ctx, s.cfg.Room, s.cfg.CID, message); err != nil {
		s.cfg.Logger.Debug("direct send failed, queueing", zap.Error(err))
		return s.outbox.Enqueue(message)
	}
	s.poller.Kick()
	return nil
}

// DeleteOwn removes one of this client's own messages: optimistically from
// the local cache, then server-side. A failed server call rolls the local
// removal back.
func (s *Session) DeleteOwn(ctx context.Context, id string) error {
	s.mu.Lock()
	previous := make([]chat.Message, len(s.messages))
	copy(previous, s.messages)
	kept := s.messages[:0:0]
	for _, message := range s.messages {
		if message.ID != id {
			kept = append(kept, message)
		}
	}
	s.messages = kept
	s.mu.Unlock()
	s.persist()

	directive, err := s.cfg.Backend.DeleteOwn(ctx, s.cfg.Room, id, s.cfg.CID)
	if err != nil {
		s.mu.Lock()
		s.messages = previous
		s.mu.Unlock()
		s.persist()
		return err
	}
	if directive != nil {
		s.mu.Lock()
		s.messages = chat.ApplyDirective(s.messages, *directive)
		s.lastApplied = *directive
		s.mu.Unlock()
		s.persist()
	}
	s.poller.Kick()
	return nil
}

func (s *Session) pollOnce(ctx context.Context, since int64, timeoutSeconds int) (int64, error) {
	resp, err := s.cfg.Backend.ChatPoll(ctx, api.PollRequest{
		Room:           s.cfg.Room,
		Since:          since,
		TimeoutSeconds: timeoutSeconds,
		CID:            s.cfg.CID,
		Name:           s.cfg.DisplayName,
	})
	if err != nil {
		return 0, err
	}
	return s.applyResponse(resp), nil
}

// applyResponse folds one poll payload into the cache and returns the next
// watermark candidate.
func (s *Session) applyResponse(resp api.PollResponse) int64 {
	next := resp.Now

	s.mu.Lock()
	directiveChanged := false
	if resp.Mod != nil && !resp.Mod.Equal(s.lastApplied) {
		directive := *resp.Mod
		if directive.ClearedBefore > 0 && directive.ClearedBefore != s.lastApplied.ClearedBefore {
			// Authoritative reset: discarding everything and re-reading
			// from the cleared point is cheaper and more certain than
			// filtering the cache.
			s.messages = nil
			s.poller.SetWatermark(directive.ClearedBefore)
			next = directive.ClearedBefore
		}
		s.lastApplied = directive
		directiveChanged = true
	}

	s.messages = chat.Merge(s.messages, resp.Messages)
	s.messages = chat.ApplyDirective(s.messages, s.lastApplied)

	arrived := false
	for _, message := range s.messages {
		if !message.Mine && message.TS > s.maxSeen {
			arrived = true
			break
		}
	}
	s.maxSeen = chat.LastTimestamp(s.messages)

	adminChanged := !s.adminSeen || resp.Admin != s.admin
	s.admin = resp.Admin
	s.adminSeen = true
	s.mu.Unlock()

	if directiveChanged || len(resp.Messages) > 0 {
		s.persist()
	}
	if arrived && s.cfg.Notifier != nil {
		s.cfg.Notifier.Notify()
	}
	if adminChanged && s.cfg.OnAdminFlag != nil {
		s.cfg.OnAdminFlag(resp.Admin)
	}
	return next
}

// reload re-reads the cache after a foreign write. Recipients re-read
// rather than receiving a payload, so the view always matches whatever the
// last writer persisted.
func (s *Session) reload() {
	messages := s.cfg.Store.LoadMessages(s.cfg.Room)
	s.mu.Lock()
	s.messages = messages
	s.mu.Unlock()
	if s.cfg.OnUpdate != nil {
		s.cfg.OnUpdate()
	}
}

// persist saves the cache, notifies dispatcher subscribers and the caller.
func (s *Session) persist() {
	s.mu.Lock()
	snapshot := make([]chat.Message, len(s.messages))
	copy(snapshot, s.messages)
	s.mu.Unlock()

	if err := s.cfg.Store.SaveMessages(s.cfg.Room, snapshot); err != nil {
		s.cfg.Logger.Warn("cache save failed", zap.Error(err))
	}
	s.cfg.Bus.Publish(bus.Notice{Key: store.CacheKey(s.cfg.Room), Origin: s.cfg.Store.Origin()})
	if s.cfg.OnUpdate != nil {
		s.cfg.OnUpdate()
	}
}

func (s *Session) flushOutbox() {
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	before := s.outbox.Len()
	if before == 0 {
		return
	}
	if err := s.outbox.Flush(ctx); err != nil {
		s.cfg.Logger.Debug("outbox flush incomplete", zap.Error(err))
	}
	if s.outbox.Len() < before {
		s.poller.Kick()
	}
}
