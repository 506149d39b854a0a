// Package engine keeps one consistent timeline per conversation from history
// pages fetched over REST and events pushed over the transport, and applies
// the user's own mutations optimistically with rollback.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pliu/chattysync/internal/api"
	"github.com/pliu/chattysync/internal/metrics"
	"github.com/pliu/chattysync/internal/models"
	"github.com/pliu/chattysync/internal/syncerr"
	"github.com/pliu/chattysync/internal/timeline"
	"github.com/pliu/chattysync/internal/ws"
)

const defaultPageSize = 50

var (
	// ErrSuperseded is returned by a history fetch whose result was discarded
	// because the active conversation changed while it was in flight.
	ErrSuperseded = errors.New("superseded by conversation switch")
	// ErrNotAuthenticated means there is no credential to act as.
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrUnknownMessage   = errors.New("unknown message")
	// ErrMessageBusy refuses a mutation on a message that is unconfirmed or
	// already has an edit or delete in flight.
	ErrMessageBusy = errors.New("message has a mutation in flight")
	ErrEmptyMessage = errors.New("empty message")
)

// MessageAPI is the message collaborator the engine calls through the
// gateway.
type MessageAPI interface {
	FetchHistory(ctx context.Context, conversationID, cursor string, limit int) (*models.Page, error)
	SendMessage(ctx context.Context, req api.SendMessageRequest) (*models.Message, error)
	EditMessage(ctx context.Context, messageID, body string) (*models.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	ToggleReaction(ctx context.Context, messageID, emoji string) error
}

// Transport is the live channel. *ws.Channel implements it.
type Transport interface {
	Open(conversationID string)
	Close()
	Status() ws.Status
	Subscribe(fn func(ws.Event)) func()
	OnStatus(fn func(ws.Status)) func()
	SendTyping(conversationID string, isTyping bool) error
}

// Identity supplies the signed-in user. *auth.CredentialStore implements it.
type Identity interface {
	Get() *models.Credential
}

// Session ends the authenticated session with the backend.
type Session interface {
	Logout(ctx context.Context) error
}

// TerminalSource reports forced logouts. *gateway.Gateway implements it.
type TerminalSource interface {
	OnTerminal(fn func(error)) func()
}

type Options struct {
	API       MessageAPI
	Transport Transport
	Identity  Identity
	Session   Session
	Terminal  TerminalSource
	PageSize  int
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	// Now and NewID are replaced in tests.
	Now   func() time.Time
	NewID func() string
}

type ChangeKind string

const (
	TimelineChanged ChangeKind = "timeline"
	StatusChanged   ChangeKind = "status"
	TypingChanged   ChangeKind = "typing"
	OperationFailed ChangeKind = "operation_failed"
	AuthTerminated  ChangeKind = "auth_terminated"
)

// Change tells the presentation layer what to re-read.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	Status         *ws.Status
	Typing         *ws.Typing
	Operation      *Operation
	Err            error
}

type Engine struct {
	api       MessageAPI
	transport Transport
	identity  Identity
	session   Session
	pageSize  int
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	newID     func() string

	mu        sync.Mutex
	timelines map[string]*timeline.Timeline
	active    string
	// switchCtx is cancelled when the active conversation changes, which
	// abandons history fetches started for the previous one.
	switchCtx    context.Context
	switchCancel context.CancelFunc
	switchGen    uint64
	loadingOlder map[string]bool
	ops          map[string]*opState
	sends        map[string]*opState
	busy         map[string]*opState

	listenMu  sync.Mutex
	nextID    int
	listeners map[int]func(Change)
	terminal  map[int]func(error)

	unsubscribe []func()
}

func New(opts Options) *Engine {
	e := &Engine{
		api:          opts.API,
		transport:    opts.Transport,
		identity:     opts.Identity,
		session:      opts.Session,
		pageSize:     opts.PageSize,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
		newID:        opts.NewID,
		timelines:    make(map[string]*timeline.Timeline),
		loadingOlder: make(map[string]bool),
		ops:          make(map[string]*opState),
		sends:        make(map[string]*opState),
		busy:         make(map[string]*opState),
		listeners:    make(map[int]func(Change)),
		terminal:     make(map[int]func(error)),
	}
	if e.pageSize <= 0 {
		e.pageSize = defaultPageSize
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	e.switchCtx, e.switchCancel = context.WithCancel(context.Background())

	e.unsubscribe = append(e.unsubscribe,
		e.transport.Subscribe(e.handleEvent),
		e.transport.OnStatus(e.handleStatus),
	)
	if opts.Terminal != nil {
		e.unsubscribe = append(e.unsubscribe, opts.Terminal.OnTerminal(e.handleAuthTerminal))
	}
	return e
}

// OpenConversation makes id the active conversation, opens the transport for
// it and merges the most recent history page. A fetch failure leaves the
// timeline as it was; the caller decides whether to retry.
func (e *Engine) OpenConversation(ctx context.Context, id string) error {
	e.mu.Lock()
	if e.active != id {
		e.switchLocked(id)
	}
	e.timelineLocked(id)
	gen := e.switchGen
	fctx, cancel := e.fetchContextLocked(ctx)
	e.mu.Unlock()
	defer cancel()

	e.transport.Open(id)
	return e.fetchLatest(fctx, id, gen)
}

// LoadOlder merges the page before the timeline's cursor. It is a no-op when
// there is no older history or a load for id is already running.
func (e *Engine) LoadOlder(ctx context.Context, id string) error {
	e.mu.Lock()
	tl := e.timelines[id]
	if tl == nil || !tl.Loaded() {
		e.mu.Unlock()
		return e.OpenConversation(ctx, id)
	}
	if !tl.HasMore() || e.loadingOlder[id] {
		e.mu.Unlock()
		return nil
	}
	e.loadingOlder[id] = true
	cursor := tl.Cursor()
	gen := e.switchGen
	tracked := id == e.active
	fctx, cancel := ctx, context.CancelFunc(func() {})
	if tracked {
		fctx, cancel = e.fetchContextLocked(ctx)
	}
	e.mu.Unlock()
	defer cancel()

	page, err := e.api.FetchHistory(fctx, id, cursor, e.pageSize)

	e.mu.Lock()
	delete(e.loadingOlder, id)
	if e.timelines[id] != tl || (tracked && gen != e.switchGen) {
		e.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn("history_fetch_failed", "conversation", id, "cursor", cursor, "error", err)
		return err
	}
	confirmed := tl.MergeOlder(*page)
	e.settleSendsLocked(confirmed)
	e.mu.Unlock()

	e.logger.Debug("history_merged", "conversation", id, "items", len(page.Items), "has_more", page.HasMore)
	e.emit(Change{Kind: TimelineChanged, ConversationID: id})
	return nil
}

func (e *Engine) fetchLatest(ctx context.Context, id string, gen uint64) error {
	page, err := e.api.FetchHistory(ctx, id, "", e.pageSize)

	e.mu.Lock()
	tl := e.timelines[id]
	if gen != e.switchGen || tl == nil {
		e.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn("history_fetch_failed", "conversation", id, "error", err)
		return err
	}
	confirmed := tl.MergeLatest(*page)
	e.settleSendsLocked(confirmed)
	e.mu.Unlock()

	e.logger.Debug("history_merged", "conversation", id, "items", len(page.Items), "latest", true)
	e.emit(Change{Kind: TimelineChanged, ConversationID: id})
	return nil
}

// Timeline returns a copy of the conversation's current state.
func (e *Engine) Timeline(id string) timeline.View {
	e.mu.Lock()
	defer e.mu.Unlock()
	tl := e.timelines[id]
	if tl == nil {
		return timeline.View{ConversationID: id}
	}
	return tl.View()
}

func (e *Engine) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) Status() ws.Status {
	return e.transport.Status()
}

// SendTyping reports the user's typing state to the other members of id. It
// fails with ws.ErrNotOpen unless id is the active, connected conversation.
func (e *Engine) SendTyping(id string, isTyping bool) error {
	if e.Active() != id {
		return ws.ErrNotOpen
	}
	return e.transport.SendTyping(id, isTyping)
}

// Subscribe registers fn for every change. The returned func unregisters it.
func (e *Engine) Subscribe(fn func(Change)) func() {
	e.listenMu.Lock()
	defer e.listenMu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	return func() {
		e.listenMu.Lock()
		delete(e.listeners, id)
		e.listenMu.Unlock()
	}
}

// OnAuthTerminal registers fn to run once the session is force-ended, after
// the engine has torn down its own state.
func (e *Engine) OnAuthTerminal(fn func(error)) func() {
	e.listenMu.Lock()
	defer e.listenMu.Unlock()
	id := e.nextID
	e.nextID++
	e.terminal[id] = fn
	return func() {
		e.listenMu.Lock()
		delete(e.terminal, id)
		e.listenMu.Unlock()
	}
}

// ClearConversation drops the cached timeline for id. Mutations still in
// flight for it finish without touching the new timeline.
func (e *Engine) ClearConversation(id string) {
	e.mu.Lock()
	delete(e.timelines, id)
	wasActive := e.active == id
	if wasActive {
		e.switchLocked("")
	}
	e.mu.Unlock()

	if wasActive {
		e.transport.Close()
	}
	e.emit(Change{Kind: TimelineChanged, ConversationID: id})
}

// Logout tears down every timeline and the transport, then ends the session
// with the backend. Local state is cleared even if the call fails.
func (e *Engine) Logout(ctx context.Context) error {
	e.reset()
	if e.session == nil {
		return nil
	}
	return e.session.Logout(ctx)
}

// Close detaches from the transport and stops it.
func (e *Engine) Close() {
	for _, fn := range e.unsubscribe {
		fn()
	}
	e.unsubscribe = nil
	e.transport.Close()
	e.mu.Lock()
	e.switchCancel()
	e.mu.Unlock()
}

func (e *Engine) reset() {
	e.transport.Close()
	e.mu.Lock()
	e.switchLocked("")
	e.timelines = make(map[string]*timeline.Timeline)
	e.loadingOlder = make(map[string]bool)
	e.ops = make(map[string]*opState)
	e.sends = make(map[string]*opState)
	e.busy = make(map[string]*opState)
	e.setPendingGaugeLocked()
	e.mu.Unlock()
}

func (e *Engine) handleAuthTerminal(err error) {
	e.logger.Warn("auth_terminal", "error", err)
	e.reset()
	e.emit(Change{Kind: AuthTerminated, Err: err})

	e.listenMu.Lock()
	ids := make([]int, 0, len(e.terminal))
	for id := range e.terminal {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(error), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.terminal[id])
	}
	e.listenMu.Unlock()
	for _, fn := range fns {
		e.safely(func() { fn(err) })
	}
}

func (e *Engine) handleEvent(ev ws.Event) {
	if ev.Type == ws.EventTyping {
		e.emit(Change{Kind: TypingChanged, ConversationID: ev.ConversationID, Typing: ev.Typing})
		return
	}

	e.mu.Lock()
	conv := ev.ConversationID
	if conv == "" {
		conv = e.active
	}
	tl := e.timelines[conv]
	if tl == nil {
		e.mu.Unlock()
		return
	}
	self := e.selfID()
	changed := false
	switch ev.Type {
	case ws.EventMessage:
		m := ev.Message.Clone()
		m.MarkSelf(self)
		if c, ok := tl.ApplyLive(m); ok {
			e.settleSendsLocked([]timeline.Confirmation{c})
		}
		changed = true
	case ws.EventMessageUpdated:
		m := ev.Message.Clone()
		m.MarkSelf(self)
		changed = tl.ApplyUpdate(m)
	case ws.EventReaction:
		m := ev.Message.Clone()
		m.MarkSelf(self)
		changed = tl.ApplyReactions(m.ID, m.Reactions)
	case ws.EventMessageDeleted:
		changed = tl.Drop(ev.MessageID)
	}
	e.mu.Unlock()

	if changed {
		e.emit(Change{Kind: TimelineChanged, ConversationID: conv})
	}
}

// handleStatus forwards transport status and, when the connection comes back
// after a loss, refetches the latest page to close the gap.
func (e *Engine) handleStatus(st ws.Status) {
	e.emit(Change{Kind: StatusChanged, ConversationID: st.ConversationID, Status: &st})
	if st.State != ws.Open || !st.Reconnected {
		return
	}

	e.mu.Lock()
	if e.active != st.ConversationID || e.timelines[st.ConversationID] == nil {
		e.mu.Unlock()
		return
	}
	gen := e.switchGen
	fctx, cancel := e.fetchContextLocked(context.Background())
	e.mu.Unlock()

	go func() {
		defer cancel()
		e.logger.Info("reconnect_replay", "conversation", st.ConversationID)
		if err := e.fetchLatest(fctx, st.ConversationID, gen); err != nil && !errors.Is(err, ErrSuperseded) {
			e.logger.Warn("reconnect_replay_failed", "conversation", st.ConversationID, "error", err)
		}
	}()
}

func (e *Engine) switchLocked(id string) {
	e.switchCancel()
	e.switchCtx, e.switchCancel = context.WithCancel(context.Background())
	e.switchGen++
	e.active = id
}

// fetchContextLocked derives a context that is also cancelled by the next
// conversation switch.
func (e *Engine) fetchContextLocked(ctx context.Context) (context.Context, context.CancelFunc) {
	fctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.switchCtx, cancel)
	return fctx, func() {
		stop()
		cancel()
	}
}

func (e *Engine) timelineLocked(id string) *timeline.Timeline {
	tl := e.timelines[id]
	if tl == nil {
		tl = timeline.New(id)
		e.timelines[id] = tl
	}
	return tl
}

func (e *Engine) selfID() string {
	if e.identity == nil {
		return ""
	}
	if c := e.identity.Get(); c != nil {
		return c.UserID
	}
	return ""
}

func (e *Engine) emit(c Change) {
	e.listenMu.Lock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.listeners[id])
	}
	e.listenMu.Unlock()

	for _, fn := range fns {
		e.safely(func() { fn(c) })
	}
}

func (e *Engine) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("listener_panic", "panic", r)
		}
	}()
	fn()
}

func localError(op string, err error) error {
	return syncerr.New(syncerr.ErrValidationRejected, op, err)
}
