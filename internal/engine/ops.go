package engine

import (
	"context"
	"strings"

	"github.com/pliu/chattysync/internal/api"
	"github.com/pliu/chattysync/internal/models"
	"github.com/pliu/chattysync/internal/timeline"
)

// Operation is the handle for one optimistic mutation. The timeline already
// shows the mutation when the handle is returned; Wait reports whether the
// server accepted it.
type Operation struct {
	ID             string
	Kind           models.OpKind
	ConversationID string
	// MessageID is the temporary id for sends.
	MessageID string

	done   chan struct{}
	err    error
	result *models.Message
}

func (o *Operation) Done() <-chan struct{} { return o.done }

// Err is valid once Done is closed.
func (o *Operation) Err() error { return o.err }

// Message is the server's copy for sends and edits, once Done is closed.
func (o *Operation) Message() *models.Message { return o.result }

func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type opState struct {
	pending models.PendingOperation
	handle  *Operation
	tl      *timeline.Timeline
	// applied is what the mutation wrote, compared on rollback so a newer
	// server value is not overwritten.
	applied models.Message
	// settled is set when a pushed message confirmed a send first.
	settled *models.Message
}

// SendOptimistic shows body at the end of the timeline as a pending message
// and sends it.
func (e *Engine) SendOptimistic(ctx context.Context, conversationID, body string) (*Operation, error) {
	if strings.TrimSpace(body) == "" {
		return nil, localError("send", ErrEmptyMessage)
	}

	e.mu.Lock()
	self := e.selfID()
	if self == "" {
		e.mu.Unlock()
		return nil, ErrNotAuthenticated
	}
	tl := e.timelineLocked(conversationID)
	m := models.Message{
		ID:             "tmp-" + e.newID(),
		ConversationID: conversationID,
		AuthorID:       self,
		Kind:           models.KindText,
		Body:           body,
		SentAt:         e.now(),
		Nonce:          e.newID(),
	}
	tl.InsertPending(m)
	st := e.trackLocked(tl, models.PendingOperation{
		Kind:           models.OpSend,
		ConversationID: conversationID,
		MessageID:      m.ID,
		Key:            models.KeyOf(m),
	}, m)
	e.sends[m.ID] = st
	e.mu.Unlock()

	e.emit(Change{Kind: TimelineChanged, ConversationID: conversationID})

	req := api.SendMessageRequest{
		ChannelID:   conversationID,
		MessageType: m.Kind,
		TextContent: body,
		Nonce:       m.Nonce,
	}
	go e.finishSend(context.WithoutCancel(ctx), st, req)
	return st.handle, nil
}

func (e *Engine) finishSend(ctx context.Context, st *opState, req api.SendMessageRequest) {
	resp, err := e.api.SendMessage(ctx, req)
	temp := st.pending.MessageID

	e.mu.Lock()
	if st.settled != nil {
		// the push confirmed it first
		e.mu.Unlock()
		e.resolve(st, st.settled, nil)
		return
	}
	live := e.untrackLocked(st)
	delete(e.sends, temp)
	if err != nil {
		if live {
			st.tl.Remove(temp)
		}
		e.mu.Unlock()
		e.rolledBack(st, err)
		return
	}

	confirmed := resp.Clone()
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = st.applied.ConversationID
	}
	if confirmed.AuthorID == "" {
		confirmed.AuthorID = st.applied.AuthorID
	}
	if confirmed.Nonce == "" {
		confirmed.Nonce = st.applied.Nonce
	}
	if confirmed.SentAt.IsZero() {
		confirmed.SentAt = st.applied.SentAt
	}
	if live {
		st.tl.Settle(temp, confirmed)
	}
	e.mu.Unlock()

	e.emit(Change{Kind: TimelineChanged, ConversationID: st.pending.ConversationID})
	e.resolve(st, &confirmed, nil)
}

// EditOptimistic shows the new body at once and marks the message pending
// until the server answers.
func (e *Engine) EditOptimistic(ctx context.Context, conversationID, messageID, body string) (*Operation, error) {
	if strings.TrimSpace(body) == "" {
		return nil, localError("edit", ErrEmptyMessage)
	}

	e.mu.Lock()
	tl, orig, err := e.targetLocked(conversationID, messageID, "edit")
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	edited := orig.Clone()
	edited.Body = body
	now := e.now()
	edited.EditedAt = &now
	edited.Pending = true
	tl.Replace(edited)
	st := e.trackLocked(tl, models.PendingOperation{
		Kind:           models.OpEdit,
		ConversationID: conversationID,
		MessageID:      messageID,
		Original:       &orig,
	}, edited)
	e.busy[messageID] = st
	e.mu.Unlock()

	e.emit(Change{Kind: TimelineChanged, ConversationID: conversationID})
	go e.finishEdit(context.WithoutCancel(ctx), st, body)
	return st.handle, nil
}

func (e *Engine) finishEdit(ctx context.Context, st *opState, body string) {
	resp, err := e.api.EditMessage(ctx, st.pending.MessageID, body)
	id := st.pending.MessageID

	e.mu.Lock()
	live := e.untrackLocked(st)
	delete(e.busy, id)
	cur, found := st.tl.Get(id)
	if !live || !found {
		e.mu.Unlock()
		e.resolve(st, resp, err)
		return
	}
	orig := st.pending.Original
	if err != nil {
		if cur.Body == st.applied.Body {
			cur.Body = orig.Body
			cur.EditedAt = orig.Clone().EditedAt
		}
		cur.Pending = orig.Pending
		st.tl.Replace(cur)
		e.mu.Unlock()
		e.rolledBack(st, err)
		return
	}
	if resp != nil {
		if resp.Body != "" {
			cur.Body = resp.Body
		}
		if resp.EditedAt != nil {
			cur.EditedAt = resp.Clone().EditedAt
		}
	}
	cur.Pending = false
	st.tl.Replace(cur)
	e.mu.Unlock()

	e.emit(Change{Kind: TimelineChanged, ConversationID: st.pending.ConversationID})
	e.resolve(st, resp, nil)
}

// DeleteOptimistic hides the message at once and drops it for good when the
// server agrees.
func (e *Engine) DeleteOptimistic(ctx context.Context, conversationID, messageID string) (*Operation, error) {
	e.mu.Lock()
	tl, orig, err := e.targetLocked(conversationID, messageID, "delete")
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	tl.Hide(messageID)
	st := e.trackLocked(tl, models.PendingOperation{
		Kind:           models.OpDelete,
		ConversationID: conversationID,
		MessageID:      messageID,
		Original:       &orig,
	}, orig)
	e.busy[messageID] = st
	e.mu.Unlock()

	e.emit(Change{Kind: TimelineChanged, ConversationID: conversationID})
	go e.finishDelete(context.WithoutCancel(ctx), st)
	return st.handle, nil
}

func (e *Engine) finishDelete(ctx context.Context, st *opState) {
	err := e.api.DeleteMessage(ctx, st.pending.MessageID)
	id := st.pending.MessageID

	e.mu.Lock()
	live := e.untrackLocked(st)
	delete(e.busy, id)
	if !live {
		e.mu.Unlock()
		e.resolve(st, nil, err)
		return
	}
	if err != nil {
		st.tl.Unhide(id)
		e.mu.Unlock()
		e.rolledBack(st, err)
		return
	}
	st.tl.Drop(id)
	e.mu.Unlock()
	e.resolve(st, nil, nil)
}

// ReactOptimistic toggles the user's emoji reaction on a message.
func (e *Engine) ReactOptimistic(ctx context.Context, conversationID, messageID, emoji string) (*Operation, error) {
	if emoji == "" {
		return nil, localError("react", ErrEmptyMessage)
	}

	e.mu.Lock()
	self := e.selfID()
	if self == "" {
		e.mu.Unlock()
		return nil, ErrNotAuthenticated
	}
	tl := e.timelines[conversationID]
	if tl == nil {
		e.mu.Unlock()
		return nil, localError("react", ErrUnknownMessage)
	}
	orig, ok := tl.Get(messageID)
	if !ok {
		e.mu.Unlock()
		return nil, localError("react", ErrUnknownMessage)
	}
	if tl.IsTemp(messageID) {
		e.mu.Unlock()
		return nil, localError("react", ErrMessageBusy)
	}
	reacted := orig.Clone()
	reacted.ToggleReaction(self, emoji)
	tl.Replace(reacted)
	st := e.trackLocked(tl, models.PendingOperation{
		Kind:           models.OpReact,
		ConversationID: conversationID,
		MessageID:      messageID,
		Original:       &orig,
		Emoji:          emoji,
	}, reacted)
	e.mu.Unlock()

	e.emit(Change{Kind: TimelineChanged, ConversationID: conversationID})
	go e.finishReact(context.WithoutCancel(ctx), st)
	return st.handle, nil
}

func (e *Engine) finishReact(ctx context.Context, st *opState) {
	err := e.api.ToggleReaction(ctx, st.pending.MessageID, st.pending.Emoji)

	e.mu.Lock()
	live := e.untrackLocked(st)
	if err == nil || !live {
		e.mu.Unlock()
		e.resolve(st, nil, err)
		return
	}
	emoji := st.pending.Emoji
	if cur, ok := st.tl.Get(st.pending.MessageID); ok && sameReaction(cur, st.applied, emoji) {
		restoreReaction(&cur, *st.pending.Original, emoji)
		st.tl.Replace(cur)
	}
	e.mu.Unlock()
	e.rolledBack(st, err)
}

// targetLocked finds a confirmed message that can take an edit or delete.
func (e *Engine) targetLocked(conversationID, messageID, op string) (*timeline.Timeline, models.Message, error) {
	tl := e.timelines[conversationID]
	if tl == nil {
		return nil, models.Message{}, localError(op, ErrUnknownMessage)
	}
	m, ok := tl.Get(messageID)
	if !ok {
		return nil, models.Message{}, localError(op, ErrUnknownMessage)
	}
	if tl.IsTemp(messageID) || e.busy[messageID] != nil {
		return nil, models.Message{}, localError(op, ErrMessageBusy)
	}
	return tl, m, nil
}

func (e *Engine) trackLocked(tl *timeline.Timeline, p models.PendingOperation, applied models.Message) *opState {
	p.ID = e.newID()
	st := &opState{
		pending: p,
		tl:      tl,
		applied: applied.Clone(),
		handle: &Operation{
			ID:             p.ID,
			Kind:           p.Kind,
			ConversationID: p.ConversationID,
			MessageID:      p.MessageID,
			done:           make(chan struct{}),
		},
	}
	e.ops[p.ID] = st
	e.setPendingGaugeLocked()
	return st
}

// untrackLocked forgets st and reports whether its timeline is still the
// live one, i.e. not cleared by logout or ClearConversation.
func (e *Engine) untrackLocked(st *opState) bool {
	_, tracked := e.ops[st.pending.ID]
	delete(e.ops, st.pending.ID)
	e.setPendingGaugeLocked()
	return tracked && e.timelines[st.pending.ConversationID] == st.tl
}

// settleSendsLocked discards the pending sends that a server message
// confirmed in the timeline.
func (e *Engine) settleSendsLocked(confirmed []timeline.Confirmation) {
	for _, c := range confirmed {
		st := e.sends[c.TempID]
		if st == nil {
			continue
		}
		delete(e.sends, c.TempID)
		delete(e.ops, st.pending.ID)
		if m, ok := st.tl.Get(c.ID); ok {
			st.settled = &m
		} else {
			st.settled = &models.Message{ID: c.ID}
		}
		e.logger.Debug("send_confirmed", "temp_id", c.TempID, "id", c.ID)
	}
	e.setPendingGaugeLocked()
}

func (e *Engine) rolledBack(st *opState, err error) {
	if e.metrics != nil {
		e.metrics.Rollbacks.WithLabelValues(string(st.pending.Kind)).Inc()
	}
	e.logger.Info("optimistic_rollback", "kind", st.pending.Kind, "conversation", st.pending.ConversationID,
		"message", st.pending.MessageID, "error", err)
	e.emit(Change{Kind: TimelineChanged, ConversationID: st.pending.ConversationID})
	e.emit(Change{Kind: OperationFailed, ConversationID: st.pending.ConversationID, Operation: st.handle, Err: err})
	e.resolve(st, nil, err)
}

func (e *Engine) resolve(st *opState, m *models.Message, err error) {
	st.handle.result = m
	st.handle.err = err
	close(st.handle.done)
}

func (e *Engine) setPendingGaugeLocked() {
	if e.metrics != nil {
		e.metrics.PendingOps.Set(float64(len(e.ops)))
	}
}

func sameReaction(a, b models.Message, emoji string) bool {
	ra, oka := a.Reactions[emoji]
	rb, okb := b.Reactions[emoji]
	if oka != okb {
		return false
	}
	return ra.Count == rb.Count && ra.SelfReacted == rb.SelfReacted
}

func restoreReaction(m *models.Message, orig models.Message, emoji string) {
	r, ok := orig.Reactions[emoji]
	if !ok {
		delete(m.Reactions, emoji)
		if len(m.Reactions) == 0 {
			m.Reactions = nil
		}
		return
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]models.Reaction)
	}
	r.ReactorIDs = append([]string(nil), r.ReactorIDs...)
	m.Reactions[emoji] = r
}
