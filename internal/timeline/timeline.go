// Package timeline holds one conversation's ordered, deduplicated message
// list and its older-history cursor. It does no I/O and is not safe for
// concurrent use; the engine serializes access.
package timeline

import (
	"sort"
	"time"

	"github.com/pliu/chattysync/internal/models"
)

type entry struct {
	msg models.Message
	// at orders the entry. It is SentAt for server messages and stays the
	// local send time after an optimistic message is confirmed.
	at  time.Time
	seq uint64
	// key is set while the entry is an unconfirmed optimistic send.
	key *models.CorrelationKey
}

func (e *entry) temp() bool { return e.key != nil }

// less orders by time, then confirmed before pending, then id for confirmed
// entries and arrival for pending ones. Server messages therefore land in the
// same place whichever stream delivered them first.
func less(a, b *entry) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	if a.temp() != b.temp() {
		return !a.temp()
	}
	if !a.temp() && a.msg.ID != b.msg.ID {
		return a.msg.ID < b.msg.ID
	}
	return a.seq < b.seq
}

type Timeline struct {
	id      string
	entries []*entry
	// hidden holds entries removed by an in-flight delete; they still take
	// updates so a rollback restores the freshest state.
	hidden     map[string]*entry
	tombstones map[string]struct{}
	cursor     string
	hasMore    bool
	loaded     bool
	seq        uint64
}

func New(conversationID string) *Timeline {
	return &Timeline{
		id:         conversationID,
		hidden:     make(map[string]*entry),
		tombstones: make(map[string]struct{}),
	}
}

func (t *Timeline) ConversationID() string { return t.id }

// Loaded reports whether any history page has been merged.
func (t *Timeline) Loaded() bool { return t.loaded }

func (t *Timeline) Cursor() string { return t.cursor }

func (t *Timeline) HasMore() bool { return t.hasMore }

// Confirmation reports an optimistic send that a server message settled.
type Confirmation struct {
	TempID string
	ID     string
}

// MergeOlder merges a page fetched with the current cursor and adopts the
// page's cursor.
func (t *Timeline) MergeOlder(p models.Page) []Confirmation {
	confirmed := t.mergeItems(p.Items)
	t.cursor = p.NextCursor
	t.hasMore = p.HasMore
	t.loaded = true
	return confirmed
}

// MergeLatest merges the most recent page. The cursor is only taken when the
// timeline was never loaded; a replay after reconnect must not rewind paging.
func (t *Timeline) MergeLatest(p models.Page) []Confirmation {
	confirmed := t.mergeItems(p.Items)
	if !t.loaded {
		t.cursor = p.NextCursor
		t.hasMore = p.HasMore
		t.loaded = true
	}
	return confirmed
}

func (t *Timeline) mergeItems(items []models.Message) []Confirmation {
	var confirmed []Confirmation
	for _, m := range items {
		if !t.accepts(m) {
			continue
		}
		if e, _ := t.find(m.ID); e != nil {
			// already here, possibly in its live form
			continue
		}
		if c, ok := t.confirm(m); ok {
			confirmed = append(confirmed, c)
			continue
		}
		t.insert(m, m.SentAt, nil)
	}
	return confirmed
}

// ApplyLive merges a pushed message. A known id takes the pushed content in
// place; a message matching a pending send's correlation key confirms it.
func (t *Timeline) ApplyLive(m models.Message) (Confirmation, bool) {
	if !t.accepts(m) {
		return Confirmation{}, false
	}
	if e, _ := t.find(m.ID); e != nil {
		pending := e.msg.Pending
		e.msg = m.Clone()
		e.msg.Pending = pending
		return Confirmation{}, false
	}
	if c, ok := t.confirm(m); ok {
		return c, true
	}
	if m.SentAt.IsZero() {
		return Confirmation{}, false
	}
	t.insert(m, m.SentAt, nil)
	return Confirmation{}, false
}

// ApplyUpdate overlays the content fields present in m onto a known message.
func (t *Timeline) ApplyUpdate(m models.Message) bool {
	e, _ := t.find(m.ID)
	if e == nil {
		if m.SentAt.IsZero() {
			return false
		}
		t.ApplyLive(m)
		e, _ = t.find(m.ID)
		return e != nil
	}
	if m.Kind != "" {
		e.msg.Kind = m.Kind
	}
	if m.Body != "" {
		e.msg.Body = m.Body
	}
	if m.Attachments != nil {
		e.msg.Attachments = append([]string(nil), m.Attachments...)
	}
	if m.FileURL != "" {
		e.msg.FileURL = m.FileURL
		e.msg.FileName = m.FileName
	}
	if m.EditedAt != nil {
		at := *m.EditedAt
		e.msg.EditedAt = &at
	}
	if m.Reactions != nil {
		e.msg.Reactions = m.Clone().Reactions
	}
	return true
}

// ApplyReactions replaces a known message's reactions.
func (t *Timeline) ApplyReactions(id string, reactions map[string]models.Reaction) bool {
	e, _ := t.find(id)
	if e == nil {
		return false
	}
	e.msg.Reactions = models.Message{Reactions: reactions}.Clone().Reactions
	return true
}

// InsertPending adds an optimistic send. m.ID is the temporary id and
// m.SentAt the local send time.
func (t *Timeline) InsertPending(m models.Message) {
	m.Pending = true
	key := models.KeyOf(m)
	t.insert(m, m.SentAt, &key)
}

// Settle confirms the optimistic send tempID with the server's copy of it.
// If the server message is already present, or was deleted meanwhile, the
// temporary entry is withdrawn instead.
func (t *Timeline) Settle(tempID string, m models.Message) bool {
	i := t.index(tempID)
	if i < 0 || !t.entries[i].temp() {
		return false
	}
	_, dead := t.tombstones[m.ID]
	if e, _ := t.find(m.ID); e != nil || dead {
		return t.Remove(tempID)
	}
	e := t.entries[i]
	e.msg = m.Clone()
	e.msg.Pending = false
	e.key = nil
	t.resort()
	return true
}

// Get returns a copy of the visible message with id.
func (t *Timeline) Get(id string) (models.Message, bool) {
	i := t.index(id)
	if i < 0 {
		return models.Message{}, false
	}
	return t.entries[i].msg.Clone(), true
}

// IsTemp reports whether id is an unconfirmed optimistic send.
func (t *Timeline) IsTemp(id string) bool {
	i := t.index(id)
	return i >= 0 && t.entries[i].temp()
}

// Replace swaps the content of a visible message without moving it.
func (t *Timeline) Replace(m models.Message) bool {
	i := t.index(m.ID)
	if i < 0 {
		return false
	}
	t.entries[i].msg = m.Clone()
	return true
}

// Remove deletes a visible entry outright. It is used to withdraw a failed
// optimistic send.
func (t *Timeline) Remove(id string) bool {
	i := t.index(id)
	if i < 0 {
		return false
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	return true
}

// Hide takes a message out of view while its delete is in flight.
func (t *Timeline) Hide(id string) bool {
	i := t.index(id)
	if i < 0 {
		return false
	}
	t.hidden[id] = t.entries[i]
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	return true
}

// Unhide puts a hidden message back where it was.
func (t *Timeline) Unhide(id string) bool {
	e, ok := t.hidden[id]
	if !ok {
		return false
	}
	delete(t.hidden, id)
	t.place(e)
	return true
}

// Drop removes id for good, visible or hidden, and keeps later merges from
// bringing it back.
func (t *Timeline) Drop(id string) bool {
	t.tombstones[id] = struct{}{}
	if _, ok := t.hidden[id]; ok {
		delete(t.hidden, id)
		return true
	}
	return t.Remove(id)
}

// Len is the number of visible messages.
func (t *Timeline) Len() int { return len(t.entries) }

// View is a read-only copy of a timeline.
type View struct {
	ConversationID string
	Messages       []models.Message
	Cursor         string
	HasMore        bool
	Loaded         bool
}

func (t *Timeline) View() View {
	v := View{
		ConversationID: t.id,
		Messages:       make([]models.Message, len(t.entries)),
		Cursor:         t.cursor,
		HasMore:        t.hasMore,
		Loaded:         t.loaded,
	}
	for i, e := range t.entries {
		v.Messages[i] = e.msg.Clone()
	}
	return v
}

// IDs lists visible message ids in order.
func (v View) IDs() []string {
	ids := make([]string, len(v.Messages))
	for i, m := range v.Messages {
		ids[i] = m.ID
	}
	return ids
}

func (t *Timeline) accepts(m models.Message) bool {
	if m.ID == "" {
		return false
	}
	if m.ConversationID != "" && m.ConversationID != t.id {
		return false
	}
	_, dead := t.tombstones[m.ID]
	return !dead
}

// confirm settles the pending send whose correlation key matches m. The
// entry keeps its position and takes the server id and content.
func (t *Timeline) confirm(m models.Message) (Confirmation, bool) {
	if m.Nonce == "" {
		return Confirmation{}, false
	}
	key := models.KeyOf(m)
	for _, e := range t.entries {
		if e.key == nil || *e.key != key {
			continue
		}
		c := Confirmation{TempID: e.msg.ID, ID: m.ID}
		e.msg = m.Clone()
		e.msg.Pending = false
		e.key = nil
		t.resort()
		return c, true
	}
	return Confirmation{}, false
}

func (t *Timeline) insert(m models.Message, at time.Time, key *models.CorrelationKey) {
	t.seq++
	msg := m.Clone()
	if key == nil {
		msg.Pending = false
	}
	t.place(&entry{msg: msg, at: at, seq: t.seq, key: key})
}

func (t *Timeline) place(e *entry) {
	i := sort.Search(len(t.entries), func(i int) bool { return less(e, t.entries[i]) })
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
}

// resort restores order after a confirmed entry changed its tie-break class.
func (t *Timeline) resort() {
	sort.SliceStable(t.entries, func(i, j int) bool { return less(t.entries[i], t.entries[j]) })
}

func (t *Timeline) index(id string) int {
	for i, e := range t.entries {
		if e.msg.ID == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) find(id string) (*entry, bool) {
	if i := t.index(id); i >= 0 {
		return t.entries[i], false
	}
	if e, ok := t.hidden[id]; ok {
		return e, true
	}
	return nil, false
}
