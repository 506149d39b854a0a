package models

import (
	"encoding/hex"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Kind is the content class of a message as the message service reports it.
type Kind string

const (
	KindText  Kind = "TEXT"
	KindImage Kind = "IMAGE"
	KindFile  Kind = "FILE"
	KindMixed Kind = "MIXED"
)

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile, KindMixed:
		return true
	}
	return false
}

type Reaction struct {
	Count       int      `json:"count"`
	ReactorIDs  []string `json:"userIds,omitempty"`
	SelfReacted bool     `json:"selfReacted,omitempty"`
}

type Message struct {
	ID             string              `json:"messageId"`
	ConversationID string              `json:"channelId"`
	AuthorID       string              `json:"userId"`
	Kind           Kind                `json:"messageType"`
	Body           string              `json:"textContent,omitempty"`
	Attachments    []string            `json:"imageUrls,omitempty"`
	FileURL        string              `json:"fileUrl,omitempty"`
	FileName       string              `json:"fileName,omitempty"`
	SentAt         time.Time           `json:"sentAt"`
	EditedAt       *time.Time          `json:"editedAt,omitempty"`
	Reactions      map[string]Reaction `json:"reactions,omitempty"`
	Nonce          string              `json:"nonce,omitempty"`

	// Pending is set on entries the server has not confirmed yet.
	Pending bool `json:"-"`
}

// Clone returns a deep copy so snapshots never alias timeline state.
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = append([]string(nil), m.Attachments...)
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string]Reaction, len(m.Reactions))
		for emoji, r := range m.Reactions {
			r.ReactorIDs = append([]string(nil), r.ReactorIDs...)
			out.Reactions[emoji] = r
		}
	}
	return out
}

// MarkSelf recomputes SelfReacted for every reaction from the reactor list.
func (m *Message) MarkSelf(selfID string) {
	for emoji, r := range m.Reactions {
		r.SelfReacted = false
		for _, id := range r.ReactorIDs {
			if id == selfID {
				r.SelfReacted = true
				break
			}
		}
		m.Reactions[emoji] = r
	}
}

// ToggleReaction flips selfID's reaction with emoji, the way the server does
// for POST /reactions.
func (m *Message) ToggleReaction(selfID, emoji string) {
	if m.Reactions == nil {
		m.Reactions = make(map[string]Reaction)
	}
	r := m.Reactions[emoji]
	idx := -1
	for i, id := range r.ReactorIDs {
		if id == selfID {
			idx = i
			break
		}
	}
	if idx >= 0 {
		r.ReactorIDs = append(append([]string(nil), r.ReactorIDs[:idx]...), r.ReactorIDs[idx+1:]...)
		r.Count--
		r.SelfReacted = false
	} else {
		r.ReactorIDs = append(append([]string(nil), r.ReactorIDs...), selfID)
		sort.Strings(r.ReactorIDs)
		r.Count++
		r.SelfReacted = true
	}
	if r.Count <= 0 {
		delete(m.Reactions, emoji)
		if len(m.Reactions) == 0 {
			m.Reactions = nil
		}
		return
	}
	m.Reactions[emoji] = r
}

// Fingerprint hashes the user-visible content of a message.
func (m Message) Fingerprint() string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(m.Kind))
	h.Write([]byte{0})
	h.Write([]byte(m.Body))
	for _, a := range m.Attachments {
		h.Write([]byte{0})
		h.Write([]byte(a))
	}
	h.Write([]byte{0})
	h.Write([]byte(m.FileURL))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// CorrelationKey identifies "my own optimistic message" when the server echoes
// it back. The temporary id never leaves the client, so it is not part of it.
type CorrelationKey struct {
	AuthorID       string
	ConversationID string
	Fingerprint    string
	Nonce          string
}

func KeyOf(m Message) CorrelationKey {
	return CorrelationKey{
		AuthorID:       m.AuthorID,
		ConversationID: m.ConversationID,
		Fingerprint:    m.Fingerprint(),
		Nonce:          m.Nonce,
	}
}

type Credential struct {
	Token        string     `cbor:"1,keyasint" json:"accessToken"`
	RefreshToken string     `cbor:"2,keyasint,omitempty" json:"refreshToken,omitempty"`
	UserID       string     `cbor:"3,keyasint,omitempty" json:"userId,omitempty"`
	ExpiresAt    *time.Time `cbor:"4,keyasint,omitempty" json:"expiresAt,omitempty"`
}

// Expired reports whether now is at or past the expiry. A credential without
// an expiry never expires locally; the server decides.
func (c *Credential) Expired(now time.Time) bool {
	if c == nil || c.Token == "" {
		return true
	}
	if c.ExpiresAt == nil {
		return false
	}
	return !now.Before(*c.ExpiresAt)
}

// Page is one cursor-paginated slice of older history.
type Page struct {
	Items      []Message `json:"content"`
	NextCursor string    `json:"nextCursor"`
	HasMore    bool      `json:"hasNext"`
	PageSize   int       `json:"pageSize,omitempty"`
}

type OpKind string

const (
	OpSend   OpKind = "send"
	OpEdit   OpKind = "edit"
	OpDelete OpKind = "delete"
	OpReact  OpKind = "react"
)

// PendingOperation records what an optimistic mutation changed so it can be
// undone if the server rejects it.
type PendingOperation struct {
	ID             string
	Kind           OpKind
	ConversationID string
	// MessageID is the temporary id for sends, the target id otherwise.
	MessageID string
	// Original is the target message before the mutation; nil for sends.
	Original *Message
	Key      CorrelationKey
	Emoji    string
}
