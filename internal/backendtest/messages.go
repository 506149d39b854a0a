package backendtest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pliu/chattysync/internal/models"
)

type historyPage struct {
	Content    []models.Message `json:"content"`
	NextCursor string           `json:"nextCursor,omitempty"`
	HasNext    bool             `json:"hasNext"`
	PageSize   int              `json:"pageSize"`
}

// history returns up to limit messages older than the cursor, oldest first.
// The cursor is the id of the oldest message of the previous page.
func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channelID := q.Get("channelId")
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "channelId required")
		return
	}
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[channelID]
	end := len(all)
	if cursor := q.Get("cursor"); cursor != "" {
		end = -1
		for i, m := range all {
			if m.ID == cursor {
				end = i
				break
			}
		}
		if end < 0 {
			writeError(w, http.StatusBadRequest, "BAD_CURSOR", "unknown cursor")
			return
		}
	}
	start := max(end-limit, 0)

	page := historyPage{Content: make([]models.Message, 0, end-start), PageSize: limit}
	for _, m := range all[start:end] {
		page.Content = append(page.Content, m.Clone())
	}
	if start > 0 {
		page.HasNext = true
		page.NextCursor = all[start].ID
	}
	writeData(w, http.StatusOK, page)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChannelID   string      `json:"channelId"`
		MessageType models.Kind `json:"messageType"`
		TextContent string      `json:"textContent"`
		ImageURLs   []string    `json:"imageUrls"`
		FileURL     string      `json:"fileUrl"`
		FileName    string      `json:"fileName"`
		Nonce       string      `json:"nonce"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.ChannelID == "" || (req.TextContent == "" && len(req.ImageURLs) == 0 && req.FileURL == "") {
		writeError(w, http.StatusUnprocessableEntity, "EMPTY_MESSAGE", "message has no content")
		return
	}
	if req.MessageType == "" {
		req.MessageType = models.KindText
	}
	if !req.MessageType.Valid() {
		writeError(w, http.StatusBadRequest, "BAD_TYPE", "unknown message type")
		return
	}

	s.mu.Lock()
	m := models.Message{
		ID:             s.nextIDLocked("msg"),
		ConversationID: req.ChannelID,
		AuthorID:       userID(r),
		Kind:           req.MessageType,
		Body:           req.TextContent,
		Attachments:    req.ImageURLs,
		FileURL:        req.FileURL,
		FileName:       req.FileName,
		SentAt:         time.Now().UTC(),
		Nonce:          req.Nonce,
	}
	s.messages[req.ChannelID] = append(s.messages[req.ChannelID], m)
	s.mu.Unlock()

	s.hub.Publish(m.ConversationID, "MESSAGE", m)
	writeData(w, http.StatusCreated, m)
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusUnprocessableEntity, "EMPTY_MESSAGE", "message has no content")
		return
	}

	s.mu.Lock()
	m, status := s.ownedLocked(r)
	if status != 0 {
		s.mu.Unlock()
		writeError(w, status, http.StatusText(status), "cannot edit message")
		return
	}
	now := time.Now().UTC()
	m.Body = req.Content
	m.EditedAt = &now
	out := m.Clone()
	s.mu.Unlock()

	s.hub.Publish(out.ConversationID, "MESSAGE_UPDATED", out)
	writeData(w, http.StatusOK, out)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	m, status := s.ownedLocked(r)
	if status != 0 {
		s.mu.Unlock()
		writeError(w, status, http.StatusText(status), "cannot delete message")
		return
	}
	channelID, id := m.ConversationID, m.ID
	msgs := s.messages[channelID]
	for i := range msgs {
		if msgs[i].ID == id {
			s.messages[channelID] = append(msgs[:i:i], msgs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.hub.Publish(channelID, "MESSAGE_DELETED", map[string]string{"messageId": id, "channelId": channelID})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) toggleReaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "emoji required")
		return
	}

	s.mu.Lock()
	m := s.findLocked(mux.Vars(r)["id"])
	if m == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such message")
		return
	}
	m.ToggleReaction(userID(r), req.Emoji)
	out := m.Clone()
	s.mu.Unlock()

	// selfReacted is per viewer; clients derive it from userIds
	for emoji, rx := range out.Reactions {
		rx.SelfReacted = false
		out.Reactions[emoji] = rx
	}
	s.hub.Publish(out.ConversationID, "REACTION", out)
	writeData(w, http.StatusOK, nil)
}

func (s *Server) findLocked(id string) *models.Message {
	for channelID, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID == id {
				return &s.messages[channelID][i]
			}
		}
	}
	return nil
}

// ownedLocked finds the message named in the path and checks that the
// caller wrote it.
func (s *Server) ownedLocked(r *http.Request) (*models.Message, int) {
	m := s.findLocked(mux.Vars(r)["id"])
	if m == nil {
		return nil, http.StatusNotFound
	}
	if m.AuthorID != userID(r) {
		return nil, http.StatusForbidden
	}
	return m, 0
}
