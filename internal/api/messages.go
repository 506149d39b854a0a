package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pliu/chattysync/internal/gateway"
	"github.com/pliu/chattysync/internal/models"
)

type SendMessageRequest struct {
	ChannelID   string      `json:"channelId"`
	MessageType models.Kind `json:"messageType"`
	TextContent string      `json:"textContent,omitempty"`
	ImageURLs   []string    `json:"imageUrls,omitempty"`
	FileURL     string      `json:"fileUrl,omitempty"`
	FileName    string      `json:"fileName,omitempty"`
	Nonce       string      `json:"nonce,omitempty"`
}

type MessageService struct {
	gw *gateway.Gateway
}

func NewMessageService(gw *gateway.Gateway) *MessageService {
	return &MessageService{gw: gw}
}

// FetchHistory returns the page of messages older than cursor. An empty
// cursor asks for the most recent page.
func (s *MessageService) FetchHistory(ctx context.Context, conversationID, cursor string, limit int) (*models.Page, error) {
	q := url.Values{}
	q.Set("channelId", conversationID)
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page models.Page
	err := s.gw.JSON(ctx, gateway.Request{
		Op:    "fetch_history",
		Path:  "/api/v1/messages",
		Query: q,
	}, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

func (s *MessageService) SendMessage(ctx context.Context, req SendMessageRequest) (*models.Message, error) {
	var msg models.Message
	err := s.gw.JSON(ctx, gateway.Request{
		Op:     "send_message",
		Method: http.MethodPost,
		Path:   "/api/messages",
		Body:   req,
	}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *MessageService) EditMessage(ctx context.Context, messageID, body string) (*models.Message, error) {
	var msg models.Message
	err := s.gw.JSON(ctx, gateway.Request{
		Op:     "edit_message",
		Method: http.MethodPut,
		Path:   "/api/messages/" + url.PathEscape(messageID),
		Body:   map[string]string{"content": body},
	}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *MessageService) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := s.gw.Do(ctx, gateway.Request{
		Op:     "delete_message",
		Method: http.MethodDelete,
		Path:   "/api/messages/" + url.PathEscape(messageID),
	})
	return err
}

func (s *MessageService) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	_, err := s.gw.Do(ctx, gateway.Request{
		Op:     "toggle_reaction",
		Method: http.MethodPost,
		Path:   "/api/messages/" + url.PathEscape(messageID) + "/reactions",
		Body:   map[string]string{"emoji": emoji},
	})
	return err
}
