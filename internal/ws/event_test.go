package ws

import (
	"errors"
	"testing"

	"github.com/pliu/chattysync/internal/syncerr"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    EventType
		wantID  string
		wantErr bool
	}{
		{
			name:   "message",
			frame:  `{"type":"MESSAGE","payload":{"messageId":"m1","channelId":"c1","userId":"u1","messageType":"TEXT","textContent":"hi","sentAt":"2024-01-01T00:00:00Z"}}`,
			want:   EventMessage,
			wantID: "m1",
		},
		{
			name:   "bare message without envelope",
			frame:  `{"messageId":"m2","channelId":"c1","userId":"u1","textContent":"yo","sentAt":"2024-01-01T00:00:01Z"}`,
			want:   EventMessage,
			wantID: "m2",
		},
		{
			name:   "update",
			frame:  `{"type":"MESSAGE_UPDATED","payload":{"messageId":"m1","channelId":"c1","textContent":"edited"}}`,
			want:   EventMessageUpdated,
			wantID: "m1",
		},
		{
			name:   "delete",
			frame:  `{"type":"MESSAGE_DELETED","payload":{"messageId":"m1","channelId":"c1"}}`,
			want:   EventMessageDeleted,
			wantID: "m1",
		},
		{
			name:  "typing",
			frame: `{"type":"TYPING","payload":{"channelId":"c1","userId":"u2","isTyping":true}}`,
			want:  EventTyping,
		},
		{name: "not json", frame: `{"type":`, wantErr: true},
		{name: "unknown type", frame: `{"type":"PRESENCE","payload":{}}`, wantErr: true},
		{name: "no payload", frame: `{"type":"MESSAGE"}`, wantErr: true},
		{name: "message without id", frame: `{"type":"MESSAGE","payload":{"channelId":"c1","sentAt":"2024-01-01T00:00:00Z"}}`, wantErr: true},
		{name: "message without sentAt", frame: `{"type":"MESSAGE","payload":{"messageId":"m1","channelId":"c1"}}`, wantErr: true},
		{name: "delete without id", frame: `{"type":"MESSAGE_DELETED","payload":{"channelId":"c1"}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeEvent([]byte(tt.frame))
			if tt.wantErr {
				if !errors.Is(err, syncerr.ErrProtocolMalformed) {
					t.Fatalf("got err %v want ErrProtocolMalformed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Type != tt.want {
				t.Errorf("got type %v want %v", ev.Type, tt.want)
			}
			if ev.MessageID != tt.wantID {
				t.Errorf("got id %q want %q", ev.MessageID, tt.wantID)
			}
			if ev.ConversationID != "c1" {
				t.Errorf("got conversation %q want c1", ev.ConversationID)
			}
		})
	}
}

func TestDecodeEventDefaultsKind(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"MESSAGE","payload":{"messageId":"m1","channelId":"c1","sentAt":"2024-01-01T00:00:00Z"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Message.Kind != "TEXT" {
		t.Errorf("got kind %q want TEXT", ev.Message.Kind)
	}
}
