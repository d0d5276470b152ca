package relay

import (
	"encoding/json"
	"fmt"

	"github.com/lzyats/im-relay/internal/pending"
)

const (
	TypeChatRequest  = "chat_request"
	TypeSharedSecret = "shared_secret"
	TypeChat         = "chat"

	TypeStatusUpdate = "status_update"
	TypeError        = "error"
)

// Frame is one inbound signaling unit. Payload and Signature are carried as
// raw JSON and never interpreted.
type Frame struct {
	Type      string          `json:"type"`
	To        string          `json:"to"`
	From      string          `json:"from,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Signature json.RawMessage `json:"signature,omitempty"`
}

type StatusUpdate struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
	Online bool   `json:"online"`
}

type ErrorNotice struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	To    string `json:"to,omitempty"`
	Ref   string `json:"ref,omitempty"`
}

func routable(t string) bool {
	switch t {
	case TypeChatRequest, TypeSharedSecret, TypeChat:
		return true
	}
	return false
}

func decodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return f, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	if !routable(f.Type) {
		return f, fmt.Errorf("%w: %q", ErrUnknownFrameType, f.Type)
	}
	if f.To == "" {
		return f, fmt.Errorf("%w: missing to", ErrMalformedFrame)
	}
	return f, nil
}

func requestFrame(r pending.Request) ([]byte, error) {
	return json.Marshal(Frame{Type: TypeChatRequest, To: r.To, From: r.From})
}

// messageFrame rebuilds a chat-like frame from a stored message. Messages
// stored before the type was recorded replay as chat.
func messageFrame(m pending.Message) ([]byte, error) {
	t := m.Type
	if t == "" {
		t = TypeChat
	}
	return json.Marshal(Frame{Type: t, To: m.To, From: m.From, Payload: m.Payload, Signature: m.Signature})
}
