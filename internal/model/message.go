package model

import "encoding/json"

const (
	FrameAuth        = "auth"
	FrameAuthSuccess = "auth_success"
	FrameError       = "error"
	FrameTyping      = "typing"
	FrameMessage     = "message"
	FrameAck         = "ack"
)

type (
	// Frame is one websocket message unit. Only the fields relevant to Type are set.
	Frame struct {
		Type      string `json:"type"`
		Token     string `json:"token,omitempty"`
		Message   string `json:"message,omitempty"`
		ID        string `json:"id,omitempty"`
		From      string `json:"from,omitempty"`
		To        string `json:"to,omitempty"`
		Text      string `json:"text,omitempty"`
		Nonce     string `json:"nonce,omitempty"`
		Timestamp int64  `json:"timestamp,omitempty"`
	}

	// Envelope is a relayed message as the server sees it. Text and Nonce are
	// opaque base64 ciphertext and nonce produced by the sender.
	Envelope struct {
		ID        string `json:"id"`
		From      string `json:"from"`
		To        string `json:"to"`
		Text      string `json:"text"`
		Nonce     string `json:"nonce"`
		Timestamp int64  `json:"timestamp"`
	}
)

// Frame returns the inbound message frame delivered to the recipient.
func (e *Envelope) Frame() Frame {
	return Frame{
		Type:      FrameMessage,
		ID:        e.ID,
		From:      e.From,
		Text:      e.Text,
		Nonce:     e.Nonce,
		Timestamp: e.Timestamp,
	}
}

// Marshal serializes the inbound frame. The same bytes are pushed live and
// stored in the offline queue.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e.Frame())
}

func ErrorFrame(message string) Frame {
	return Frame{Type: FrameError, Message: message}
}
