package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	User struct {
		ID           primitive.ObjectID `bson:"_id,omitempty"`
		Name         string             `bson:"name"`
		PasswordHash []byte             `bson:"password_hash"`
		PublicKey    string             `bson:"public_key"`
		CreatedAt    time.Time          `bson:"created_at"`
	}

	// HistoryEntry is one record of the client's local message log. Entries
	// sent by the local user hold plaintext; received entries hold ciphertext.
	HistoryEntry struct {
		ID        string `json:"id"`
		From      string `json:"from"`
		To        string `json:"to"`
		Text      string `json:"text"`
		Nonce     string `json:"nonce,omitempty"`
		Timestamp int64  `json:"timestamp"`
	}
)

// Peer returns the other party of the conversation from self's point of view.
func (h *HistoryEntry) Peer(self string) string {
	if h.From == self {
		return h.To
	}
	return h.From
}
