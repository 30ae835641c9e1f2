package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"e2e_relay/internal/cryptographic/dh"
	"e2e_relay/internal/cryptographic/envelope"
	"e2e_relay/internal/model"
	"e2e_relay/internal/service/presence"
	"e2e_relay/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	lookupTimeout = 5 * time.Second
	// matches the relay's own key cache lifetime
	peerKeyTTL = time.Minute
)

// ErrRecipientUnknown means the recipient has no published public key.
// Nothing is relayed in that case.
var ErrRecipientUnknown = errors.New("recipient unknown")

type (
	KeyLookup interface {
		GetPublicKey(ctx context.Context, identity string) (key string, ok bool, err error)
	}

	Log interface {
		Append(peer string, e model.HistoryEntry) (bool, error)
		QueryRange(peer string, before int64, limit int) ([]model.HistoryEntry, error)
	}

	Sender interface {
		Send(f model.Frame) error
	}

	EventKind int

	peerKey struct {
		key     [32]byte
		fetched time.Time
	}

	Event struct {
		Kind      EventKind
		From      string
		Text      string
		Timestamp int64
	}

	Chat struct {
		self   string
		keys   *model.KeyPair
		lookup KeyLookup
		log    Log
		out    Sender
		typing *presence.TypingTracker
		notify func(Event)
		newID  func() string
		now    func() time.Time

		keysMu   sync.Mutex
		peerKeys map[string]peerKey
	}
)

const (
	EventMessage EventKind = iota
	EventTyping
	EventError
)

func New(self string, keys *model.KeyPair, lookup KeyLookup, history Log, out Sender, notify func(Event)) *Chat {
	if notify == nil {
		notify = func(Event) {}
	}
	return &Chat{
		self:   self,
		keys:   keys,
		lookup: lookup,
		log:    history,
		out:    out,
		typing: presence.NewTypingTracker(presence.DefaultTypingWindow, nil),
		notify: notify,
		newID:  uuid.NewString,
		now:    time.Now,

		peerKeys: make(map[string]peerKey),
	}
}

// Send encrypts plaintext to the recipient's published key and relays it.
// The local log keeps the plaintext.
func (c *Chat) Send(ctx context.Context, to, plaintext string) error {
	peer, _, err := c.publicKey(ctx, to)
	if err != nil {
		return err
	}

	text, nonce, err := envelope.Seal(plaintext, &peer, &c.keys.Private)
	if err != nil {
		return err
	}

	ts := c.now().UnixMilli()
	if err := c.out.Send(model.Frame{
		Type:      model.FrameMessage,
		To:        to,
		Text:      text,
		Nonce:     nonce,
		Timestamp: ts,
	}); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}

	if _, err := c.log.Append(to, model.HistoryEntry{
		ID:        c.newID(),
		From:      c.self,
		To:        to,
		Text:      plaintext,
		Timestamp: ts,
	}); err != nil {
		log.Error("store sent message failed", zap.String("to", to), zap.Error(err))
	}
	return nil
}

func (c *Chat) Typing(to string) error {
	return c.out.Send(model.Frame{Type: model.FrameTyping, To: to})
}

// TypingActive lists the peers currently shown as typing.
func (c *Chat) TypingActive() []string {
	return c.typing.ActiveAll()
}

// HandleFrame processes one inbound frame. A message is stored before it is
// acked, so a failed store leaves it unacked and the relay delivers it again.
func (c *Chat) HandleFrame(f model.Frame) {
	switch f.Type {
	case model.FrameMessage:
		entry := model.HistoryEntry{
			ID:        f.ID,
			From:      f.From,
			To:        c.self,
			Text:      f.Text,
			Nonce:     f.Nonce,
			Timestamp: f.Timestamp,
		}
		added, err := c.log.Append(f.From, entry)
		if err != nil {
			log.Error("store received message failed, ack withheld", zap.String("id", f.ID), zap.Error(err))
			return
		}
		if err := c.out.Send(model.Frame{Type: model.FrameAck, ID: f.ID}); err != nil {
			log.Warn("ack not sent", zap.String("id", f.ID), zap.Error(err))
		}
		if !added {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		defer cancel()
		c.notify(Event{Kind: EventMessage, From: f.From, Text: c.open(ctx, &entry), Timestamp: f.Timestamp})

	case model.FrameTyping:
		c.typing.Observe(f.From)
		c.notify(Event{Kind: EventTyping, From: f.From})

	case model.FrameError:
		c.notify(Event{Kind: EventError, Text: f.Message})
	}
}

// History returns up to limit entries exchanged with peer before the given
// timestamp, decrypted for display.
func (c *Chat) History(ctx context.Context, peer string, before int64, limit int) ([]model.HistoryEntry, error) {
	entries, err := c.log.QueryRange(peer, before, limit)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Text = c.open(ctx, &entries[i])
		entries[i].Nonce = ""
	}
	return entries, nil
}

// open returns the plaintext of e, or the failure placeholder. A cached
// sender key that fails to open e is refetched once, since the sender may
// have rotated it.
func (c *Chat) open(ctx context.Context, e *model.HistoryEntry) string {
	if e.From == c.self {
		return e.Text
	}

	sender, cached, err := c.publicKey(ctx, e.From)
	if err != nil {
		log.Debug("sender key unavailable", zap.String("from", e.From), zap.Error(err))
		return envelope.Placeholder
	}
	text, err := envelope.Open(e.Text, e.Nonce, &sender, &c.keys.Private)
	if err != nil && cached {
		c.forgetKey(e.From)
		if fresh, _, ferr := c.publicKey(ctx, e.From); ferr == nil && fresh != sender {
			text, err = envelope.Open(e.Text, e.Nonce, &fresh, &c.keys.Private)
		}
	}
	if err != nil {
		log.Debug("decrypt failed", zap.String("id", e.ID), zap.String("from", e.From), zap.Error(err))
		return envelope.Placeholder
	}
	return text
}

// publicKey returns identity's key and whether it came from the cache.
func (c *Chat) publicKey(ctx context.Context, identity string) ([32]byte, bool, error) {
	c.keysMu.Lock()
	pk, ok := c.peerKeys[identity]
	c.keysMu.Unlock()
	if ok && c.now().Sub(pk.fetched) < peerKeyTTL {
		return pk.key, true, nil
	}

	raw, ok, err := c.lookup.GetPublicKey(ctx, identity)
	if err != nil {
		return [32]byte{}, false, fmt.Errorf("public key of %s: %w", identity, err)
	}
	if !ok {
		return [32]byte{}, false, fmt.Errorf("%w: %s", ErrRecipientUnknown, identity)
	}
	key, err := dh.DecodeKey(raw)
	if err != nil {
		return [32]byte{}, false, fmt.Errorf("%w: %s has an unusable key: %v", ErrRecipientUnknown, identity, err)
	}

	c.keysMu.Lock()
	c.peerKeys[identity] = peerKey{key: key, fetched: c.now()}
	c.keysMu.Unlock()
	return key, false, nil
}

func (c *Chat) forgetKey(identity string) {
	c.keysMu.Lock()
	delete(c.peerKeys, identity)
	c.keysMu.Unlock()
}
