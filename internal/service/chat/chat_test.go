package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"e2e_relay/internal/cryptographic/dh"
	"e2e_relay/internal/cryptographic/envelope"
	"e2e_relay/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type directory map[string]string

func (d directory) GetPublicKey(ctx context.Context, identity string) (string, bool, error) {
	k, ok := d[identity]
	return k, ok, nil
}

// recorder is both the local log and the outbound sender, so tests can
// check the order of store and ack.
type recorder struct {
	mu        sync.Mutex
	calls     []string
	entries   map[string][]model.HistoryEntry
	seen      map[string]bool
	sent      []model.Frame
	appendErr error
}

func newRecorder() *recorder {
	return &recorder{entries: make(map[string][]model.HistoryEntry), seen: make(map[string]bool)}
}

func (r *recorder) Append(peer string, e model.HistoryEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "append:"+e.ID)
	if r.appendErr != nil {
		return false, r.appendErr
	}
	if r.seen[e.ID] {
		return false, nil
	}
	r.seen[e.ID] = true
	r.entries[peer] = append(r.entries[peer], e)
	return true, nil
}

func (r *recorder) QueryRange(peer string, before int64, limit int) ([]model.HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.HistoryEntry(nil), r.entries[peer]...), nil
}

func (r *recorder) Send(f model.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "send:"+f.Type)
	r.sent = append(r.sent, f)
	return nil
}

type party struct {
	name string
	keys *model.KeyPair
}

func newParty(t *testing.T, name string) party {
	kp, err := dh.NewKeyPair()
	require.NoError(t, err)
	return party{name: name, keys: kp}
}

func setup(t *testing.T) (*Chat, *recorder, *[]Event, party, party) {
	t.Helper()
	alice, bob := newParty(t, "alice"), newParty(t, "bob")
	dir := directory{
		"alice": dh.EncodeKey(alice.keys.Public),
		"bob":   dh.EncodeKey(bob.keys.Public),
	}
	rec := newRecorder()
	var events []Event
	c := New("alice", alice.keys, dir, rec, rec, func(e Event) { events = append(events, e) })
	return c, rec, &events, alice, bob
}

func sealFrom(t *testing.T, from, to party, id, plaintext string) model.Frame {
	t.Helper()
	text, nonce, err := envelope.Seal(plaintext, &to.keys.Public, &from.keys.Private)
	require.NoError(t, err)
	return model.Frame{Type: model.FrameMessage, ID: id, From: from.name, Text: text, Nonce: nonce, Timestamp: 5}
}

func TestSendUnknownRecipient(t *testing.T) {
	c, rec, _, _, _ := setup(t)

	err := c.Send(context.Background(), "mallory", "hi")
	assert.ErrorIs(t, err, ErrRecipientUnknown)
	assert.Empty(t, rec.calls, "nothing relayed or stored")
}

func TestSendEncryptsAndStoresPlaintext(t *testing.T) {
	c, rec, _, alice, bob := setup(t)

	require.NoError(t, c.Send(context.Background(), "bob", "hello bob"))
	require.Len(t, rec.sent, 1)
	f := rec.sent[0]
	assert.Equal(t, model.FrameMessage, f.Type)
	assert.Equal(t, "bob", f.To)
	assert.NotContains(t, f.Text, "hello")
	assert.NotZero(t, f.Timestamp)

	got, err := envelope.Open(f.Text, f.Nonce, &alice.keys.Public, &bob.keys.Private)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", got)

	require.Len(t, rec.entries["bob"], 1)
	assert.Equal(t, "hello bob", rec.entries["bob"][0].Text)
	assert.Equal(t, "alice", rec.entries["bob"][0].From)
}

func TestReceiveStoresThenAcksThenDecrypts(t *testing.T) {
	c, rec, events, alice, bob := setup(t)

	c.HandleFrame(sealFrom(t, bob, alice, "m1", "hi alice"))

	assert.Equal(t, []string{"append:m1", "send:ack"}, rec.calls)
	assert.Equal(t, model.Frame{Type: model.FrameAck, ID: "m1"}, rec.sent[0])
	assert.NotEqual(t, "hi alice", rec.entries["bob"][0].Text, "log keeps ciphertext")

	require.Len(t, *events, 1)
	assert.Equal(t, Event{Kind: EventMessage, From: "bob", Text: "hi alice", Timestamp: 5}, (*events)[0])
}

func TestReceiveUndecryptableShowsPlaceholder(t *testing.T) {
	c, rec, events, alice, _ := setup(t)
	mallory := newParty(t, "bob") // claims to be bob with another key

	c.HandleFrame(sealFrom(t, mallory, alice, "m1", "spoofed"))

	require.Len(t, rec.sent, 1, "still acked")
	require.Len(t, *events, 1)
	assert.Equal(t, envelope.Placeholder, (*events)[0].Text)
}

func TestReceiveStoreFailureWithholdsAck(t *testing.T) {
	c, rec, events, alice, bob := setup(t)
	rec.appendErr = errors.New("disk full")

	c.HandleFrame(sealFrom(t, bob, alice, "m1", "hi"))

	assert.Empty(t, rec.sent)
	assert.Empty(t, *events)
}

func TestRedeliveredMessageAckedButShownOnce(t *testing.T) {
	c, rec, events, alice, bob := setup(t)
	f := sealFrom(t, bob, alice, "m1", "hi")

	c.HandleFrame(f)
	c.HandleFrame(f)

	assert.Len(t, rec.sent, 2)
	assert.Len(t, *events, 1)
}

func TestHistoryDecryptsWithSelfBypass(t *testing.T) {
	c, _, _, alice, bob := setup(t)

	require.NoError(t, c.Send(context.Background(), "bob", "from me"))
	c.HandleFrame(sealFrom(t, bob, alice, "m1", "from bob"))

	got, err := c.History(context.Background(), "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "from me", got[0].Text)
	assert.Equal(t, "from bob", got[1].Text)
}

func TestTypingAndErrors(t *testing.T) {
	c, rec, events, _, _ := setup(t)

	require.NoError(t, c.Typing("bob"))
	assert.Equal(t, model.Frame{Type: model.FrameTyping, To: "bob"}, rec.sent[0])

	c.HandleFrame(model.Frame{Type: model.FrameTyping, From: "bob"})
	assert.Equal(t, []string{"bob"}, c.TypingActive())

	c.HandleFrame(model.ErrorFrame("rate limit exceeded"))
	assert.Equal(t, []Event{
		{Kind: EventTyping, From: "bob"},
		{Kind: EventError, Text: "rate limit exceeded"},
	}, *events)
}

type countingDirectory struct {
	mu      sync.Mutex
	keys    map[string]string
	lookups int
}

func (d *countingDirectory) GetPublicKey(ctx context.Context, identity string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookups++
	k, ok := d.keys[identity]
	return k, ok, nil
}

func (d *countingDirectory) set(identity, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[identity] = key
}

func TestPeerKeyCachedAndRefreshedOnRotation(t *testing.T) {
	alice, bob := newParty(t, "alice"), newParty(t, "bob")
	dir := &countingDirectory{keys: map[string]string{"bob": dh.EncodeKey(bob.keys.Public)}}
	rec := newRecorder()
	var events []Event
	c := New("alice", alice.keys, dir, rec, rec, func(e Event) { events = append(events, e) })

	c.HandleFrame(sealFrom(t, bob, alice, "m1", "one"))
	c.HandleFrame(sealFrom(t, bob, alice, "m2", "two"))
	require.NoError(t, c.Send(context.Background(), "bob", "reply"))
	assert.Equal(t, 1, dir.lookups, "one directory lookup serves both directions")

	rotated := newParty(t, "bob")
	dir.set("bob", dh.EncodeKey(rotated.keys.Public))
	c.HandleFrame(sealFrom(t, rotated, alice, "m3", "three"))
	assert.Equal(t, 2, dir.lookups, "a key that no longer opens messages is refetched")

	require.Len(t, events, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{events[0].Text, events[1].Text, events[2].Text})
}

func TestPeerKeyExpires(t *testing.T) {
	alice, bob := newParty(t, "alice"), newParty(t, "bob")
	dir := &countingDirectory{keys: map[string]string{"bob": dh.EncodeKey(bob.keys.Public)}}
	rec := newRecorder()
	c := New("alice", alice.keys, dir, rec, rec, nil)

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Send(context.Background(), "bob", "a"))
	now = now.Add(peerKeyTTL - time.Second)
	require.NoError(t, c.Send(context.Background(), "bob", "b"))
	assert.Equal(t, 1, dir.lookups)

	now = now.Add(2 * time.Second)
	require.NoError(t, c.Send(context.Background(), "bob", "c"))
	assert.Equal(t, 2, dir.lookups)
}
