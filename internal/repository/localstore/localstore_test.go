package localstore

import (
	"fmt"
	"testing"

	"e2e_relay/internal/cryptographic/dh"
	"e2e_relay/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendIsIdempotent(t *testing.T) {
	s := openStore(t)
	e := model.HistoryEntry{ID: "m1", From: "bob", To: "alice", Text: "ct", Nonce: "n", Timestamp: 10}

	added, err := s.Append("bob", e)
	require.NoError(t, err)
	assert.True(t, added)

	e.Text = "redelivered"
	added, err = s.Append("bob", e)
	require.NoError(t, err)
	assert.False(t, added)

	got, err := s.QueryRange("bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ct", got[0].Text)

	_, err = s.Append("bob", model.HistoryEntry{Text: "no id"})
	assert.Error(t, err)
}

func TestQueryRange(t *testing.T) {
	s := openStore(t)
	for i := 1; i <= 5; i++ {
		_, err := s.Append("bob", model.HistoryEntry{ID: fmt.Sprintf("b%d", i), From: "bob", To: "alice", Timestamp: int64(i * 100)})
		require.NoError(t, err)
	}
	_, err := s.Append("bobby", model.HistoryEntry{ID: "x", From: "bobby", Timestamp: 150})
	require.NoError(t, err)

	ids := func(es []model.HistoryEntry) []string {
		var out []string
		for _, e := range es {
			out = append(out, e.ID)
		}
		return out
	}

	all, err := s.QueryRange("bob", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2", "b3", "b4", "b5"}, ids(all), "other peers with a shared name prefix are excluded")

	newest, err := s.QueryRange("bob", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b4", "b5"}, ids(newest))

	page, err := s.QueryRange("bob", 400, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b2", "b3"}, ids(page), "before is exclusive")

	none, err := s.QueryRange("carol", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLoadOrCreateKeysNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	kp, created, err := s.LoadOrCreateKeys("alice")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.LoadOrCreateKeys("alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, kp, again)
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	reopened, created, err := s.LoadOrCreateKeys("alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, kp, reopened, "keys survive a restart")

	other, _, err := s.LoadOrCreateKeys("bob")
	require.NoError(t, err)
	assert.NotEqual(t, kp.Public, other.Public)
}

func TestReplaceKeys(t *testing.T) {
	s := openStore(t)
	_, _, err := s.LoadOrCreateKeys("alice")
	require.NoError(t, err)

	fresh, err := dh.NewKeyPair()
	require.NoError(t, err)
	require.NoError(t, s.ReplaceKeys("alice", fresh))

	got, created, err := s.LoadOrCreateKeys("alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, fresh, got)
}
