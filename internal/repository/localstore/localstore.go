// Package localstore is the client's on-disk state: an append-only log of
// every message it sent or received, and its own key pair.
package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"e2e_relay/internal/cryptographic/dh"
	"e2e_relay/internal/model"
	"e2e_relay/internal/utils/log"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// Key layout:
//
//	m\x00<peer>\x00<timestamp %020d>\x00<id>  -> HistoryEntry JSON
//	i\x00<id>                                 -> message key
//	k\x00<identity>                           -> storedKeys JSON
const sep = "\x00"

type (
	Store struct {
		mu sync.Mutex
		db *pebble.DB
	}

	storedKeys struct {
		Public  string `json:"publicKey"`
		Private string `json:"privateKey"`
	}
)

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open local store at %s: %w", path, err)
	}
	log.Debug("local store opened", zap.String("path", path))
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func peerPrefix(peer string) []byte {
	return []byte("m" + sep + peer + sep)
}

func messageKey(peer string, e *model.HistoryEntry) []byte {
	ts := e.Timestamp
	if ts < 0 {
		ts = 0
	}
	return []byte(fmt.Sprintf("m%s%s%s%020d%s%s", sep, peer, sep, ts, sep, e.ID))
}

func idKey(id string) []byte {
	return []byte("i" + sep + id)
}

func keysKey(identity string) []byte {
	return []byte("k" + sep + identity)
}

// Append stores e in peer's conversation. Entries are keyed by message id:
// a second Append with the same id is ignored and reports false.
func (s *Store) Append(peer string, e model.HistoryEntry) (bool, error) {
	if e.ID == "" {
		return false, errors.New("history entry has no id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, closer, err := s.db.Get(idKey(e.ID))
	if err == nil {
		closer.Close()
		return false, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return false, fmt.Errorf("lookup message %s: %w", e.ID, err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("marshal message %s: %w", e.ID, err)
	}
	key := messageKey(peer, &e)

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(key, data, nil); err != nil {
		return false, err
	}
	if err := b.Set(idKey(e.ID), key, nil); err != nil {
		return false, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return false, fmt.Errorf("save message %s: %w", e.ID, err)
	}
	return true, nil
}

// QueryRange returns up to limit of the newest entries with peer whose
// timestamp is before the given one, oldest first. before <= 0 means now.
func (s *Store) QueryRange(peer string, before int64, limit int) ([]model.HistoryEntry, error) {
	prefix := peerPrefix(peer)
	upper := append([]byte(nil), prefix...)
	if before > 0 {
		upper = append(upper, fmt.Sprintf("%020d", before)...)
	} else {
		// one past the separator closes the prefix range
		upper[len(upper)-1]++
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []model.HistoryEntry
	for valid := iter.Last(); valid; valid = iter.Prev() {
		if limit > 0 && len(out) == limit {
			break
		}
		var e model.HistoryEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			log.Warn("skipping unreadable history entry", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LoadOrCreateKeys returns identity's stored key pair, generating and
// persisting one on first use. An existing pair is never overwritten here.
func (s *Store) LoadOrCreateKeys(identity string) (*model.KeyPair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kp, err := s.loadKeys(identity)
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return nil, false, err
	}

	kp, err = dh.NewKeyPair()
	if err != nil {
		return nil, false, err
	}
	if err := s.saveKeys(identity, kp); err != nil {
		return nil, false, err
	}
	log.Info("generated new key pair", zap.String("identity", identity))
	return kp, true, nil
}

// ReplaceKeys overwrites identity's key pair. Messages encrypted to the old
// public key can no longer be read.
func (s *Store) ReplaceKeys(identity string, kp *model.KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveKeys(identity, kp)
}

func (s *Store) loadKeys(identity string) (*model.KeyPair, error) {
	data, closer, err := s.db.Get(keysKey(identity))
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var sk storedKeys
	if err := json.Unmarshal(data, &sk); err != nil {
		return nil, fmt.Errorf("decode stored keys of %s: %w", identity, err)
	}
	priv, err := dh.DecodeKey(sk.Private)
	if err != nil {
		return nil, fmt.Errorf("decode stored keys of %s: %w", identity, err)
	}
	return dh.KeyPairFromPrivate(priv)
}

func (s *Store) saveKeys(identity string, kp *model.KeyPair) error {
	data, err := json.Marshal(storedKeys{
		Public:  dh.EncodeKey(kp.Public),
		Private: dh.EncodeKey(kp.Private),
	})
	if err != nil {
		return err
	}
	if err := s.db.Set(keysKey(identity), data, pebble.Sync); err != nil {
		return fmt.Errorf("save keys of %s: %w", identity, err)
	}
	return nil
}
