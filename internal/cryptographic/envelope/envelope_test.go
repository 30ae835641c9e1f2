package envelope_test

import (
	"bytes"
	"encoding/base64"
	"testing"

	"e2e_relay/internal/cryptographic/dh"
	"e2e_relay/internal/cryptographic/envelope"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	alice, err := dh.NewKeyPair()
	require.NoError(t, err)
	bob, err := dh.NewKeyPair()
	require.NoError(t, err)

	for _, msg := range []string{"hi", "", "a longer message with ünïcode ✓"} {
		ct, nonce, err := envelope.Encrypt([]byte(msg), &bob.Public, &alice.Private)
		require.NoError(t, err)

		plain, err := envelope.Decrypt(ct, nonce, &alice.Public, &bob.Private)
		require.NoError(t, err)
		assert.Equal(t, msg, string(plain))
	}
}

func TestNonceNeverRepeats(t *testing.T) {
	alice, _ := dh.NewKeyPair()
	bob, _ := dh.NewKeyPair()

	seen := make(map[[envelope.NonceSize]byte]bool)
	var lastCT []byte
	for i := 0; i < 256; i++ {
		ct, nonce, err := envelope.Encrypt([]byte("same plaintext"), &bob.Public, &alice.Private)
		require.NoError(t, err)
		require.False(t, seen[nonce], "nonce reused at iteration %d", i)
		seen[nonce] = true

		assert.False(t, bytes.Equal(ct, lastCT))
		lastCT = ct
	}
}

func TestSubstitutedSenderKeyFails(t *testing.T) {
	alice, _ := dh.NewKeyPair()
	bob, _ := dh.NewKeyPair()
	mallory, _ := dh.NewKeyPair()

	ct, nonce, err := envelope.Encrypt([]byte("secret"), &bob.Public, &alice.Private)
	require.NoError(t, err)

	_, err = envelope.Decrypt(ct, nonce, &mallory.Public, &bob.Private)
	assert.ErrorIs(t, err, envelope.ErrDecryptionFailure)
}

func TestTamperedInputFails(t *testing.T) {
	alice, _ := dh.NewKeyPair()
	bob, _ := dh.NewKeyPair()

	ct, nonce, err := envelope.Encrypt([]byte("secret"), &bob.Public, &alice.Private)
	require.NoError(t, err)

	t.Run("ciphertext", func(t *testing.T) {
		bad := append([]byte(nil), ct...)
		bad[len(bad)-1] ^= 0x01
		_, err := envelope.Decrypt(bad, nonce, &alice.Public, &bob.Private)
		assert.ErrorIs(t, err, envelope.ErrDecryptionFailure)
	})

	t.Run("nonce", func(t *testing.T) {
		bad := nonce
		bad[0] ^= 0x01
		_, err := envelope.Decrypt(ct, bad, &alice.Public, &bob.Private)
		assert.ErrorIs(t, err, envelope.ErrDecryptionFailure)
	})

	t.Run("rotated recipient key", func(t *testing.T) {
		rotated, _ := dh.NewKeyPair()
		_, err := envelope.Decrypt(ct, nonce, &alice.Public, &rotated.Private)
		assert.ErrorIs(t, err, envelope.ErrDecryptionFailure)
	})
}

func TestSealOpen(t *testing.T) {
	alice, _ := dh.NewKeyPair()
	bob, _ := dh.NewKeyPair()

	text, nonce, err := envelope.Seal("hello bob", &bob.Public, &alice.Private)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(nonce)
	require.NoError(t, err)
	assert.Len(t, raw, envelope.NonceSize)

	plain, err := envelope.Open(text, nonce, &alice.Public, &bob.Private)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", plain)

	cases := []struct {
		name  string
		text  string
		nonce string
	}{
		{"bad ciphertext encoding", "!!!", nonce},
		{"bad nonce encoding", text, "!!!"},
		{"short nonce", text, base64.StdEncoding.EncodeToString([]byte("short"))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := envelope.Open(tc.text, tc.nonce, &alice.Public, &bob.Private)
			assert.ErrorIs(t, err, envelope.ErrDecryptionFailure)
		})
	}
}
