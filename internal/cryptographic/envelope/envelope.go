// Package envelope implements the end-to-end message envelope: NaCl
// crypto_box authenticated encryption between a sender's private key and a
// recipient's public key. The relay never sees anything but the output.
package envelope

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
)

const NonceSize = 24

// Placeholder is shown in place of a message that failed to decrypt.
const Placeholder = "[Decryption Failed]"

// ErrDecryptionFailure is terminal for the message it concerns. It covers a
// wrong or rotated key as well as a corrupted nonce or ciphertext.
var ErrDecryptionFailure = errors.New("decryption failed")

// Encrypt seals plaintext for recipientPub. Every call draws a fresh random
// nonce; nonces are never reused under the same key pair.
func Encrypt(plaintext []byte, recipientPub, ownPriv *[32]byte) ([]byte, [NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, nonce, fmt.Errorf("rand.Read nonce: %w", err)
	}
	return box.Seal(nil, plaintext, &nonce, recipientPub, ownPriv), nonce, nil
}

func Decrypt(ciphertext []byte, nonce [NonceSize]byte, senderPub, ownPriv *[32]byte) ([]byte, error) {
	plain, ok := box.Open(nil, ciphertext, &nonce, senderPub, ownPriv)
	if !ok {
		return nil, ErrDecryptionFailure
	}
	return plain, nil
}

// Seal is Encrypt with the base64 text encoding used on the wire.
func Seal(plaintext string, recipientPub, ownPriv *[32]byte) (text, nonce string, err error) {
	ct, n, err := Encrypt([]byte(plaintext), recipientPub, ownPriv)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(n[:]), nil
}

// Open reverses Seal. Malformed encodings are reported as ErrDecryptionFailure.
func Open(text, nonce string, senderPub, ownPriv *[32]byte) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext: %v", ErrDecryptionFailure, err)
	}
	rawNonce, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrDecryptionFailure, err)
	}
	if len(rawNonce) != NonceSize {
		return "", fmt.Errorf("%w: nonce length %d", ErrDecryptionFailure, len(rawNonce))
	}

	var n [NonceSize]byte
	copy(n[:], rawNonce)
	plain, err := Decrypt(ct, n, senderPub, ownPriv)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
