package keyring

import (
	"crypto/rand"
	"fmt"

	"github.com/halcyonchat/chatsync/internal/syncerrors"
)

// Seal encrypts content under the given key with AES-256-GCM, returning
// [nonce][ciphertext+tag]. Used for all user content: titles, drafts,
// message bodies, attachment blobs.
func Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal. Authentication failure is
// reported as ErrKeyMismatch.
func Open(key, blob []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(blob) < gcm.NonceSize() {
		return nil, fmt.Errorf("sealed blob too short: %w", syncerrors.ErrKeyMismatch)
	}

	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed blob: %w", syncerrors.ErrKeyMismatch)
	}

	return plaintext, nil
}
