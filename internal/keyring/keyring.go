// Package keyring implements the three-tier symmetric key envelope:
// master key → per-conversation key → per-attachment key. Keys at tier
// N are only ever stored or transmitted wrapped under a tier N-1 key.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"

	"github.com/halcyonchat/chatsync/internal/syncerrors"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation.
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// KeySize is the key length in bytes at every tier (256-bit class).
	KeySize = 32
)

// Tier identifies a level of the key hierarchy. The tier is bound into
// the AEAD associated data, so a blob wrapped at one tier can never be
// unwrapped as another.
type Tier int

const (
	TierMaster Tier = iota
	TierConversation
	TierAttachment
)

func (t Tier) String() string {
	switch t {
	case TierMaster:
		return "master"
	case TierConversation:
		return "conversation"
	case TierAttachment:
		return "attachment"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// DeriveMasterKey derives the 32-byte master key from a passphrase and
// per-account salt using scrypt. Both inputs are normalized to NFKC
// first so the same passphrase typed on different platforms derives the
// same key.
func DeriveMasterKey(passphrase, salt string) ([]byte, error) {
	passphrase = norm.NFKC.String(passphrase)
	salt = norm.NFKC.String(salt)

	key, err := scrypt.Key([]byte(passphrase), []byte(salt), scryptN, scryptR, scryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving master key: %w", err)
	}

	return key, nil
}

// KeyHash returns hex(SHA-256(key)). Sent during transport init so the
// authority can reject a wrong-passphrase device before sync begins.
func KeyHash(key []byte) string {
	h := sha256.Sum256(key)
	return hex.EncodeToString(h[:])
}

// NewKey returns a fresh random key for any tier.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	return key, nil
}

// ZeroKey overwrites the key material in the given slice. Call this
// once a raw key is no longer needed to limit the window during which
// key bytes are accessible in memory.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// Wrap seals key under wrappingKey with AES-256-GCM. A random 12-byte
// nonce is generated per call and prepended to the ciphertext:
// [12-byte nonce][ciphertext+tag].
func Wrap(tier Tier, key, wrappingKey []byte) ([]byte, error) {
	gcm, err := newGCM(wrappingKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, key, []byte(tier.String()))
	blob := make([]byte, len(nonce)+len(sealed))
	copy(blob, nonce)
	copy(blob[len(nonce):], sealed)

	return blob, nil
}

// Unwrap opens a wrapped blob with unwrappingKey. An authentication
// failure (wrong key, wrong tier, tampered blob) returns
// syncerrors.ErrKeyMismatch: an expected, non-fatal condition.
func Unwrap(tier Tier, blob, unwrappingKey []byte) ([]byte, error) {
	gcm, err := newGCM(unwrappingKey)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(blob) < nonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("wrapped blob too short: %d bytes: %w", len(blob), syncerrors.ErrKeyMismatch)
	}

	key, err := gcm.Open(nil, blob[:nonceSize], blob[nonceSize:], []byte(tier.String()))
	if err != nil {
		return nil, fmt.Errorf("unwrapping %s key: %w", tier, syncerrors.ErrKeyMismatch)
	}

	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return gcm, nil
}

// Keyring holds the device master key and a cache of unwrapped
// lower-tier keys so unchanged blobs are not re-opened on every read.
type Keyring struct {
	master []byte

	mu        sync.Mutex
	unwrapped map[string][]byte
}

// New creates a keyring around an unwrapped master key. The keyring
// takes ownership of the slice.
func New(master []byte) (*Keyring, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(master))
	}

	return &Keyring{
		master:    master,
		unwrapped: make(map[string][]byte),
	}, nil
}

// MasterKeyHash returns the verification hash of the master key.
func (k *Keyring) MasterKeyHash() string {
	return KeyHash(k.master)
}

// ConversationKey unwraps a conversation key wrapped under the master
// key, consulting the cache first.
func (k *Keyring) ConversationKey(wrapped []byte) ([]byte, error) {
	return k.cachedUnwrap(TierConversation, wrapped, k.master)
}

// AttachmentKey unwraps an attachment key wrapped under its parent
// conversation key.
func (k *Keyring) AttachmentKey(wrapped, conversationKey []byte) ([]byte, error) {
	return k.cachedUnwrap(TierAttachment, wrapped, conversationKey)
}

// OwnerAttachmentKey unwraps an attachment key from its additional
// master-key wrap, used for cross-conversation owner access.
func (k *Keyring) OwnerAttachmentKey(wrapped []byte) ([]byte, error) {
	return k.cachedUnwrap(TierAttachment, wrapped, k.master)
}

// WrapConversationKey wraps a conversation key under the master key.
func (k *Keyring) WrapConversationKey(key []byte) ([]byte, error) {
	return Wrap(TierConversation, key, k.master)
}

// WrapAttachmentKey wraps an attachment key under its parent
// conversation key.
func (k *Keyring) WrapAttachmentKey(key, conversationKey []byte) ([]byte, error) {
	return Wrap(TierAttachment, key, conversationKey)
}

// WrapAttachmentKeyForOwner additionally wraps an attachment key under
// the master key so the owner can reach it without the conversation key.
func (k *Keyring) WrapAttachmentKeyForOwner(key []byte) ([]byte, error) {
	return Wrap(TierAttachment, key, k.master)
}

// WrapMasterForRecovery escrows the master key under a recovery key.
func (k *Keyring) WrapMasterForRecovery(recoveryKey []byte) ([]byte, error) {
	return Wrap(TierMaster, k.master, recoveryKey)
}

// UnwrapMasterFromRecovery recovers a master key from its escrow wrap.
func UnwrapMasterFromRecovery(blob, recoveryKey []byte) ([]byte, error) {
	return Unwrap(TierMaster, blob, recoveryKey)
}

// ClearCache drops all cached unwrapped keys. Called on logout and on
// key rotation alongside the metadata cache's ClearAll.
func (k *Keyring) ClearCache() {
	k.mu.Lock()
	defer k.mu.Unlock()

	for id, key := range k.unwrapped {
		ZeroKey(key)
		delete(k.unwrapped, id)
	}
}

// Close zeroes the master key and the unwrap cache.
func (k *Keyring) Close() {
	k.ClearCache()
	ZeroKey(k.master)
}

func (k *Keyring) cachedUnwrap(tier Tier, blob, unwrappingKey []byte) ([]byte, error) {
	id := cacheID(tier, blob)

	k.mu.Lock()
	cached, ok := k.unwrapped[id]
	k.mu.Unlock()
	if ok {
		return cached, nil
	}

	key, err := Unwrap(tier, blob, unwrappingKey)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	k.unwrapped[id] = key
	k.mu.Unlock()

	return key, nil
}

func cacheID(tier Tier, blob []byte) string {
	h := sha256.Sum256(blob)
	return tier.String() + ":" + hex.EncodeToString(h[:])
}
