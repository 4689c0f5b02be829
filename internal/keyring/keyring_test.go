package keyring

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonchat/chatsync/internal/syncerrors"
)

// testKey returns a deterministic 32-byte key for testing.
func testKey(seed string) []byte {
	h := sha256.Sum256([]byte(seed))
	return h[:]
}

func testKeyring(t *testing.T) *Keyring {
	t.Helper()

	k, err := New(testKey("master"))
	require.NoError(t, err)

	return k
}

// --- DeriveMasterKey ---

func TestDeriveMasterKey_Deterministic(t *testing.T) {
	k1, err := DeriveMasterKey("passphrase", "account-salt")
	require.NoError(t, err)
	assert.Len(t, k1, KeySize)

	k2, err := DeriveMasterKey("passphrase", "account-salt")
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "same inputs must produce same key")
}

func TestDeriveMasterKey_DifferentInputsDifferentKeys(t *testing.T) {
	k1, err := DeriveMasterKey("passphrase", "salt")
	require.NoError(t, err)

	k2, err := DeriveMasterKey("passphrase2", "salt")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	k3, err := DeriveMasterKey("passphrase", "salt2")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestDeriveMasterKey_NFKCNormalization(t *testing.T) {
	// The fullwidth 'A' (U+FF21) normalizes to ASCII 'A' under NFKC, so
	// both spellings must derive the same key across platforms.
	k1, err := DeriveMasterKey("Ａ", "salt")
	require.NoError(t, err)

	k2, err := DeriveMasterKey("A", "salt")
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "NFKC-equivalent passphrases must derive the same key")
}

// --- Wrap / Unwrap ---

func TestWrapUnwrap_RoundTrip(t *testing.T) {
	wrapping := testKey("wrapping")
	key := testKey("inner")

	blob, err := Wrap(TierConversation, key, wrapping)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), string(key), "blob must not contain the raw key")

	got, err := Unwrap(TierConversation, blob, wrapping)
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestWrap_FreshNoncePerCall(t *testing.T) {
	wrapping := testKey("wrapping")
	key := testKey("inner")

	b1, err := Wrap(TierConversation, key, wrapping)
	require.NoError(t, err)
	b2, err := Wrap(TierConversation, key, wrapping)
	require.NoError(t, err)

	assert.NotEqual(t, b1, b2, "wrapping twice must produce distinct blobs")
}

func TestUnwrap_WrongKey_KeyMismatch(t *testing.T) {
	blob, err := Wrap(TierConversation, testKey("inner"), testKey("right"))
	require.NoError(t, err)

	got, err := Unwrap(TierConversation, blob, testKey("wrong"))
	assert.ErrorIs(t, err, syncerrors.ErrKeyMismatch)
	assert.Nil(t, got, "a failed unwrap must never return key material")
}

func TestUnwrap_WrongTier_KeyMismatch(t *testing.T) {
	// Tier isolation: an attachment blob never unwraps as a
	// conversation key even with the correct wrapping key.
	wrapping := testKey("wrapping")
	blob, err := Wrap(TierAttachment, testKey("inner"), wrapping)
	require.NoError(t, err)

	got, err := Unwrap(TierConversation, blob, wrapping)
	assert.ErrorIs(t, err, syncerrors.ErrKeyMismatch)
	assert.Nil(t, got)
}

func TestUnwrap_TruncatedBlob_KeyMismatch(t *testing.T) {
	_, err := Unwrap(TierMaster, []byte{0x01, 0x02, 0x03}, testKey("any"))
	assert.ErrorIs(t, err, syncerrors.ErrKeyMismatch)
}

func TestUnwrap_TamperedBlob_KeyMismatch(t *testing.T) {
	wrapping := testKey("wrapping")
	blob, err := Wrap(TierMaster, testKey("inner"), wrapping)
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0xFF

	_, err = Unwrap(TierMaster, blob, wrapping)
	assert.ErrorIs(t, err, syncerrors.ErrKeyMismatch)
}

func TestWrap_RejectsBadKeyLength(t *testing.T) {
	_, err := Wrap(TierMaster, testKey("inner"), []byte("short"))
	assert.ErrorContains(t, err, "32 bytes")
}

// --- Keyring ---

func TestKeyring_ConversationKeyRoundTrip(t *testing.T) {
	k := testKeyring(t)

	convKey, err := NewKey()
	require.NoError(t, err)

	wrapped, err := k.WrapConversationKey(convKey)
	require.NoError(t, err)

	got, err := k.ConversationKey(wrapped)
	require.NoError(t, err)
	assert.Equal(t, convKey, got)
}

func TestKeyring_AttachmentKeyIsolation(t *testing.T) {
	// Unwrapping an attachment key with an unrelated conversation key
	// must fail with a key mismatch, never return plausible key bytes.
	k := testKeyring(t)

	convA := testKey("conversation-a")
	convB := testKey("conversation-b")

	attKey, err := NewKey()
	require.NoError(t, err)

	wrapped, err := k.WrapAttachmentKey(attKey, convA)
	require.NoError(t, err)

	got, err := k.AttachmentKey(wrapped, convB)
	assert.ErrorIs(t, err, syncerrors.ErrKeyMismatch)
	assert.Nil(t, got)

	got, err = k.AttachmentKey(wrapped, convA)
	require.NoError(t, err)
	assert.Equal(t, attKey, got)
}

func TestKeyring_OwnerAttachmentWrap(t *testing.T) {
	k := testKeyring(t)

	attKey, err := NewKey()
	require.NoError(t, err)

	ownerWrapped, err := k.WrapAttachmentKeyForOwner(attKey)
	require.NoError(t, err)

	got, err := k.OwnerAttachmentKey(ownerWrapped)
	require.NoError(t, err)
	assert.Equal(t, attKey, got)
}

func TestKeyring_UnwrapCacheSurvivesRepeatedReads(t *testing.T) {
	k := testKeyring(t)

	convKey, err := NewKey()
	require.NoError(t, err)
	wrapped, err := k.WrapConversationKey(convKey)
	require.NoError(t, err)

	first, err := k.ConversationKey(wrapped)
	require.NoError(t, err)
	second, err := k.ConversationKey(wrapped)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestKeyring_ClearCacheForcesReUnwrap(t *testing.T) {
	k := testKeyring(t)

	convKey, err := NewKey()
	require.NoError(t, err)
	wrapped, err := k.WrapConversationKey(convKey)
	require.NoError(t, err)

	_, err = k.ConversationKey(wrapped)
	require.NoError(t, err)

	k.ClearCache()

	got, err := k.ConversationKey(wrapped)
	require.NoError(t, err)
	assert.Equal(t, convKey, got, "re-unwrap after cache clear should still succeed")
}

func TestRecoveryEscrow_RoundTrip(t *testing.T) {
	master := testKey("master")
	k, err := New(master)
	require.NoError(t, err)

	recovery := testKey("recovery")
	blob, err := k.WrapMasterForRecovery(recovery)
	require.NoError(t, err)

	got, err := UnwrapMasterFromRecovery(blob, recovery)
	require.NoError(t, err)
	assert.Equal(t, master, got)

	_, err = UnwrapMasterFromRecovery(blob, testKey("wrong-recovery"))
	assert.ErrorIs(t, err, syncerrors.ErrKeyMismatch)
}

func TestKeyHash_Deterministic(t *testing.T) {
	key := testKey("master")
	assert.Equal(t, KeyHash(key), KeyHash(key))
	assert.Len(t, KeyHash(key), 64, "SHA-256 hex is 64 characters")
}

func TestNewKey_Random(t *testing.T) {
	k1, err := NewKey()
	require.NoError(t, err)
	k2, err := NewKey()
	require.NoError(t, err)

	assert.Len(t, k1, KeySize)
	assert.NotEqual(t, k1, k2)
}

func TestZeroKey(t *testing.T) {
	key := testKey("zero-me")
	ZeroKey(key)
	for _, b := range key {
		assert.Zero(t, b)
	}
}
