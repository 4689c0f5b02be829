package keyring

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func testDB(t *testing.T) *bolt.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "keys.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func TestBoltKeyStore_DurableRoundTrip(t *testing.T) {
	ks, err := NewBoltKeyStore(testDB(t))
	require.NoError(t, err)

	key := testKey("master")
	require.NoError(t, ks.SaveMaster(key, true))

	got, found, err := ks.LoadMaster()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, key, got)
}

func TestBoltKeyStore_SessionOnlyNeverPersists(t *testing.T) {
	ks, err := NewBoltKeyStore(testDB(t))
	require.NoError(t, err)

	require.NoError(t, ks.SaveMaster(testKey("master"), false))

	got, found, err := ks.LoadMaster()
	require.NoError(t, err)
	assert.False(t, found, "session-only key must not be loadable")
	assert.Nil(t, got)
}

func TestBoltKeyStore_SessionSaveClearsDurableCopy(t *testing.T) {
	// Switching policy from durable to session must remove the old
	// durable copy, not merely stop returning it.
	db := testDB(t)
	ks, err := NewBoltKeyStore(db)
	require.NoError(t, err)

	require.NoError(t, ks.SaveMaster(testKey("master"), true))
	require.NoError(t, ks.SaveMaster(testKey("master"), false))

	err = db.View(func(tx *bolt.Tx) error {
		assert.Nil(t, tx.Bucket(keysBucket).Get(masterKeyKey), "durable copy should be gone from disk")
		return nil
	})
	require.NoError(t, err)
}

func TestBoltKeyStore_StaleDurableCopyClearedOnLoad(t *testing.T) {
	// A key on disk without a durable marker is stale: LoadMaster must
	// clear it and report not-present.
	db := testDB(t)
	ks, err := NewBoltKeyStore(db)
	require.NoError(t, err)

	err = db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(keysBucket).Put(masterKeyKey, testKey("stale"))
	})
	require.NoError(t, err)

	got, found, err := ks.LoadMaster()
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, got)

	err = db.View(func(tx *bolt.Tx) error {
		assert.Nil(t, tx.Bucket(keysBucket).Get(masterKeyKey), "stale copy should be cleared")
		return nil
	})
	require.NoError(t, err)
}

func TestBoltKeyStore_Clear(t *testing.T) {
	ks, err := NewBoltKeyStore(testDB(t))
	require.NoError(t, err)

	require.NoError(t, ks.SaveMaster(testKey("master"), true))
	require.NoError(t, ks.Clear())

	_, found, err := ks.LoadMaster()
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSessionKeyStore_RoundTrip(t *testing.T) {
	ks := &SessionKeyStore{}

	key := testKey("master")
	require.NoError(t, ks.SaveMaster(key, false))

	got, found, err := ks.LoadMaster()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, key, got)

	require.NoError(t, ks.Clear())
	_, found, err = ks.LoadMaster()
	require.NoError(t, err)
	assert.False(t, found)
}
