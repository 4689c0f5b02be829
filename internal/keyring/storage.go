package keyring

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// KeyStore is the durable key persistence boundary. Whether the master
// key survives a restart ("durable") or lives only for the process
// ("session") is caller-supplied policy at save time; the store never
// decides it.
type KeyStore interface {
	// SaveMaster persists the master key according to the durable flag
	// and records that choice in a marker independent of the key itself.
	SaveMaster(key []byte, durable bool) error

	// LoadMaster returns the persisted master key, if any. When the
	// recorded policy is session-only, any stale durable copy is
	// positively cleared and (nil, false, nil) is returned.
	LoadMaster() ([]byte, bool, error)

	// Clear removes the persisted key and marker. Called on logout.
	Clear() error
}

var (
	keysBucket    = []byte("keys")
	masterKeyKey  = []byte("master")
	masterModeKey = []byte("master_mode")
)

const (
	modeDurable = "durable"
	modeSession = "session"
)

// BoltKeyStore persists the master key in the shared bbolt database.
// The persistence mode is stored as its own marker record so that on
// launch the engine can positively decide whether a durable copy is
// trusted or stale: this is security policy, not an optimization.
type BoltKeyStore struct {
	db *bolt.DB
}

// NewBoltKeyStore creates a key store over an open bbolt database and
// ensures its bucket exists.
func NewBoltKeyStore(db *bolt.DB) (*BoltKeyStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(keysBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("initializing keys bucket: %w", err)
	}

	return &BoltKeyStore{db: db}, nil
}

// SaveMaster implements KeyStore. Session-only saves remove any durable
// copy rather than leaving it behind.
func (s *BoltKeyStore) SaveMaster(key []byte, durable bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(keysBucket)

		if !durable {
			if err := b.Delete(masterKeyKey); err != nil {
				return err
			}
			return b.Put(masterModeKey, []byte(modeSession))
		}

		stored := make([]byte, len(key))
		copy(stored, key)
		if err := b.Put(masterKeyKey, stored); err != nil {
			return err
		}
		return b.Put(masterModeKey, []byte(modeDurable))
	})
}

// LoadMaster implements KeyStore.
func (s *BoltKeyStore) LoadMaster() ([]byte, bool, error) {
	var (
		key   []byte
		found bool
		stale bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(keysBucket)

		mode := string(b.Get(masterModeKey))
		v := b.Get(masterKeyKey)

		if mode != modeDurable {
			// A key present without a durable marker is a stale copy
			// from a session the user chose not to remember.
			stale = v != nil
			return nil
		}

		if v != nil {
			key = make([]byte, len(v))
			copy(key, v)
			found = true
		}

		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("loading master key: %w", err)
	}

	if stale {
		if err := s.clearKeyOnly(); err != nil {
			return nil, false, fmt.Errorf("clearing stale master key: %w", err)
		}
	}

	return key, found, nil
}

// Clear implements KeyStore.
func (s *BoltKeyStore) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(keysBucket)
		if err := b.Delete(masterKeyKey); err != nil {
			return err
		}
		return b.Delete(masterModeKey)
	})
}

func (s *BoltKeyStore) clearKeyOnly() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(keysBucket).Delete(masterKeyKey)
	})
}

// SessionKeyStore keeps the master key in memory only. Used when the
// caller's policy is "do not remember across sessions".
type SessionKeyStore struct {
	key []byte
}

// SaveMaster implements KeyStore. The durable flag is ignored by
// construction: this store cannot outlive the process.
func (s *SessionKeyStore) SaveMaster(key []byte, _ bool) error {
	s.key = make([]byte, len(key))
	copy(s.key, key)
	return nil
}

// LoadMaster implements KeyStore.
func (s *SessionKeyStore) LoadMaster() ([]byte, bool, error) {
	if s.key == nil {
		return nil, false, nil
	}

	key := make([]byte, len(s.key))
	copy(key, s.key)
	return key, true, nil
}

// Clear implements KeyStore.
func (s *SessionKeyStore) Clear() error {
	ZeroKey(s.key)
	s.key = nil
	return nil
}
