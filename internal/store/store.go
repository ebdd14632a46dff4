// Package store is the durable key-value layer under the sync engine: a
// single bbolt database holding the subscribed channel set, per-channel
// sync bookkeeping, read marks and the bounded event cache. bbolt commits
// are copy-on-write, so a crash mid-save never corrupts the previous
// value.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alexjbarnes/alertsync/internal/alert"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the data directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt file lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket      = []byte("app")
	channelsBucket = []byte("channels")
	syncBucket     = []byte("sync")
	readBucket     = []byte("read")

	tokenKey = []byte("token")
)

func channelEventsBucket(channelID string) []byte {
	return []byte("channel:" + channelID + ":events")
}

// legacyKeyPrefix marks event keys for payloads that carried no sequence
// number. Big-endian sequence keys start with 0x00 bytes, so legacy keys
// always sort after tracked ones inside the bucket.
const legacyKeyPrefix = "u:"

// Store wraps a bbolt database for all persistent client state.
type Store struct {
	db *bolt.DB
}

// Open opens the database inside dataDir, creating directory and file as
// needed.
func Open(dataDir string) (*Store, error) {
	return OpenAt(filepath.Join(dataDir, "state.db"))
}

// OpenAt opens a database at the given path. Useful for tests that need
// an isolated database.
func OpenAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{appBucket, channelsBucket, syncBucket, readBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Token returns the cached bearer token, or empty string.
func (s *Store) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(tokenKey); v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the bearer token.
func (s *Store) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// SetChannel persists a channel record, keyed by its canonical ID.
func (s *Store) SetChannel(ch alert.Channel) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ch)
		if err != nil {
			return err
		}

		return tx.Bucket(channelsBucket).Put([]byte(ch.ID()), data)
	})
}

// DeleteChannel removes a channel record.
func (s *Store) DeleteChannel(channelID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(channelsBucket).Delete([]byte(channelID))
	})
}

// Channels returns all persisted channel records keyed by ID.
func (s *Store) Channels() (map[string]alert.Channel, error) {
	result := make(map[string]alert.Channel)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(channelsBucket).ForEach(func(k, v []byte) error {
			var ch alert.Channel
			if err := json.Unmarshal(v, &ch); err != nil {
				return err
			}

			result[string(k)] = ch

			return nil
		})
	})

	return result, err
}

// GetSyncState returns the sync bookkeeping for a channel, zero-valued if
// the channel has never been seen.
func (s *Store) GetSyncState(channelID string) (alert.SyncState, error) {
	var st alert.SyncState
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(syncBucket).Get([]byte(channelID))
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &st)
	})

	return st, err
}

// SetSyncState persists the sync bookkeeping for a channel.
func (s *Store) SetSyncState(channelID string, st alert.SyncState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}

		return tx.Bucket(syncBucket).Put([]byte(channelID), data)
	})
}

// AllSyncStates returns the sync bookkeeping for every known channel.
func (s *Store) AllSyncStates() (map[string]alert.SyncState, error) {
	result := make(map[string]alert.SyncState)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(syncBucket).ForEach(func(k, v []byte) error {
			var st alert.SyncState
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}

			result[string(k)] = st

			return nil
		})
	})

	return result, err
}

// DeleteSyncState removes the sync bookkeeping for a channel.
func (s *Store) DeleteSyncState(channelID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(syncBucket).Delete([]byte(channelID))
	})
}

// eventKey builds the bucket key for an event. Tracked events use the
// big-endian sequence so a bbolt cursor walks them in sequence order.
func eventKey(ev alert.Event) []byte {
	if ev.Tracked() {
		var k [8]byte
		binary.BigEndian.PutUint64(k[:], uint64(ev.Sequence))

		return k[:]
	}

	if ev.ID != "" {
		return []byte(legacyKeyPrefix + ev.ID)
	}

	return []byte(fmt.Sprintf("%st%d", legacyKeyPrefix, ev.Timestamp))
}

// PutEvent persists an event into its channel's event bucket.
func (s *Store) PutEvent(ev alert.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(channelEventsBucket(ev.Channel))
		if err != nil {
			return err
		}

		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}

		return b.Put(eventKey(ev), data)
	})
}

// DeleteEvent removes an event from its channel's event bucket.
func (s *Store) DeleteEvent(ev alert.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(channelEventsBucket(ev.Channel))
		if b == nil {
			return nil
		}

		return b.Delete(eventKey(ev))
	})
}

// Events returns all cached events for a channel in display order.
// Tracked events come back in sequence order straight from the cursor;
// the sort only interleaves legacy events by timestamp.
func (s *Store) Events(channelID string) ([]alert.Event, error) {
	var events []alert.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(channelEventsBucket(channelID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var ev alert.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}

			events = append(events, ev)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Less(events[j]) })

	return events, nil
}

// EventChannels returns the IDs of all channels that have a cached-event
// bucket, subscribed or not.
func (s *Store) EventChannels() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			n := string(name)
			if strings.HasPrefix(n, "channel:") && strings.HasSuffix(n, ":events") {
				ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(n, "channel:"), ":events"))
			}

			return nil
		})
	})

	return ids, err
}

// ReadMark returns the read high-water sequence for a channel.
func (s *Store) ReadMark(channelID string) (int64, error) {
	var mark int64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(readBucket).Get([]byte(channelID))
		if len(v) == 8 {
			mark = int64(binary.BigEndian.Uint64(v))
		}

		return nil
	})

	return mark, err
}

// SetReadMark persists the read high-water sequence for a channel.
func (s *Store) SetReadMark(channelID string, mark int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(mark))

		return tx.Bucket(readBucket).Put([]byte(channelID), v[:])
	})
}

// PurgeChannel drops the cached events, sync bookkeeping and read mark
// for a channel. The channel record itself is left to DeleteChannel.
func (s *Store) PurgeChannel(channelID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := deleteBucketIfExists(tx, channelEventsBucket(channelID)); err != nil {
			return err
		}

		if err := tx.Bucket(syncBucket).Delete([]byte(channelID)); err != nil {
			return err
		}

		return tx.Bucket(readBucket).Delete([]byte(channelID))
	})
}

// ClearAll wipes every bucket, returning the store to its freshly-opened
// state. Backs the explicit "clear data" operation.
func (s *Store) ClearAll() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var drop [][]byte
		if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			drop = append(drop, append([]byte(nil), name...))
			return nil
		}); err != nil {
			return err
		}

		for _, name := range drop {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}

		for _, b := range [][]byte{appBucket, channelsBucket, syncBucket, readBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}

		return nil
	})
}

func deleteBucketIfExists(tx *bolt.Tx, name []byte) error {
	if tx.Bucket(name) == nil {
		return nil
	}

	return tx.DeleteBucket(name)
}
