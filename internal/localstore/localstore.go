// Package localstore is the durable client-side key-value surface. It holds
// cached entity collections with their last-synced timestamps, the
// pending-write ledger, and small per-actor scalars (vote memberships,
// reputation), all of which survive a process restart.
package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/Chumpton/world-of-ideas-sub001/internal/entity"
)

const (
	collectionPrefix = "collection/"
	ledgerPrefix     = "ledger/"
	votesPrefix      = "votes/"
	reputationPrefix = "reputation/"
	followingPrefix  = "following/"
)

type Store struct {
	db *badger.DB
}

// Open opens (creating if needed) a persistent store rooted at dir.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("local store dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create local store dir %s: %w", dir, err)
	}
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a store that loses its contents on Close. For tests.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory local store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// PutJSON stores v under key as JSON.
func (s *Store) PutJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// GetJSON loads key into v. The second return is false when the key is
// absent.
func (s *Store) GetJSON(key string, v any) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Scan visits every key under prefix with its raw value.
func (s *Store) Scan(prefix string, fn func(key string, value []byte) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if err := item.Value(func(val []byte) error {
				return fn(key, append([]byte{}, val...))
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}
	return nil
}

type collectionDoc struct {
	Entities []entity.Entity `json:"entities"`
	SyncedAt time.Time       `json:"syncedAt"`
}

// SaveCollection persists a cached collection with its sync timestamp.
func (s *Store) SaveCollection(key string, entities []entity.Entity, syncedAt time.Time) error {
	return s.PutJSON(collectionPrefix+key, collectionDoc{Entities: entities, SyncedAt: syncedAt})
}

// LoadCollection returns a cached collection unless it is older than maxAge,
// in which case the stale cache is discarded rather than served.
func (s *Store) LoadCollection(key string, maxAge time.Duration, now time.Time) ([]entity.Entity, time.Time, error) {
	var doc collectionDoc
	found, err := s.GetJSON(collectionPrefix+key, &doc)
	if err != nil || !found {
		return nil, time.Time{}, err
	}
	if maxAge > 0 && now.Sub(doc.SyncedAt) > maxAge {
		if err := s.Delete(collectionPrefix + key); err != nil {
			return nil, time.Time{}, err
		}
		return nil, time.Time{}, nil
	}
	return doc.Entities, doc.SyncedAt, nil
}

// SaveVotes persists the actor's vote membership map (entity id -> "up" or
// "down").
func (s *Store) SaveVotes(actorID string, votes map[string]string) error {
	return s.PutJSON(votesPrefix+actorID, votes)
}

func (s *Store) LoadVotes(actorID string) (map[string]string, error) {
	votes := map[string]string{}
	if _, err := s.GetJSON(votesPrefix+actorID, &votes); err != nil {
		return nil, err
	}
	return votes, nil
}

// SaveFollowing persists the set of profile ids the actor follows.
func (s *Store) SaveFollowing(actorID string, following map[string]bool) error {
	return s.PutJSON(followingPrefix+actorID, following)
}

func (s *Store) LoadFollowing(actorID string) (map[string]bool, error) {
	following := map[string]bool{}
	if _, err := s.GetJSON(followingPrefix+actorID, &following); err != nil {
		return nil, err
	}
	return following, nil
}

func (s *Store) SaveReputation(actorID string, value int) error {
	return s.PutJSON(reputationPrefix+actorID, value)
}

func (s *Store) LoadReputation(actorID string) (int, error) {
	var value int
	if _, err := s.GetJSON(reputationPrefix+actorID, &value); err != nil {
		return 0, err
	}
	return value, nil
}

// LedgerKey namespaces a pending-write record key.
func LedgerKey(temporaryID string) string {
	return ledgerPrefix + temporaryID
}

// LedgerPrefix is the scan prefix for pending-write records.
func LedgerPrefix() string {
	return ledgerPrefix
}
