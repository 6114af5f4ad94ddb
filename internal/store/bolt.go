package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"chorelink/internal/domain"
)

const (
	bucketBasket = "basket"
	bucketState  = "state"

	keyKillSwitch = "kill_switch"
)

// Compile-time interface check.
var _ BasketStore = (*BoltBasketStore)(nil)

// BoltBasketStore implements BasketStore on a bbolt file. Chores are stored
// as JSON keyed by logical id.
type BoltBasketStore struct {
	db *bolt.DB
}

// NewBoltBasketStore opens (or creates) the bbolt file at path.
func NewBoltBasketStore(path string) (*BoltBasketStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketBasket, bucketState} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bolt buckets: %w", err)
	}
	return &BoltBasketStore{db: db}, nil
}

// Close closes the bbolt file.
func (s *BoltBasketStore) Close() error {
	return s.db.Close()
}

func (s *BoltBasketStore) SaveChore(_ context.Context, c domain.Chore) error {
	key := c.LogicalID()
	if key == "" {
		return fmt.Errorf("save chore: missing ref")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode chore %s: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBasket)).Put([]byte(key), data)
	})
}

func (s *BoltBasketStore) DeleteChore(_ context.Context, ref string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBasket)).Delete([]byte(ref))
	})
}

// LoadChore returns one managed chore or ErrNotFound.
func (s *BoltBasketStore) LoadChore(_ context.Context, ref string) (domain.Chore, error) {
	var c domain.Chore
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketBasket)).Get([]byte(ref))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &c)
	})
	return c, err
}

func (s *BoltBasketStore) ListChores(_ context.Context) ([]domain.Chore, error) {
	var out []domain.Chore
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBasket)).ForEach(func(k, v []byte) error {
			var c domain.Chore
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("decode chore %s: %w", k, err)
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

func (s *BoltBasketStore) SetKillSwitch(_ context.Context, active bool) error {
	v := []byte{0}
	if active {
		v[0] = 1
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketState)).Put([]byte(keyKillSwitch), v)
	})
}

func (s *BoltBasketStore) KillSwitch(_ context.Context) (bool, error) {
	var active bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketState)).Get([]byte(keyKillSwitch))
		active = len(v) == 1 && v[0] == 1
		return nil
	})
	return active, err
}
