package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/d3vra/presignctrl/internal/urlcache"
)

var urlBucket = []byte("urls")

type boltMirror struct {
	db *bolt.DB
}

// NewBolt opens or creates the mirror database file at path.
func NewBolt(path string) (Mirror, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("mirror: bolt open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(urlBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mirror: bolt bucket: %w", err)
	}
	return &boltMirror{db: db}, nil
}

func (m *boltMirror) Save(_ context.Context, key urlcache.Key, entry urlcache.Entry) error {
	if entry.Expired(time.Now()) {
		return nil
	}
	payload, err := json.Marshal(record{Owner: key.Owner, Index: key.Index, Entry: entry})
	if err != nil {
		return fmt.Errorf("mirror: bolt marshal: %w", err)
	}
	if err := m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(urlBucket).Put([]byte(key.String()), payload)
	}); err != nil {
		return fmt.Errorf("mirror: bolt put: %w", err)
	}
	return nil
}

// Load returns all live entries and compacts expired rows away in the same
// transaction. Bolt has no server-side TTL, so expiry is enforced here.
func (m *boltMirror) Load(_ context.Context) (map[urlcache.Key]urlcache.Entry, error) {
	entries := make(map[urlcache.Key]urlcache.Entry)
	now := time.Now()
	err := m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(urlBucket)
		var dead [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("mirror: bolt unmarshal %q: %w", k, err)
			}
			if rec.Entry.Expired(now) {
				dead = append(dead, append([]byte(nil), k...))
				return nil
			}
			entries[urlcache.Key{Owner: rec.Owner, Index: rec.Index}] = rec.Entry
			return nil
		}); err != nil {
			return err
		}
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (m *boltMirror) Close(context.Context) error {
	return m.db.Close()
}
