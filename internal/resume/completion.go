package resume

import (
	"encoding/binary"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/anacrolix/torrent/metainfo"
	tstorage "github.com/anacrolix/torrent/storage"
)

var completionBucket = []byte("completion")

// boltCompletion implements storage.PieceCompletion against one bbolt
// database file. One instance backs exactly one torrent: the database
// file itself is what internal/resume treats as the opaque `.fastresume`
// blob.
type boltCompletion struct {
	mu sync.Mutex
	db *bolt.DB
}

// openBoltCompletion opens (creating if absent) the bolt file at path and
// ensures the completion bucket exists.
func openBoltCompletion(path string) (*boltCompletion, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("resume: open bolt completion db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(completionBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("resume: init bolt bucket: %w", err)
	}
	return &boltCompletion{db: db}, nil
}

func pieceKeyBytes(pk metainfo.PieceKey) []byte {
	hashBytes := pk.InfoHash[:]
	b := make([]byte, len(hashBytes)+4)
	copy(b, hashBytes)
	binary.BigEndian.PutUint32(b[len(b)-4:], uint32(pk.Index))
	return b
}

func (c *boltCompletion) Get(pk metainfo.PieceKey) (tstorage.Completion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var complete bool
	var ok bool
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(completionBucket).Get(pieceKeyBytes(pk))
		if v == nil {
			return nil
		}
		ok = true
		complete = len(v) > 0 && v[0] == 1
		return nil
	})
	if err != nil {
		return tstorage.Completion{}, err
	}
	return tstorage.Completion{Complete: complete, Ok: ok}, nil
}

func (c *boltCompletion) Set(pk metainfo.PieceKey, complete bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	val := []byte{0}
	if complete {
		val = []byte{1}
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(completionBucket).Put(pieceKeyBytes(pk), val)
	})
}

func (c *boltCompletion) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Close()
}
