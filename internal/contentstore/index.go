package contentstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

const blobKeyPrefix = "blob/"

// record is the index entry for one blob, keyed by its content hash.
type record struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	MimeType  string    `json:"mime_type,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// index maps content hashes to records in a pebble database kept next to the blobs.
type index struct {
	db *pebble.DB
}

func openIndex(dir string) (*index, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening blob index: %w", err)
	}
	return &index{db: db}, nil
}

func (ix *index) close() error {
	return ix.db.Close()
}

func blobKey(hash string) []byte {
	return []byte(blobKeyPrefix + hash)
}

// get reports ok=false when the hash is not indexed.
func (ix *index) get(hash string) (record, bool, error) {
	v, closer, err := ix.db.Get(blobKey(hash))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return record{}, false, nil
		}
		return record{}, false, err
	}
	defer closer.Close()

	var rec record
	if err := json.Unmarshal(v, &rec); err != nil {
		return record{}, false, fmt.Errorf("decoding index record %s: %w", hash, err)
	}
	return rec, true, nil
}

func (ix *index) put(hash string, rec record) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ix.db.Set(blobKey(hash), v, pebble.Sync)
}

func (ix *index) delete(hash string) error {
	return ix.db.Delete(blobKey(hash), pebble.Sync)
}

// each visits every record in hash order until fn returns false.
func (ix *index) each(fn func(hash string, rec record) bool) error {
	iter, err := ix.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(blobKeyPrefix),
		UpperBound: []byte("blob0"), // '0' sorts right after '/'
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var rec record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("decoding index record: %w", err)
		}
		hash := string(iter.Key()[len(blobKeyPrefix):])
		if !fn(hash, rec) {
			break
		}
	}
	return iter.Error()
}
