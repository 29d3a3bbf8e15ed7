package receipt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const previewBucketName = "previews"

type previewRecord struct {
	ContentType string    `json:"content_type"`
	Data        []byte    `json:"data"`
	CreatedAt   time.Time `json:"created_at"`
}

// BoltPreviews implements Previews using BoltDB
type BoltPreviews struct {
	db *bbolt.DB
}

// NewBoltPreviews opens a BoltPreviews store. Previews left over from an
// earlier run are discarded since no session can own them any more.
func NewBoltPreviews(path string) (*BoltPreviews, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(previewBucketName)) != nil {
			if err := tx.DeleteBucket([]byte(previewBucketName)); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucket([]byte(previewBucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltPreviews{db: db}, nil
}

// Allocate stores a preview under a fresh reference
func (b *BoltPreviews) Allocate(data []byte, contentType string) (string, error) {
	ref := uuid.NewString()
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(previewBucketName))
		record, err := json.Marshal(previewRecord{
			ContentType: contentType,
			Data:        data,
			CreatedAt:   time.Now(),
		})
		if err != nil {
			return fmt.Errorf("marshaling preview: %w", err)
		}
		return bucket.Put([]byte(ref), record)
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}

// Get retrieves a preview by reference
func (b *BoltPreviews) Get(ref string) ([]byte, string, error) {
	var record previewRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(previewBucketName))
		data := bucket.Get([]byte(ref))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrPreviewNotFound, ref)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, "", err
	}
	return record.Data, record.ContentType, nil
}

// Release removes a preview. Unknown references are reported.
func (b *BoltPreviews) Release(ref string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(previewBucketName))
		if bucket.Get([]byte(ref)) == nil {
			return fmt.Errorf("%w: %s", ErrPreviewNotFound, ref)
		}
		return bucket.Delete([]byte(ref))
	})
}

// Count returns the number of live previews
func (b *BoltPreviews) Count() (int, error) {
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(previewBucketName)).ForEach(func(k, v []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

// Close closes the database
func (b *BoltPreviews) Close() error {
	return b.db.Close()
}
