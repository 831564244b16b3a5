package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/nicktill/meterflow/pkg/rollup"
)

func bucketPrefix(deviceID string, g rollup.Granularity) []byte {
	key := append([]byte{prefixBucket}, deviceHash(deviceID)...)
	return append(key, byte(g))
}

func bucketKey(v rollup.BucketView) []byte {
	return binary.BigEndian.AppendUint64(bucketPrefix(v.DeviceID, v.Granularity), uint64(v.Start.UnixNano()))
}

func checkpointKey(deviceID string) []byte {
	return append([]byte{prefixCheckpoint}, deviceID...)
}

// SaveCheckpoint writes the views and the checkpoint in one transaction.
func (s *Storage) SaveCheckpoint(ctx context.Context, cp rollup.Checkpoint, views []rollup.BucketView) error {
	if err := ctx.Err(); err != nil {
		return storageErr("save checkpoint", err)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, v := range views {
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encoding bucket: %w", err)
			}
			if err := txn.Set(bucketKey(v), data); err != nil {
				return err
			}
		}
		data, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("encoding checkpoint: %w", err)
		}
		return txn.Set(checkpointKey(cp.DeviceID), data)
	})
	if err != nil {
		return storageErr("save checkpoint", err)
	}
	return nil
}

// LoadCheckpoints reads every 'c' key.
func (s *Storage) LoadCheckpoints(ctx context.Context) ([]rollup.Checkpoint, error) {
	var out []rollup.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixCheckpoint}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var cp rollup.Checkpoint
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cp)
			}); err != nil {
				return fmt.Errorf("decoding checkpoint: %w", err)
			}
			out = append(out, cp)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("load checkpoints", err)
	}
	return out, nil
}

// LoadBuckets reads both granularities of the device's buckets.
func (s *Storage) LoadBuckets(ctx context.Context, deviceID string) ([]rollup.BucketView, error) {
	var out []rollup.BucketView
	err := s.db.View(func(txn *badger.Txn) error {
		for _, g := range rollup.Granularities {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = bucketPrefix(deviceID, g)
			it := txn.NewIterator(opts)

			for it.Rewind(); it.Valid(); it.Next() {
				var v rollup.BucketView
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &v)
				}); err != nil {
					it.Close()
					return fmt.Errorf("decoding bucket: %w", err)
				}
				if v.DeviceID == deviceID {
					out = append(out, v)
				}
			}
			it.Close()
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, storageErr("load buckets", err)
	}
	return out, nil
}

// DeleteBuckets removes buckets starting before startBefore. Keys are ordered
// by start, so the scan stops at the first newer bucket.
func (s *Storage) DeleteBuckets(ctx context.Context, deviceID string, g rollup.Granularity, startBefore time.Time) error {
	prefix := bucketPrefix(deviceID, g)
	bound := binary.BigEndian.AppendUint64(append([]byte(nil), prefix...), uint64(startBefore.UnixNano()))

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if bytes.Compare(key, bound) >= 0 {
				return nil
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return storageErr("delete buckets", err)
	}
	if len(keys) == 0 {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return storageErr("delete buckets", err)
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return storageErr("delete buckets", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return storageErr("delete buckets", err)
	}
	return nil
}

var _ rollup.Persister = (*Storage)(nil)
