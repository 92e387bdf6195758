// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0

// Package segindex holds a segmentation table on disk, keyed by annotation
// id, so it can be joined onto a base table one chunk at a time without
// keeping either table in memory.
package segindex

import (
	"context"
	"encoding/binary"
	"encoding/csv"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bdpedigo/cavelake/errors"
	bolt "go.etcd.io/bbolt"
)

// DefaultBatchSize is the number of rows written per bolt transaction.
const DefaultBatchSize = 100_000

var bucketRows = []byte("rows")

// Index maps an int64 id to the raw fields of one segmentation row.
type Index struct {
	mu   sync.RWMutex
	path string
	db   *bolt.DB
}

// Open opens or creates the index file at path.
func Open(path string) (*Index, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "opening storage")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRows)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing")
	}
	return &Index{path: path, db: db}, nil
}

// Path returns path to the index's data file.
func (x *Index) Path() string { return x.path }

// Close closes the index.
func (x *Index) Close() error {
	if x.db != nil {
		return x.db.Close()
	}
	return nil
}

// Load reads headerless CSV rows from r and stores each under the integer in
// column keyColumn. Later rows replace earlier rows with the same id. It
// returns the number of rows read.
func (x *Index) Load(ctx context.Context, r io.Reader, keyColumn, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	// Batches are not synced; the file is synced once after the last one.
	x.db.NoSync = true
	defer func() { x.db.NoSync = false }()

	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	batch := make(map[int64][]byte, batchSize)
	n := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return n, errors.Wrapf(err, "reading segmentation row %d", n+1)
		}
		if keyColumn >= len(rec) {
			return n, errors.Newf(errors.ErrSchema, "segmentation row %d has %d columns, key column is %d", n+1, len(rec), keyColumn)
		}
		id, err := strconv.ParseInt(rec[keyColumn], 10, 64)
		if err != nil {
			return n, errors.Newf(errors.ErrSchema, "segmentation row %d: id %q: %v", n+1, rec[keyColumn], err)
		}
		batch[id] = EncodeFields(rec)
		n++

		if len(batch) >= batchSize {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			if err := x.setBulk(batch); err != nil {
				return n, err
			}
			batch = make(map[int64][]byte, batchSize)
		}
	}
	if err := x.setBulk(batch); err != nil {
		return n, err
	}
	return n, errors.Wrap(x.db.Sync(), "syncing index")
}

// setBulk writes rows in key order in one transaction.
func (x *Index) setBulk(m map[int64][]byte) error {
	if len(m) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return keyLess(ids[i], ids[j]) })

	return errors.Wrap(x.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRows)
		for _, id := range ids {
			if err := b.Put(idKey(id), m[id]); err != nil {
				return err
			}
		}
		return nil
	}), "updating index")
}

// Get returns the fields stored for id.
func (x *Index) Get(id int64) (fields []string, ok bool, err error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	err = x.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRows).Get(idKey(id))
		if v == nil {
			return nil
		}
		ok = true
		fields, err = DecodeFields(v)
		return err
	})
	return fields, ok, errors.Wrap(err, "reading index")
}

// Lookup returns the stored fields of every id that has a row. The ids are
// visited in key order within one read transaction.
func (x *Index) Lookup(ids []int64) (map[int64][]string, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return keyLess(sorted[i], sorted[j]) })

	out := make(map[int64][]string, len(ids))
	x.mu.RLock()
	defer x.mu.RUnlock()
	err := x.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRows)
		for i, id := range sorted {
			if i > 0 && sorted[i-1] == id {
				continue
			}
			v := b.Get(idKey(id))
			if v == nil {
				continue
			}
			fields, err := DecodeFields(v)
			if err != nil {
				return errors.Wrapf(err, "decoding row %d", id)
			}
			out[id] = fields
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "looking up rows")
	}
	return out, nil
}

// Len returns the number of ids stored.
func (x *Index) Len() (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var n int
	err := x.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketRows).Stats().KeyN
		return nil
	})
	return n, err
}

// idKey encodes id so that byte order matches unsigned id order.
func idKey(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func keyLess(a, b int64) bool { return uint64(a) < uint64(b) }

// EncodeFields packs fields as a uvarint count followed by uvarint length
// prefixed strings.
func EncodeFields(fields []string) []byte {
	size := binary.MaxVarintLen64
	for _, f := range fields {
		size += binary.MaxVarintLen64 + len(f)
	}
	buf := make([]byte, 0, size)
	buf = binary.AppendUvarint(buf, uint64(len(fields)))
	for _, f := range fields {
		buf = binary.AppendUvarint(buf, uint64(len(f)))
		buf = append(buf, f...)
	}
	return buf
}

// DecodeFields reverses EncodeFields.
func DecodeFields(b []byte) ([]string, error) {
	n, w := binary.Uvarint(b)
	if w <= 0 {
		return nil, errors.New(errors.ErrUncoded, "corrupt field count")
	}
	b = b[w:]
	fields := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		l, w := binary.Uvarint(b)
		if w <= 0 || uint64(len(b)-w) < l {
			return nil, errors.Newf(errors.ErrUncoded, "corrupt field %d", i)
		}
		fields = append(fields, string(b[w:w+int(l)]))
		b = b[w+int(l):]
	}
	return fields, nil
}
