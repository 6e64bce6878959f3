package store

import (
	"bytes"
	"errors"
	"strconv"

	"github.com/cockroachdb/pebble"

	"msgstore/pkg/errs"
)

// Tx is a scoped transaction over a Pebble indexed batch. Every write in
// the batch becomes visible atomically on Commit; readers never observe a
// partial cascade or a half-applied bulk insert.
type Tx struct {
	b *pebble.Batch
}

// Begin starts a transaction.
func (s *Store) Begin() *Tx {
	return &Tx{b: s.db.NewIndexedBatch()}
}

// Commit applies the batch durably.
func (tx *Tx) Commit() error {
	if err := tx.b.Commit(pebble.Sync); err != nil {
		return errs.Storage(err)
	}
	return nil
}

// Close discards the batch. Safe to call after Commit.
func (tx *Tx) Close() {
	_ = tx.b.Close()
}

// InsertRow stages a row write.
func (tx *Tx) InsertRow(table string, id int64, value []byte) error {
	if err := tx.b.Set(rowKey(table, id), value, nil); err != nil {
		return errs.Storage(err)
	}
	return nil
}

// UpdateRow stages an overwrite of an existing row, returning 0 when the
// row is absent from the batch's view.
func (tx *Tx) UpdateRow(table string, id int64, value []byte) (int, error) {
	_, closer, err := tx.b.Get(rowKey(table, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Storage(err)
	}
	_ = closer.Close()
	if err := tx.b.Set(rowKey(table, id), value, nil); err != nil {
		return 0, errs.Storage(err)
	}
	return 1, nil
}

// DeleteRow stages a row delete, returning the affected count.
func (tx *Tx) DeleteRow(table string, id int64) (int, error) {
	_, closer, err := tx.b.Get(rowKey(table, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Storage(err)
	}
	_ = closer.Close()
	if err := tx.b.Delete(rowKey(table, id), nil); err != nil {
		return 0, errs.Storage(err)
	}
	return 1, nil
}

// AddMember stages a membership edge write.
func (tx *Tx) AddMember(thread, participant int64) error {
	if err := tx.b.Set(memberKey(thread, participant), []byte("1"), nil); err != nil {
		return errs.Storage(err)
	}
	return nil
}

// RemoveMember stages a membership edge delete.
func (tx *Tx) RemoveMember(thread, participant int64) (int, error) {
	_, closer, err := tx.b.Get(memberKey(thread, participant))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Storage(err)
	}
	_ = closer.Close()
	if err := tx.b.Delete(memberKey(thread, participant), nil); err != nil {
		return 0, errs.Storage(err)
	}
	return 1, nil
}

// DeleteMembers stages deletion of every membership edge of a thread,
// returning the number of edges removed.
func (tx *Tx) DeleteMembers(thread int64) (int, error) {
	prefix := memberPrefix(thread)
	iter, err := tx.b.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, errs.Storage(err)
	}
	var keys [][]byte
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return 0, errs.Storage(err)
	}
	if err := iter.Close(); err != nil {
		return 0, errs.Storage(err)
	}
	for _, k := range keys {
		if err := tx.b.Delete(k, nil); err != nil {
			return 0, errs.Storage(err)
		}
	}
	return len(keys), nil
}

// ScanRows walks rows of a table through the batch's view, so staged
// writes are visible to the callback.
func (tx *Tx) ScanRows(table string, fn func(id int64, value []byte) bool) error {
	prefix := rowPrefix(table)
	iter, err := tx.b.NewIter(&pebble.IterOptions{})
	if err != nil {
		return errs.Storage(err)
	}
	defer iter.Close()
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		id, perr := strconv.ParseInt(string(iter.Key()[len(prefix):]), 10, 64)
		if perr != nil {
			continue
		}
		v := append([]byte(nil), iter.Value()...)
		if !fn(id, v) {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return errs.Storage(err)
	}
	return nil
}
