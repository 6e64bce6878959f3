// Package store implements the storage boundary on Pebble: column-typed
// tables as JSON rows under namespaced keys, per-table id sequences,
// membership edges, and an atomic batch wrapper for cascades and bulk
// inserts.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"msgstore/pkg/errs"
	"msgstore/pkg/logger"
)

// Table names used by the core. Kept as constants so key construction
// stays in one place.
const (
	TableParticipant  = "participant"
	TableThread       = "thread"
	TableMessage      = "message"
	TableDelivery     = "delivery"
	TableFileTransfer = "file_transfer"
	TableEvent        = "event"
)

// Store wraps a Pebble database. All row values are JSON.
//
// Key layout:
//
//	meta:schema_version              current schema version
//	seq:<table>                      last allocated id for <table>
//	row:<table>:<id, 20 digits>      entity row
//	member:<thread>:<participant>    group membership edge
type Store struct {
	db   *pebble.DB
	path string

	// seqMu serializes id allocation across tables.
	seqMu sync.Mutex
}

// Open opens (or creates) the store at path and brings the schema up to
// the current version.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Log.Error("store_open_failed", zap.String("path", path), zap.Error(err))
		return nil, errs.Storage(err)
	}
	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Log.Info("store_opened", zap.String("path", path))
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return errs.Storage(err)
	}
	logger.Log.Info("store_closed", zap.String("path", s.path))
	return nil
}

func rowKey(table string, id int64) []byte {
	return []byte(fmt.Sprintf("row:%s:%020d", table, id))
}

func rowPrefix(table string) []byte {
	return []byte("row:" + table + ":")
}

func memberKey(thread, participant int64) []byte {
	return []byte(fmt.Sprintf("member:%020d:%020d", thread, participant))
}

func memberPrefix(thread int64) []byte {
	return []byte(fmt.Sprintf("member:%020d:", thread))
}

func seqKey(table string) []byte {
	return []byte("seq:" + table)
}

// NextID allocates the next id for a table. The sequence is persisted
// before the id is handed out, so a crashed or aborted insert never
// reuses an id and deleted rows are never resurrected under the same id.
func (s *Store) NextID(table string) (int64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	var cur int64
	v, closer, err := s.db.Get(seqKey(table))
	switch {
	case err == nil:
		cur, err = strconv.ParseInt(string(v), 10, 64)
		_ = closer.Close()
		if err != nil {
			return 0, errs.Storage(fmt.Errorf("corrupt sequence for %s: %v", table, err))
		}
	case errors.Is(err, pebble.ErrNotFound):
		cur = 0
	default:
		return 0, errs.Storage(err)
	}

	next := cur + 1
	if err := s.db.Set(seqKey(table), []byte(strconv.FormatInt(next, 10)), pebble.Sync); err != nil {
		return 0, errs.Storage(err)
	}
	return next, nil
}

// InsertRow writes a new row. The caller allocates the id via NextID (or
// supplies a caller-chosen one, e.g. stable delivery ids).
func (s *Store) InsertRow(table string, id int64, value []byte) error {
	if err := s.db.Set(rowKey(table, id), value, pebble.Sync); err != nil {
		logger.Log.Error("insert_row_failed", zap.String("table", table), zap.Int64("id", id), zap.Error(err))
		return errs.Storage(err)
	}
	return nil
}

// GetRow returns the row value or ErrNotFound.
func (s *Store) GetRow(table string, id int64) ([]byte, error) {
	v, closer, err := s.db.Get(rowKey(table, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, errs.NotFound("%s/%d", table, id)
	}
	if err != nil {
		return nil, errs.Storage(err)
	}
	out := append([]byte(nil), v...)
	_ = closer.Close()
	return out, nil
}

// HasRow reports whether a row exists.
func (s *Store) HasRow(table string, id int64) (bool, error) {
	_, err := s.GetRow(table, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// UpdateRow overwrites an existing row, returning the affected count
// (0 when the row does not exist, matching bulk-operation semantics).
func (s *Store) UpdateRow(table string, id int64, value []byte) (int, error) {
	ok, err := s.HasRow(table, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if err := s.db.Set(rowKey(table, id), value, pebble.Sync); err != nil {
		return 0, errs.Storage(err)
	}
	return 1, nil
}

// DeleteRow removes a row, returning the affected count.
func (s *Store) DeleteRow(table string, id int64) (int, error) {
	ok, err := s.HasRow(table, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if err := s.db.Delete(rowKey(table, id), pebble.Sync); err != nil {
		return 0, errs.Storage(err)
	}
	return 1, nil
}

// ScanRows walks all rows of a table in id order. The callback returns
// false to stop early.
func (s *Store) ScanRows(table string, fn func(id int64, value []byte) bool) error {
	prefix := rowPrefix(table)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
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

// AddMember writes a membership edge.
func (s *Store) AddMember(thread, participant int64) error {
	if err := s.db.Set(memberKey(thread, participant), []byte("1"), pebble.Sync); err != nil {
		return errs.Storage(err)
	}
	return nil
}

// HasMember reports whether the edge exists.
func (s *Store) HasMember(thread, participant int64) (bool, error) {
	_, closer, err := s.db.Get(memberKey(thread, participant))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errs.Storage(err)
	}
	_ = closer.Close()
	return true, nil
}

// RemoveMember deletes a membership edge, returning the affected count.
func (s *Store) RemoveMember(thread, participant int64) (int, error) {
	ok, err := s.HasMember(thread, participant)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if err := s.db.Delete(memberKey(thread, participant), pebble.Sync); err != nil {
		return 0, errs.Storage(err)
	}
	return 1, nil
}

// Members returns the participant ids of a thread in ascending order.
func (s *Store) Members(thread int64) ([]int64, error) {
	prefix := memberPrefix(thread)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, errs.Storage(err)
	}
	defer iter.Close()
	var out []int64
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		id, perr := strconv.ParseInt(string(iter.Key()[len(prefix):]), 10, 64)
		if perr != nil {
			continue
		}
		out = append(out, id)
	}
	if err := iter.Error(); err != nil {
		return nil, errs.Storage(err)
	}
	return out, nil
}

// MemberThreads returns the ids of all threads the participant is a
// member of. Full edge scan; the store is single-node and membership
// legality is a business rule checked on every delete.
func (s *Store) MemberThreads(participant int64) ([]int64, error) {
	prefix := []byte("member:")
	suffix := []byte(fmt.Sprintf(":%020d", participant))
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, errs.Storage(err)
	}
	defer iter.Close()
	var out []int64
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		k := iter.Key()
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		if !bytes.HasSuffix(k, suffix) {
			continue
		}
		id, perr := strconv.ParseInt(string(k[len(prefix):len(prefix)+20]), 10, 64)
		if perr != nil {
			continue
		}
		out = append(out, id)
	}
	if err := iter.Error(); err != nil {
		return nil, errs.Storage(err)
	}
	return out, nil
}
