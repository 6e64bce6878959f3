// Package provider is the consistency engine: it validates and applies
// mutations against the referential rules of the message store, serves
// reads through the query engine, and reports affected collections to
// the notification hub.
//
// Two observed asymmetries are preserved deliberately, not bugs:
//   - p2p thread creation rejects duplicates for the same peer (as a
//     silent no-op), while group creation never deduplicates.
//   - delivery inserts are not idempotent per (message, recipient);
//     callers wanting idempotency must address a stable delivery id.
package provider

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"msgstore/pkg/address"
	"msgstore/pkg/errs"
	"msgstore/pkg/logger"
	"msgstore/pkg/models"
	"msgstore/pkg/notify"
	"msgstore/pkg/query"
	"msgstore/pkg/store"
)

const lockStripes = 64

// Provider applies operations synchronously on the calling goroutine.
// Mutations take a striped lock keyed by the owning entity id, never a
// global lock, so unrelated threads' operations stay independent.
type Provider struct {
	s   *store.Store
	hub *notify.Hub
	q   *query.Engine

	locks [lockStripes]sync.Mutex
}

func New(s *store.Store, hub *notify.Hub) *Provider {
	return &Provider{s: s, hub: hub, q: query.New(s)}
}

func (p *Provider) lock(ownerID int64) *sync.Mutex {
	return &p.locks[uint64(ownerID)%lockStripes]
}

// Query resolves the address and runs the query engine.
func (p *Provider) Query(addr string, spec query.Spec) (*query.Page, error) {
	t, err := address.Resolve(addr)
	if err != nil {
		return nil, err
	}
	if err := t.Allows(address.OpQuery); err != nil {
		return nil, err
	}
	return p.q.Run(t, spec)
}

// kindCollection maps a thread kind to its collection id.
func kindCollection(kind models.ThreadKind) string {
	if kind == models.ThreadGroup {
		return "/group_thread"
	}
	return "/p2p_thread"
}

// loadThread fetches and decodes a thread row, nil when absent.
func (p *Provider) loadThread(id int64) (*models.Thread, error) {
	raw, err := p.s.GetRow(store.TableThread, id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var th models.Thread
	if err := json.Unmarshal(raw, &th); err != nil {
		return nil, errs.Storage(err)
	}
	return &th, nil
}

func (p *Provider) loadMessage(id int64) (*models.Message, error) {
	raw, err := p.s.GetRow(store.TableMessage, id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var m models.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errs.Storage(err)
	}
	return &m, nil
}

func (p *Provider) participantExists(id int64) (bool, error) {
	return p.s.HasRow(store.TableParticipant, id)
}

// findP2PThread returns the id of the p2p thread for the given peer, or
// 0 when none exists. Duplicate detection is by peer identity alone.
func (p *Provider) findP2PThread(peer int64) (int64, error) {
	var found int64
	err := p.s.ScanRows(store.TableThread, func(id int64, v []byte) bool {
		var th models.Thread
		if json.Unmarshal(v, &th) != nil {
			return true
		}
		if th.Kind == models.ThreadP2P && th.Peer == peer {
			found = id
			return false
		}
		return true
	})
	return found, err
}

// messageCollection builds the thread-scoped collection id for a
// message, e.g. "/p2p_thread/5/incoming_message".
func messageCollection(kind models.ThreadKind, thread int64, dir models.Direction) string {
	name := "/incoming_message"
	if dir == models.Outgoing {
		name = "/outgoing_message"
	}
	return kindCollection(kind) + "/" + itoa(thread) + name
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func marshalRow(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		logger.Log.Error("row_marshal_failed", zap.Error(err))
		return nil
	}
	return b
}
