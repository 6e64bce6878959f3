package backup

import (
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"msgstore/pkg/errs"
	"msgstore/pkg/logger"
	"msgstore/pkg/models"
	"msgstore/pkg/store"
)

// RestoreOptions carries the identity-reconciliation knobs.
type RestoreOptions struct {
	// SentinelParticipant absorbs references to subscription identities
	// that no longer exist. Zero means "create one on first use".
	SentinelParticipant int64
	// PlaceholderSender replaces an absent sender address on incoming
	// messages. Empty means the package default.
	PlaceholderSender string
}

// Result summarizes a restore. ThreadMap maps backup thread ids to live
// ids for follow-up passes.
type Result struct {
	Threads    int
	Messages   int
	Deliveries int
	Skipped    int
	Failed     int
	ThreadMap  map[int64]int64
}

type chunkShell struct {
	Seq   int               `json:"seq"`
	Items []json.RawMessage `json:"items"`
}

// Restore re-inserts history from chunks, remapping ids into the live
// identity space and deduplicating against existing rows. A single
// row's failure is counted and skipped; the remaining rows proceed
// without a whole-batch rollback.
func (r *Reconciler) Restore(chunks [][]byte, opt RestoreOptions) (*Result, error) {
	if opt.PlaceholderSender == "" {
		opt.PlaceholderSender = PlaceholderSender
	}
	res := &Result{ThreadMap: make(map[int64]int64)}
	msgMap := make(map[int64]int64)

	for _, raw := range chunks {
		var shell chunkShell
		if err := json.Unmarshal(raw, &shell); err != nil {
			res.Failed++
			continue
		}
		for _, ir := range shell.Items {
			var item Item
			if err := json.Unmarshal(ir, &item); err != nil {
				res.Failed++
				continue
			}
			var err error
			switch item.Kind {
			case itemThread:
				err = r.restoreThread(item.Thread, &opt, res)
			case itemMessage:
				err = r.restoreMessage(item.Message, &opt, res, msgMap)
			case itemDelivery:
				err = r.restoreDelivery(item.Delivery, &opt, res, msgMap)
			default:
				err = errs.Constraint("unknown item kind %q", item.Kind)
			}
			if err != nil {
				logger.Log.Warn("restore_row_failed", zap.String("kind", item.Kind), zap.Error(err))
				res.Failed++
			}
		}
	}
	logger.Log.Info("backup_restored",
		zap.Int("threads", res.Threads), zap.Int("messages", res.Messages),
		zap.Int("deliveries", res.Deliveries), zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed))
	return res, nil
}

// sentinel returns (creating on first use) the participant that absorbs
// unknown subscription identities.
func (r *Reconciler) sentinel(opt *RestoreOptions) (int64, error) {
	if opt.SentinelParticipant != 0 {
		return opt.SentinelParticipant, nil
	}
	id, err := r.s.NextID(store.TableParticipant)
	if err != nil {
		return 0, err
	}
	pt := models.Participant{
		ID:        id,
		Alias:     "unknown",
		Address:   PlaceholderSender,
		CreatedTS: time.Now().UTC().UnixNano(),
	}
	b, err := json.Marshal(pt)
	if err != nil {
		return 0, err
	}
	if err := r.s.InsertRow(store.TableParticipant, id, b); err != nil {
		return 0, err
	}
	opt.SentinelParticipant = id
	return id, nil
}

// mapIdentity keeps a live participant id or falls back to the sentinel.
func (r *Reconciler) mapIdentity(id int64, opt *RestoreOptions) (int64, error) {
	if id != 0 {
		ok, err := r.s.HasRow(store.TableParticipant, id)
		if err != nil {
			return 0, err
		}
		if ok {
			return id, nil
		}
	}
	return r.sentinel(opt)
}

func (r *Reconciler) restoreThread(th *models.Thread, opt *RestoreOptions, res *Result) error {
	if th == nil {
		return errs.Constraint("thread item without a thread row")
	}
	oldID := th.ID
	if th.Kind == models.ThreadP2P {
		peer, err := r.mapIdentity(th.Peer, opt)
		if err != nil {
			return err
		}
		th.Peer = peer
		// Reconcile against the existing identity space: one p2p thread
		// per peer, restored or not.
		existing, err := r.findP2P(peer)
		if err != nil {
			return err
		}
		if existing != 0 {
			res.ThreadMap[oldID] = existing
			res.Skipped++
			return nil
		}
	}
	id, err := r.s.NextID(store.TableThread)
	if err != nil {
		return err
	}
	th.ID = id
	// The archived flag is reconciled by a separate pass.
	th.Archived = false
	b, err := json.Marshal(th)
	if err != nil {
		return err
	}
	if err := r.s.InsertRow(store.TableThread, id, b); err != nil {
		return err
	}
	res.ThreadMap[oldID] = id
	res.Threads++
	return nil
}

func (r *Reconciler) restoreMessage(m *models.Message, opt *RestoreOptions, res *Result, msgMap map[int64]int64) error {
	if m == nil {
		return errs.Constraint("message item without a message row")
	}
	thread, ok := res.ThreadMap[m.Thread]
	if !ok {
		// Fall back to a live thread with the same id, if any.
		live, err := r.s.HasRow(store.TableThread, m.Thread)
		if err != nil {
			return err
		}
		if !live {
			return errs.Constraint("message %d references unknown thread %d", m.ID, m.Thread)
		}
		thread = m.Thread
	}
	oldID := m.ID
	m.Thread = thread
	if m.Direction == models.Incoming && m.Sender == "" {
		m.Sender = opt.PlaceholderSender
	}

	dup, err := r.findMessage(thread, m.TS, m.Direction, m.Body)
	if err != nil {
		return err
	}
	if dup != 0 {
		msgMap[oldID] = dup
		res.Skipped++
		return nil
	}

	id, err := r.s.NextID(store.TableMessage)
	if err != nil {
		return err
	}
	m.ID = id
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := r.s.InsertRow(store.TableMessage, id, b); err != nil {
		return err
	}
	msgMap[oldID] = id
	res.Messages++
	return nil
}

func (r *Reconciler) restoreDelivery(d *models.Delivery, opt *RestoreOptions, res *Result, msgMap map[int64]int64) error {
	if d == nil {
		return errs.Constraint("delivery item without a delivery row")
	}
	msg, ok := msgMap[d.Message]
	if !ok {
		return errs.Constraint("delivery %d references unknown message %d", d.ID, d.Message)
	}
	recipient, err := r.mapIdentity(d.Recipient, opt)
	if err != nil {
		return err
	}
	dup, err := r.findDelivery(msg, recipient, d.DeliveredTS)
	if err != nil {
		return err
	}
	if dup {
		res.Skipped++
		return nil
	}
	id, err := r.s.NextID(store.TableDelivery)
	if err != nil {
		return err
	}
	d.ID = id
	d.Message = msg
	d.Recipient = recipient
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := r.s.InsertRow(store.TableDelivery, id, b); err != nil {
		return err
	}
	res.Deliveries++
	return nil
}

// ReconcileArchived is the second reconciliation path: it applies the
// archived flag of historical threads onto their live counterparts,
// independent of row insertion. Returns the number of threads updated.
func (r *Reconciler) ReconcileArchived(chunks [][]byte, threadMap map[int64]int64) (int, error) {
	updated := 0
	for _, raw := range chunks {
		var shell chunkShell
		if err := json.Unmarshal(raw, &shell); err != nil {
			continue
		}
		for _, ir := range shell.Items {
			var item Item
			if err := json.Unmarshal(ir, &item); err != nil || item.Kind != itemThread || item.Thread == nil {
				continue
			}
			if !item.Thread.Archived {
				continue
			}
			live, ok := threadMap[item.Thread.ID]
			if !ok {
				continue
			}
			raw, err := r.s.GetRow(store.TableThread, live)
			if err != nil {
				if errors.Is(err, errs.ErrNotFound) {
					continue
				}
				return updated, err
			}
			var th models.Thread
			if err := json.Unmarshal(raw, &th); err != nil {
				continue
			}
			if th.Archived {
				continue
			}
			th.Archived = true
			b, err := json.Marshal(th)
			if err != nil {
				return updated, err
			}
			if _, err := r.s.UpdateRow(store.TableThread, live, b); err != nil {
				return updated, err
			}
			updated++
		}
	}
	return updated, nil
}

func (r *Reconciler) findP2P(peer int64) (int64, error) {
	var found int64
	err := r.s.ScanRows(store.TableThread, func(id int64, v []byte) bool {
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

func (r *Reconciler) findMessage(thread, ts int64, dir models.Direction, body string) (int64, error) {
	var found int64
	err := r.s.ScanRows(store.TableMessage, func(id int64, v []byte) bool {
		var m models.Message
		if json.Unmarshal(v, &m) != nil {
			return true
		}
		if m.Thread == thread && m.TS == ts && m.Direction == dir && m.Body == body {
			found = id
			return false
		}
		return true
	})
	return found, err
}

func (r *Reconciler) findDelivery(msg, recipient, deliveredTS int64) (bool, error) {
	found := false
	err := r.s.ScanRows(store.TableDelivery, func(id int64, v []byte) bool {
		var d models.Delivery
		if json.Unmarshal(v, &d) != nil {
			return true
		}
		if d.Message == msg && d.Recipient == recipient && d.DeliveredTS == deliveredTS {
			found = true
			return false
		}
		return true
	})
	return found, err
}
