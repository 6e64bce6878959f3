package provider

import (
	"errors"

	"go.uber.org/zap"

	"msgstore/pkg/address"
	"msgstore/pkg/errs"
	"msgstore/pkg/logger"
	"msgstore/pkg/models"
	"msgstore/pkg/store"
)

// Delete removes one item, cascading owned children atomically. It
// returns the number of top-level rows removed: 0 when the item does not
// exist, and 0 without error when a participant is still referenced by a
// thread (the caller is expected to check the count).
func (p *Provider) Delete(addr string) (int, error) {
	t, err := address.Resolve(addr)
	if err != nil {
		return 0, err
	}
	if err := t.Allows(address.OpDelete); err != nil {
		return 0, err
	}

	switch t.Entity {
	case address.EntityParticipant:
		return p.deleteParticipant(t.ID)
	case address.EntityThread:
		return p.deleteThread(t)
	case address.EntityMember:
		return p.removeMember(t)
	case address.EntityMessage:
		return p.deleteMessage(t.ID)
	case address.EntityDelivery:
		return p.deleteDelivery(t)
	case address.EntityFileTransfer:
		return p.deleteFileTransfer(t.ID)
	case address.EntityEvent:
		return p.deleteEvent(t)
	}
	return 0, errs.Unsupported("delete not supported on %q", addr)
}

func (p *Provider) deleteParticipant(id int64) (int, error) {
	p.lock(id).Lock()
	defer p.lock(id).Unlock()

	exists, err := p.participantExists(id)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	// Deletion legality is a business rule: a participant referenced by
	// any thread (group membership or p2p peer) stays put, reported as
	// count 0 rather than an error.
	threads, err := p.s.MemberThreads(id)
	if err != nil {
		return 0, err
	}
	if len(threads) > 0 {
		logger.Log.Debug("participant_still_referenced", zap.Int64("id", id), zap.Int("threads", len(threads)))
		return 0, nil
	}
	p2p, err := p.findP2PThread(id)
	if err != nil {
		return 0, err
	}
	if p2p != 0 {
		logger.Log.Debug("participant_still_referenced", zap.Int64("id", id), zap.Int64("p2p_thread", p2p))
		return 0, nil
	}

	events, err := p.rowsWhere(store.TableEvent, func(m map[string]any) bool {
		return numField(m, "participant") == id
	})
	if err != nil {
		return 0, err
	}

	tx := p.s.Begin()
	defer tx.Close()
	if _, err := tx.DeleteRow(store.TableParticipant, id); err != nil {
		return 0, err
	}
	for _, ev := range events {
		if _, err := tx.DeleteRow(store.TableEvent, ev); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	logger.Log.Info("participant_deleted", zap.Int64("id", id), zap.Int("events", len(events)))

	cols := []string{"/participant"}
	if len(events) > 0 {
		cols = append(cols, "/event")
	}
	p.hub.Notify(cols...)
	return 1, nil
}

func (p *Provider) deleteThread(t *address.Target) (int, error) {
	id := t.ID
	p.lock(id).Lock()
	defer p.lock(id).Unlock()

	th, err := p.loadThread(id)
	if err != nil {
		return 0, err
	}
	if th == nil || th.Kind != t.ThreadKind {
		return 0, nil
	}

	msgs, err := p.rowsWhere(store.TableMessage, func(m map[string]any) bool {
		return numField(m, "thread") == id
	})
	if err != nil {
		return 0, err
	}
	events, err := p.rowsWhere(store.TableEvent, func(m map[string]any) bool {
		return numField(m, "thread") == id
	})
	if err != nil {
		return 0, err
	}

	// One batch for the whole cascade: thread, messages, their
	// deliveries and file transfers, thread events, membership edges.
	// A partial cascade must never be observable.
	tx := p.s.Begin()
	defer tx.Close()
	var deliveries, transfers int
	for _, mid := range msgs {
		n, err := p.cascadeMessage(tx, mid)
		if err != nil {
			return 0, err
		}
		deliveries += n.deliveries
		transfers += n.transfers
	}
	for _, ev := range events {
		if _, err := tx.DeleteRow(store.TableEvent, ev); err != nil {
			return 0, err
		}
	}
	if _, err := tx.DeleteMembers(id); err != nil {
		return 0, err
	}
	if _, err := tx.DeleteRow(store.TableThread, id); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	logger.Log.Info("thread_deleted",
		zap.Int64("id", id), zap.String("kind", string(th.Kind)),
		zap.Int("messages", len(msgs)), zap.Int("events", len(events)))

	cols := []string{kindCollection(th.Kind), "/thread"}
	if len(msgs) > 0 {
		cols = append(cols, "/message")
	}
	if len(events) > 0 {
		cols = append(cols, "/event")
	}
	if transfers > 0 {
		cols = append(cols, "/file_transfer")
	}
	p.hub.Notify(cols...)
	return 1, nil
}

type cascadeCounts struct {
	deliveries int
	transfers  int
}

// cascadeMessage stages deletion of a message and its owned rows.
func (p *Provider) cascadeMessage(tx *store.Tx, id int64) (cascadeCounts, error) {
	var c cascadeCounts
	deliveries, err := p.rowsWhere(store.TableDelivery, func(m map[string]any) bool {
		return numField(m, "message") == id
	})
	if err != nil {
		return c, err
	}
	transfers, err := p.rowsWhere(store.TableFileTransfer, func(m map[string]any) bool {
		return numField(m, "message") == id
	})
	if err != nil {
		return c, err
	}
	for _, d := range deliveries {
		if _, err := tx.DeleteRow(store.TableDelivery, d); err != nil {
			return c, err
		}
	}
	for _, ft := range transfers {
		if _, err := tx.DeleteRow(store.TableFileTransfer, ft); err != nil {
			return c, err
		}
	}
	if _, err := tx.DeleteRow(store.TableMessage, id); err != nil {
		return c, err
	}
	c.deliveries = len(deliveries)
	c.transfers = len(transfers)
	return c, nil
}

func (p *Provider) removeMember(t *address.Target) (int, error) {
	threadID := t.Parent.ID
	p.lock(threadID).Lock()
	defer p.lock(threadID).Unlock()

	th, err := p.loadThread(threadID)
	if err != nil {
		return 0, err
	}
	if th == nil || th.Kind != models.ThreadGroup {
		return 0, errs.Constraint("thread %d is not an existing group thread", threadID)
	}
	n, err := p.s.RemoveMember(threadID, t.ID)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errs.Constraint("participant %d is not a member of thread %d", t.ID, threadID)
	}
	logger.Log.Info("member_removed", zap.Int64("thread", threadID), zap.Int64("participant", t.ID))
	p.hub.Notify(t.Collection())
	return n, nil
}

func (p *Provider) deleteMessage(id int64) (int, error) {
	m, err := p.loadMessage(id)
	if err != nil {
		return 0, err
	}
	if m == nil {
		return 0, nil
	}
	p.lock(m.Thread).Lock()
	defer p.lock(m.Thread).Unlock()

	tx := p.s.Begin()
	defer tx.Close()
	counts, err := p.cascadeMessage(tx, id)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	logger.Log.Info("message_deleted", zap.Int64("id", id), zap.Int64("thread", m.Thread))

	kind := models.ThreadP2P
	if th, err := p.loadThread(m.Thread); err == nil && th != nil {
		kind = th.Kind
	}
	cols := []string{messageCollection(kind, m.Thread, m.Direction), "/message"}
	if counts.deliveries > 0 {
		cols = append(cols, "/outgoing_message/"+itoa(id)+"/delivery")
	}
	if counts.transfers > 0 {
		cols = append(cols, "/file_transfer")
	}
	p.hub.Notify(cols...)
	return 1, nil
}

func (p *Provider) deleteDelivery(t *address.Target) (int, error) {
	msgID := t.Parent.ID
	raw, err := p.s.GetRow(store.TableDelivery, t.ID)
	if errors.Is(err, errs.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	m, err := decodeMap(raw)
	if err != nil {
		return 0, err
	}
	if numField(m, "message") != msgID {
		return 0, nil
	}

	owner := msgID
	if msg, err := p.loadMessage(msgID); err != nil {
		return 0, err
	} else if msg != nil {
		owner = msg.Thread
	}
	p.lock(owner).Lock()
	defer p.lock(owner).Unlock()

	n, err := p.s.DeleteRow(store.TableDelivery, t.ID)
	if err != nil || n == 0 {
		return n, err
	}
	p.hub.Notify("/outgoing_message/" + itoa(msgID) + "/delivery")
	return n, nil
}

func (p *Provider) deleteFileTransfer(id int64) (int, error) {
	raw, err := p.s.GetRow(store.TableFileTransfer, id)
	if errors.Is(err, errs.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	m, err := decodeMap(raw)
	if err != nil {
		return 0, err
	}

	msgID := numField(m, "message")
	owner := msgID
	if msg, err := p.loadMessage(msgID); err != nil {
		return 0, err
	} else if msg != nil {
		owner = msg.Thread
	}
	p.lock(owner).Lock()
	defer p.lock(owner).Unlock()

	n, err := p.s.DeleteRow(store.TableFileTransfer, id)
	if err != nil || n == 0 {
		return n, err
	}
	p.hub.Notify("/file_transfer")
	return n, nil
}

func (p *Provider) deleteEvent(t *address.Target) (int, error) {
	ownerID := t.Parent.ID
	p.lock(ownerID).Lock()
	defer p.lock(ownerID).Unlock()

	raw, err := p.s.GetRow(store.TableEvent, t.ID)
	if errors.Is(err, errs.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	m, err := decodeMap(raw)
	if err != nil {
		return 0, err
	}
	if fieldString(m["kind"]) != string(t.EventKind) {
		return 0, nil
	}
	ownerKey := "participant"
	if t.Parent.Entity == address.EntityThread {
		ownerKey = "thread"
	}
	if numField(m, ownerKey) != ownerID {
		return 0, nil
	}
	n, err := p.s.DeleteRow(store.TableEvent, t.ID)
	if err != nil || n == 0 {
		return n, err
	}
	p.hub.Notify(t.Collection(), "/event")
	return n, nil
}

// rowsWhere collects ids of rows matching a decoded predicate.
func (p *Provider) rowsWhere(table string, pred func(map[string]any) bool) ([]int64, error) {
	var out []int64
	var decErr error
	err := p.s.ScanRows(table, func(id int64, v []byte) bool {
		m, derr := decodeMap(v)
		if derr != nil {
			decErr = derr
			return false
		}
		if pred(m) {
			out = append(out, id)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if decErr != nil {
		return nil, decErr
	}
	return out, nil
}
