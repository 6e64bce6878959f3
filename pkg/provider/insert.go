package provider

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"msgstore/pkg/address"
	"msgstore/pkg/errs"
	"msgstore/pkg/logger"
	"msgstore/pkg/models"
	"msgstore/pkg/store"
)

// Insert creates an entity at a collection address and returns its id.
// The documented no-op outcomes (duplicate p2p thread, duplicate stable
// delivery id) return id 0 with a nil error and emit no notification.
func (p *Provider) Insert(addr string, payload json.RawMessage) (int64, error) {
	t, err := address.Resolve(addr)
	if err != nil {
		return 0, err
	}
	if err := t.Allows(address.OpInsert); err != nil {
		return 0, err
	}

	switch t.Entity {
	case address.EntityParticipant:
		return p.insertParticipant(payload)
	case address.EntityThread:
		return p.insertThread(t, payload)
	case address.EntityMember:
		return p.insertMember(t, payload)
	case address.EntityMessage:
		return p.insertMessage(t, payload)
	case address.EntityDelivery:
		return p.insertDelivery(t, payload)
	case address.EntityFileTransfer:
		return p.insertFileTransfer(payload)
	case address.EntityEvent:
		return p.insertEvent(t, payload)
	}
	return 0, errs.Unsupported("insert not supported on %q", addr)
}

// InsertBatch creates several rows of one collection atomically: either
// every row becomes visible or none does. Supported for participant and
// thread-scoped message collections.
func (p *Provider) InsertBatch(addr string, payloads []json.RawMessage) ([]int64, error) {
	t, err := address.Resolve(addr)
	if err != nil {
		return nil, err
	}
	if err := t.Allows(address.OpInsert); err != nil {
		return nil, err
	}

	switch t.Entity {
	case address.EntityParticipant:
		return p.batchParticipants(payloads)
	case address.EntityMessage:
		if t.Parent == nil {
			return nil, errs.Unsupported("messages are created under a thread")
		}
		return p.batchMessages(t, payloads)
	}
	return nil, errs.Unsupported("bulk insert not supported on %q", addr)
}

func decodePayload(payload json.RawMessage, into any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, into); err != nil {
		return errs.Constraint("malformed payload: %v", err)
	}
	return nil
}

func (p *Provider) insertParticipant(payload json.RawMessage) (int64, error) {
	var pt models.Participant
	if err := decodePayload(payload, &pt); err != nil {
		return 0, err
	}
	id, err := p.s.NextID(store.TableParticipant)
	if err != nil {
		return 0, err
	}
	pt.ID = id
	if pt.CreatedTS == 0 {
		pt.CreatedTS = time.Now().UTC().UnixNano()
	}
	if err := p.s.InsertRow(store.TableParticipant, id, marshalRow(pt)); err != nil {
		return 0, err
	}
	logger.Log.Info("participant_created", zap.Int64("id", id))
	p.hub.Notify("/participant")
	return id, nil
}

func (p *Provider) batchParticipants(payloads []json.RawMessage) ([]int64, error) {
	tx := p.s.Begin()
	defer tx.Close()
	ids := make([]int64, 0, len(payloads))
	for _, raw := range payloads {
		var pt models.Participant
		if err := decodePayload(raw, &pt); err != nil {
			return nil, err
		}
		id, err := p.s.NextID(store.TableParticipant)
		if err != nil {
			return nil, err
		}
		pt.ID = id
		if pt.CreatedTS == 0 {
			pt.CreatedTS = time.Now().UTC().UnixNano()
		}
		if err := tx.InsertRow(store.TableParticipant, id, marshalRow(pt)); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	p.hub.Notify("/participant")
	return ids, nil
}

func (p *Provider) insertThread(t *address.Target, payload json.RawMessage) (int64, error) {
	var th models.Thread
	if err := decodePayload(payload, &th); err != nil {
		return 0, err
	}
	th.Kind = t.ThreadKind
	now := time.Now().UTC().UnixNano()
	if th.CreatedTS == 0 {
		th.CreatedTS = now
	}
	th.UpdatedTS = th.CreatedTS

	if t.ThreadKind == models.ThreadP2P {
		if th.Peer == 0 {
			return 0, errs.Constraint("p2p thread requires a peer participant id")
		}
		ok, err := p.participantExists(th.Peer)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, errs.Constraint("peer participant %d does not exist", th.Peer)
		}

		p.lock(th.Peer).Lock()
		defer p.lock(th.Peer).Unlock()

		// Duplicate creation for the same peer is a no-op, not a merge:
		// the caller distinguishes "already exists" (id 0, nil error)
		// from a failed create.
		existing, err := p.findP2PThread(th.Peer)
		if err != nil {
			return 0, err
		}
		if existing != 0 {
			logger.Log.Debug("p2p_thread_exists", zap.Int64("peer", th.Peer), zap.Int64("thread", existing))
			return 0, nil
		}
	}

	id, err := p.s.NextID(store.TableThread)
	if err != nil {
		return 0, err
	}
	th.ID = id
	if err := p.s.InsertRow(store.TableThread, id, marshalRow(th)); err != nil {
		return 0, err
	}
	logger.Log.Info("thread_created", zap.Int64("id", id), zap.String("kind", string(th.Kind)))
	p.hub.Notify(kindCollection(th.Kind), "/thread")
	return id, nil
}

func (p *Provider) insertMember(t *address.Target, payload json.RawMessage) (int64, error) {
	var body struct {
		ID int64 `json:"id"`
	}
	if err := decodePayload(payload, &body); err != nil {
		return 0, err
	}
	if body.ID == 0 {
		return 0, errs.Constraint("membership insert requires a participant id")
	}
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
	ok, err := p.participantExists(body.ID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errs.Constraint("participant %d does not exist", body.ID)
	}
	member, err := p.s.HasMember(threadID, body.ID)
	if err != nil {
		return 0, err
	}
	if member {
		return 0, errs.Constraint("participant %d is already a member of thread %d", body.ID, threadID)
	}
	if err := p.s.AddMember(threadID, body.ID); err != nil {
		return 0, err
	}
	logger.Log.Info("member_added", zap.Int64("thread", threadID), zap.Int64("participant", body.ID))
	p.hub.Notify(t.Collection())
	return body.ID, nil
}

// requireParentThread checks the thread a message address nests under:
// it must already exist and carry the kind named by the address. A
// message can never create its parent implicitly.
func (p *Provider) requireParentThread(t *address.Target) (*models.Thread, error) {
	th, err := p.loadThread(t.Parent.ID)
	if err != nil {
		return nil, err
	}
	if th == nil || th.Kind != t.Parent.ThreadKind {
		return nil, errs.Constraint("thread %d does not exist as %s", t.Parent.ID, t.Parent.ThreadKind)
	}
	return th, nil
}

func (p *Provider) buildMessage(t *address.Target, payload json.RawMessage) (*models.Message, error) {
	var m models.Message
	if err := decodePayload(payload, &m); err != nil {
		return nil, err
	}
	m.Thread = t.Parent.ID
	m.Direction = t.Direction
	now := time.Now().UTC().UnixNano()
	if m.TS == 0 {
		m.TS = now
	}
	if m.Direction == models.Incoming && m.ArrivalTS == 0 {
		m.ArrivalTS = now
	}
	if m.Direction == models.Outgoing {
		m.ArrivalTS = 0
		m.Sender = ""
	}
	return &m, nil
}

func (p *Provider) insertMessage(t *address.Target, payload json.RawMessage) (int64, error) {
	threadID := t.Parent.ID
	p.lock(threadID).Lock()
	defer p.lock(threadID).Unlock()

	th, err := p.requireParentThread(t)
	if err != nil {
		return 0, err
	}
	m, err := p.buildMessage(t, payload)
	if err != nil {
		return 0, err
	}
	id, err := p.s.NextID(store.TableMessage)
	if err != nil {
		return 0, err
	}
	m.ID = id
	if err := p.s.InsertRow(store.TableMessage, id, marshalRow(m)); err != nil {
		return 0, err
	}
	logger.Log.Info("message_created", zap.Int64("id", id), zap.Int64("thread", threadID), zap.String("direction", string(m.Direction)))
	p.hub.Notify(messageCollection(th.Kind, threadID, m.Direction), "/message")
	return id, nil
}

func (p *Provider) batchMessages(t *address.Target, payloads []json.RawMessage) ([]int64, error) {
	threadID := t.Parent.ID
	p.lock(threadID).Lock()
	defer p.lock(threadID).Unlock()

	th, err := p.requireParentThread(t)
	if err != nil {
		return nil, err
	}
	tx := p.s.Begin()
	defer tx.Close()
	ids := make([]int64, 0, len(payloads))
	for _, raw := range payloads {
		m, err := p.buildMessage(t, raw)
		if err != nil {
			return nil, err
		}
		id, err := p.s.NextID(store.TableMessage)
		if err != nil {
			return nil, err
		}
		m.ID = id
		if err := tx.InsertRow(store.TableMessage, id, marshalRow(m)); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	p.hub.Notify(messageCollection(th.Kind, threadID, t.Direction), "/message")
	return ids, nil
}

func (p *Provider) insertDelivery(t *address.Target, payload json.RawMessage) (int64, error) {
	msgID := t.Parent.ID
	m, err := p.loadMessage(msgID)
	if err != nil {
		return 0, err
	}
	if m == nil || m.Direction != models.Outgoing {
		return 0, errs.Constraint("message %d is not an existing outgoing message", msgID)
	}

	// Child rows serialize on the owning thread's stripe, the same one
	// the thread cascade takes.
	p.lock(m.Thread).Lock()
	defer p.lock(m.Thread).Unlock()

	// Re-check under the lock; the cascade may have removed the message
	// between the load and the lock.
	m, err = p.loadMessage(msgID)
	if err != nil {
		return 0, err
	}
	if m == nil || m.Direction != models.Outgoing {
		return 0, errs.Constraint("message %d is not an existing outgoing message", msgID)
	}

	var d models.Delivery
	if err := decodePayload(payload, &d); err != nil {
		return 0, err
	}
	if d.Recipient == 0 {
		return 0, errs.Constraint("delivery requires a recipient participant id")
	}
	ok, err := p.participantExists(d.Recipient)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errs.Constraint("recipient participant %d does not exist", d.Recipient)
	}
	d.Message = msgID

	var id int64
	if t.ID != 0 {
		// Caller-supplied stable id: re-insert is the one idempotent
		// path for deliveries.
		exists, err := p.s.HasRow(store.TableDelivery, t.ID)
		if err != nil {
			return 0, err
		}
		if exists {
			return 0, nil
		}
		id = t.ID
	} else {
		id, err = p.s.NextID(store.TableDelivery)
		if err != nil {
			return 0, err
		}
	}
	d.ID = id
	if err := p.s.InsertRow(store.TableDelivery, id, marshalRow(d)); err != nil {
		return 0, err
	}
	logger.Log.Info("delivery_created", zap.Int64("id", id), zap.Int64("message", msgID), zap.Int64("recipient", d.Recipient))
	p.hub.Notify("/outgoing_message/" + itoa(msgID) + "/delivery")
	return id, nil
}

func (p *Provider) insertFileTransfer(payload json.RawMessage) (int64, error) {
	var ft models.FileTransfer
	if err := decodePayload(payload, &ft); err != nil {
		return 0, err
	}
	if ft.Message == 0 {
		return 0, errs.Constraint("file transfer requires an owning message id")
	}
	m, err := p.loadMessage(ft.Message)
	if err != nil {
		return 0, err
	}
	if m == nil {
		return 0, errs.Constraint("message %d does not exist", ft.Message)
	}

	// Same stripe as the thread cascade; re-check the owner under it.
	p.lock(m.Thread).Lock()
	defer p.lock(m.Thread).Unlock()

	m, err = p.loadMessage(ft.Message)
	if err != nil {
		return 0, err
	}
	if m == nil {
		return 0, errs.Constraint("message %d does not exist", ft.Message)
	}

	// Minted from its own sequence, deliberately distinct from the
	// message id space.
	id, err := p.s.NextID(store.TableFileTransfer)
	if err != nil {
		return 0, err
	}
	ft.ID = id
	if err := p.s.InsertRow(store.TableFileTransfer, id, marshalRow(ft)); err != nil {
		return 0, err
	}
	logger.Log.Info("file_transfer_created", zap.Int64("id", id), zap.Int64("message", ft.Message))
	p.hub.Notify("/file_transfer")
	return id, nil
}

func (p *Provider) insertEvent(t *address.Target, payload json.RawMessage) (int64, error) {
	var ev models.Event
	if err := decodePayload(payload, &ev); err != nil {
		return 0, err
	}
	ev.Kind = t.EventKind
	ev.Participant = 0
	ev.Thread = 0

	ownerID := t.Parent.ID
	p.lock(ownerID).Lock()
	defer p.lock(ownerID).Unlock()

	// An event never implicitly creates its owner.
	switch t.Parent.Entity {
	case address.EntityParticipant:
		ok, err := p.participantExists(ownerID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, errs.Constraint("participant %d does not exist", ownerID)
		}
		ev.Participant = ownerID
	case address.EntityThread:
		th, err := p.loadThread(ownerID)
		if err != nil {
			return 0, err
		}
		if th == nil || th.Kind != t.Parent.ThreadKind {
			return 0, errs.Constraint("thread %d does not exist as %s", ownerID, t.Parent.ThreadKind)
		}
		ev.Thread = ownerID
	}

	if ev.TS == 0 {
		ev.TS = time.Now().UTC().UnixNano()
	}
	id, err := p.s.NextID(store.TableEvent)
	if err != nil {
		return 0, err
	}
	ev.ID = id
	if err := p.s.InsertRow(store.TableEvent, id, marshalRow(ev)); err != nil {
		return 0, err
	}
	logger.Log.Info("event_created", zap.Int64("id", id), zap.String("kind", string(ev.Kind)))
	p.hub.Notify(t.Collection(), "/event")
	return id, nil
}
