package provider

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"msgstore/pkg/address"
	"msgstore/pkg/errs"
	"msgstore/pkg/logger"
	"msgstore/pkg/models"
	"msgstore/pkg/store"
)

// Field sets governing updates. Payload fields outside both sets are
// ignored; immutable fields may be repeated with their current value but
// never changed.
var updatableFields = map[address.Entity]map[string]bool{
	address.EntityParticipant: {"alias": true},
	address.EntityThread: {
		"name": true, "icon": true, "conference_uri": true,
		"archived": true, "network_id": true, "fallback_thread": true,
	},
	address.EntityMessage:  {"body": true, "arrival_ts": true},
	address.EntityDelivery: {"delivered_ts": true, "seen_ts": true},
	address.EntityFileTransfer: {
		"session_id": true, "size": true, "width": true, "height": true,
		"content_type": true, "name": true,
	},
}

var immutableFields = map[address.Entity]map[string]bool{
	address.EntityParticipant:  {"id": true, "created_ts": true},
	address.EntityThread:       {"id": true, "kind": true, "peer": true, "created_ts": true},
	address.EntityMessage:      {"id": true, "thread": true, "direction": true},
	address.EntityDelivery:     {"id": true, "message": true, "recipient": true},
	address.EntityFileTransfer: {"id": true, "message": true},
}

// Update applies a partial payload to one item. It returns the number of
// rows actually modified: 0 when the row does not exist or when every
// supplied value matches the stored one (in which case nothing is
// written and no notification is emitted).
func (p *Provider) Update(addr string, payload json.RawMessage) (int, error) {
	t, err := address.Resolve(addr)
	if err != nil {
		return 0, err
	}
	if err := t.Allows(address.OpUpdate); err != nil {
		return 0, err
	}

	table := tableForEntity(t.Entity)
	raw, err := p.s.GetRow(table, t.ID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	old, err := decodeMap(raw)
	if err != nil {
		return 0, err
	}
	patch, err := decodeMap(payload)
	if err != nil {
		return 0, err
	}

	// Scope check for deliveries addressed under an outgoing message.
	if t.Entity == address.EntityDelivery && t.Parent != nil {
		if numField(old, "message") != t.Parent.ID {
			return 0, nil
		}
	}

	ownerID := t.ID
	switch t.Entity {
	case address.EntityMessage:
		ownerID = numField(old, "thread")
	case address.EntityDelivery, address.EntityFileTransfer:
		// Child rows serialize on the owning thread's stripe so a write
		// can never land inside a thread cascade. When the message is
		// already gone the row is too, and UpdateRow reports 0.
		msgID := numField(old, "message")
		ownerID = msgID
		m, err := p.loadMessage(msgID)
		if err != nil {
			return 0, err
		}
		if m != nil {
			ownerID = m.Thread
		}
	}
	p.lock(ownerID).Lock()
	defer p.lock(ownerID).Unlock()

	next := make(map[string]any, len(old))
	for k, v := range old {
		next[k] = v
	}
	var changed []string
	for k, v := range patch {
		if immutableFields[t.Entity][k] {
			if fieldString(old[k]) != fieldString(v) {
				return 0, errs.Constraint("field %q is immutable", k)
			}
			continue
		}
		if k == "address" && t.Entity == address.EntityParticipant {
			// Canonical address is immutable once set; it may be filled
			// in exactly once.
			if cur := fieldString(old[k]); cur != "" {
				if cur != fieldString(v) {
					return 0, errs.Constraint("canonical address is immutable once set")
				}
				continue
			}
		} else if !updatableFields[t.Entity][k] {
			continue
		}
		if fieldString(old[k]) == fieldString(v) {
			continue
		}
		if v == nil {
			delete(next, k)
		} else {
			next[k] = v
		}
		changed = append(changed, k)
	}
	if len(changed) == 0 {
		return 0, nil
	}
	sort.Strings(changed)

	if t.Entity == address.EntityThread {
		next["updated_ts"] = json.Number(strconv.FormatInt(time.Now().UTC().UnixNano(), 10))
	}

	nb, err := json.Marshal(next)
	if err != nil {
		return 0, errs.Storage(err)
	}
	n, err := p.s.UpdateRow(table, t.ID, nb)
	if err != nil || n == 0 {
		return n, err
	}
	logger.Log.Info("row_updated", zap.String("table", table), zap.Int64("id", t.ID), zap.Strings("fields", changed))

	// Updates touching only excluded fields are written but kept
	// invisible to observers.
	visible := false
	for _, f := range changed {
		if !p.hub.Excluded(f) {
			visible = true
			break
		}
	}
	if visible {
		p.hub.Notify(p.updateCollections(t, old)...)
	}
	return n, nil
}

func (p *Provider) updateCollections(t *address.Target, old map[string]any) []string {
	switch t.Entity {
	case address.EntityParticipant:
		return []string{"/participant"}
	case address.EntityThread:
		kind := models.ThreadKind(fieldString(old["kind"]))
		return []string{kindCollection(kind), "/thread"}
	case address.EntityMessage:
		threadID := numField(old, "thread")
		dir := models.Direction(fieldString(old["direction"]))
		kind := models.ThreadP2P
		if th, err := p.loadThread(threadID); err == nil && th != nil {
			kind = th.Kind
		}
		return []string{messageCollection(kind, threadID, dir), "/message"}
	case address.EntityDelivery:
		return []string{"/outgoing_message/" + itoa(numField(old, "message")) + "/delivery"}
	case address.EntityFileTransfer:
		return []string{"/file_transfer"}
	}
	return nil
}

func tableForEntity(e address.Entity) string {
	switch e {
	case address.EntityParticipant, address.EntityMember:
		return store.TableParticipant
	case address.EntityThread:
		return store.TableThread
	case address.EntityMessage:
		return store.TableMessage
	case address.EntityDelivery:
		return store.TableDelivery
	case address.EntityFileTransfer:
		return store.TableFileTransfer
	case address.EntityEvent:
		return store.TableEvent
	}
	return string(e)
}

func decodeMap(raw []byte) (map[string]any, error) {
	m := map[string]any{}
	if len(raw) == 0 {
		return m, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, errs.Constraint("malformed payload: %v", err)
	}
	return m, nil
}

// fieldString renders a JSON scalar for equality checks; objects and
// arrays fall back to their marshaled form.
func fieldString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func numField(m map[string]any, key string) int64 {
	n, ok := m[key].(json.Number)
	if !ok {
		return 0
	}
	i, err := n.Int64()
	if err != nil {
		return 0
	}
	return i
}
