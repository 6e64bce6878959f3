// Package address resolves hierarchical resource addresses to typed
// operation targets. Resolution is purely structural: it classifies the
// address shape and the legality of operations on it without touching
// storage.
//
// Grammar:
//
//	/participant[/<id>][/alias_change_event[/<id>]]
//	/p2p_thread[/<id>][/participant[/<id>] | /incoming_message[/<id>] | /outgoing_message[/<id>]]
//	/group_thread[/<id>][/participant[/<id>] | /name_changed_event[/<id>] | /participant_joined_event[/<id>] | /incoming_message[/<id>] | /outgoing_message[/<id>]]
//	/thread                      unified, read-only
//	/message[/<id>]              unified; only the id-rooted path may mutate
//	/outgoing_message[/<id>][/delivery[/<id>]]
//	/file_transfer[/<id>]
//	/event                       unified, read-only
package address

import (
	"strconv"
	"strings"

	"msgstore/pkg/errs"
	"msgstore/pkg/models"
)

// Entity classifies what a target operates on.
type Entity string

const (
	EntityParticipant  Entity = "participant"
	EntityThread       Entity = "thread"
	EntityMessage      Entity = "message"
	EntityDelivery     Entity = "delivery"
	EntityFileTransfer Entity = "file_transfer"
	EntityEvent        Entity = "event"
	// EntityMember is the participant sub-collection of a thread
	// (membership edges), distinct from the root participant table.
	EntityMember Entity = "member"
)

// Op is a requested operation against a target.
type Op int

const (
	OpQuery Op = iota
	OpInsert
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpQuery:
		return "query"
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Target is a resolved address: an item when ID is non-zero, otherwise a
// collection.
type Target struct {
	Entity Entity
	// ThreadKind scopes thread targets; empty means the unified view.
	ThreadKind models.ThreadKind
	// Direction scopes message targets; empty means both directions.
	Direction models.Direction
	// EventKind scopes event targets; empty means the unified view.
	EventKind models.EventKind
	ID     int64
	Parent *Target
	// Unified marks read-only projections.
	Unified bool
	// IDRooted marks the /message/<id> path, the one canonical mutation
	// path for messages.
	IDRooted bool

	name string
}

// IsItem reports whether the target addresses exactly one row.
func (t *Target) IsItem() bool { return t.ID != 0 }

// Collection returns the logical collection identifier of the target,
// e.g. "/group_thread/5/participant". Used as the change-notification
// key.
func (t *Target) Collection() string {
	var b strings.Builder
	if t.Parent != nil {
		b.WriteString(t.Parent.Collection())
		b.WriteByte('/')
		b.WriteString(strconv.FormatInt(t.Parent.ID, 10))
	}
	b.WriteByte('/')
	b.WriteString(t.name)
	return b.String()
}

// Resolve parses an address into a target or fails with
// ErrUnresolvedAddress for unknown collections and malformed nesting.
func Resolve(path string) (*Target, error) {
	trimmed := strings.Trim(strings.TrimSpace(path), "/")
	if trimmed == "" {
		return nil, errs.Unresolved("empty address")
	}
	segs := strings.Split(trimmed, "/")

	root, rest, err := resolveRoot(segs)
	if err != nil {
		return nil, err
	}
	if len(rest) == 0 {
		return root, nil
	}
	if root.ID == 0 {
		return nil, errs.Unresolved("sub-collection %q requires a parent id", rest[0])
	}
	sub, rest, err := resolveSub(root, rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errs.Unresolved("trailing segments after %q", sub.name)
	}
	return sub, nil
}

// takeID consumes an optional numeric id segment.
func takeID(segs []string) (int64, []string, error) {
	if len(segs) == 0 {
		return 0, segs, nil
	}
	id, err := strconv.ParseInt(segs[0], 10, 64)
	if err == nil {
		if id <= 0 {
			return 0, nil, errs.Unresolved("invalid id %q", segs[0])
		}
		return id, segs[1:], nil
	}
	return 0, segs, nil
}

func resolveRoot(segs []string) (*Target, []string, error) {
	name := segs[0]
	rest := segs[1:]
	t := &Target{name: name}
	switch name {
	case "participant":
		t.Entity = EntityParticipant
	case "p2p_thread":
		t.Entity = EntityThread
		t.ThreadKind = models.ThreadP2P
	case "group_thread":
		t.Entity = EntityThread
		t.ThreadKind = models.ThreadGroup
	case "thread":
		t.Entity = EntityThread
		t.Unified = true
		if len(rest) != 0 {
			return nil, nil, errs.Unresolved("the unified thread view takes no id")
		}
		return t, rest, nil
	case "message":
		t.Entity = EntityMessage
		t.Unified = true
	case "outgoing_message":
		t.Entity = EntityMessage
		t.Direction = models.Outgoing
		t.Unified = true
	case "file_transfer":
		t.Entity = EntityFileTransfer
	case "event":
		t.Entity = EntityEvent
		t.Unified = true
		if len(rest) != 0 {
			return nil, nil, errs.Unresolved("the unified event view takes no id")
		}
		return t, rest, nil
	default:
		return nil, nil, errs.Unresolved("unknown collection %q", name)
	}

	id, rest, err := takeID(rest)
	if err != nil {
		return nil, nil, err
	}
	t.ID = id
	if name == "message" && id != 0 {
		t.IDRooted = true
	}
	return t, rest, nil
}

func resolveSub(parent *Target, segs []string) (*Target, []string, error) {
	name := segs[0]
	rest := segs[1:]
	t := &Target{name: name, Parent: parent}

	switch {
	case parent.Entity == EntityParticipant && name == "alias_change_event":
		t.Entity = EntityEvent
		t.EventKind = models.EventAliasChange
	case parent.Entity == EntityThread && parent.ThreadKind != "" && name == "participant":
		t.Entity = EntityMember
	case parent.Entity == EntityThread && parent.ThreadKind != "" && name == "incoming_message":
		t.Entity = EntityMessage
		t.Direction = models.Incoming
	case parent.Entity == EntityThread && parent.ThreadKind != "" && name == "outgoing_message":
		t.Entity = EntityMessage
		t.Direction = models.Outgoing
	case parent.Entity == EntityThread && parent.ThreadKind == models.ThreadGroup && name == "name_changed_event":
		t.Entity = EntityEvent
		t.EventKind = models.EventNameChange
	case parent.Entity == EntityThread && parent.ThreadKind == models.ThreadGroup && name == "participant_joined_event":
		t.Entity = EntityEvent
		t.EventKind = models.EventParticipantJoined
	case parent.Entity == EntityMessage && parent.Direction == models.Outgoing && parent.Parent == nil && name == "delivery":
		t.Entity = EntityDelivery
	default:
		return nil, nil, errs.Unresolved("collection %q cannot nest under %q", name, parent.name)
	}

	id, rest, err := takeID(rest)
	if err != nil {
		return nil, nil, err
	}
	t.ID = id
	return t, rest, nil
}

// Allows reports whether the operation is legal for this address shape.
// The rules mirror the provider's mutation funneling: unified views are
// read-only, messages mutate only through /message/<id>, and p2p thread
// membership is fixed at creation.
func (t *Target) Allows(op Op) error {
	if op == OpQuery {
		return nil
	}

	switch t.Entity {
	case EntityParticipant, EntityFileTransfer:
		return t.allowPlain(op)

	case EntityThread:
		if t.Unified {
			return errs.Unsupported("the unified thread view is read-only")
		}
		return t.allowPlain(op)

	case EntityMessage:
		if t.IDRooted {
			if op == OpInsert {
				return errs.Unsupported("insert targets a collection, not an item")
			}
			return nil
		}
		if t.Parent != nil {
			// thread-scoped message collections accept inserts only;
			// update/delete funnel through /message/<id>.
			if op == OpInsert {
				if t.ID != 0 {
					return errs.Unsupported("insert targets a collection, not an item")
				}
				return nil
			}
			return errs.Unsupported("messages mutate only through /message/<id>")
		}
		return errs.Unsupported("messages mutate only through /message/<id>")

	case EntityMember:
		if t.Parent.ThreadKind == models.ThreadP2P {
			return errs.Unsupported("p2p thread membership is fixed at creation")
		}
		switch op {
		case OpInsert:
			if t.ID != 0 {
				return errs.Unsupported("insert targets a collection, not an item")
			}
			return nil
		case OpDelete:
			if t.ID == 0 {
				return errs.Unsupported("member removal targets one participant")
			}
			return nil
		default:
			return errs.Unsupported("membership edges cannot be updated")
		}

	case EntityEvent:
		if t.Unified {
			return errs.Unsupported("the unified event view is read-only")
		}
		switch op {
		case OpInsert:
			if t.ID != 0 {
				return errs.Unsupported("insert targets a collection, not an item")
			}
			return nil
		case OpDelete:
			if t.ID == 0 {
				return errs.Unsupported("delete targets one event")
			}
			return nil
		default:
			return errs.Unsupported("events are immutable")
		}

	case EntityDelivery:
		// Insert is allowed on an item address too: a caller-supplied
		// stable delivery id is the only idempotency mechanism offered.
		if op == OpInsert {
			return nil
		}
		if t.ID == 0 {
			return errs.Unsupported("%s targets one delivery", op)
		}
		return nil
	}
	return errs.Unsupported("%s not supported on %q", op, t.name)
}

// allowPlain covers entities with the default shape rules: insert on the
// collection, update/delete on an item.
func (t *Target) allowPlain(op Op) error {
	switch op {
	case OpInsert:
		if t.ID != 0 {
			return errs.Unsupported("insert targets a collection, not an item")
		}
	case OpUpdate, OpDelete:
		if t.ID == 0 {
			return errs.Unsupported("%s targets one item", op)
		}
	}
	return nil
}
