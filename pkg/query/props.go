package query

import "msgstore/pkg/address"

// Per-entity property whitelists. A filter or sort naming a property
// outside these sets fails validation before any storage access.

var sortable = map[address.Entity]map[string]bool{
	address.EntityParticipant: {
		"id": true, "alias": true, "created_ts": true,
	},
	address.EntityMember: {
		"id": true, "alias": true, "created_ts": true,
	},
	address.EntityThread: {
		"id": true, "name": true, "created_ts": true, "updated_ts": true,
	},
	address.EntityMessage: {
		"id": true, "ts": true, "arrival_ts": true,
	},
	address.EntityDelivery: {
		"id": true, "delivered_ts": true, "seen_ts": true,
	},
	address.EntityFileTransfer: {
		"id": true, "size": true, "session_id": true,
	},
	address.EntityEvent: {
		"id": true, "ts": true,
	},
}

var filterable = map[address.Entity]map[string]bool{
	address.EntityParticipant: {
		"id": true, "alias": true, "address": true,
	},
	address.EntityMember: {
		"id": true, "alias": true, "address": true,
	},
	address.EntityThread: {
		"id": true, "kind": true, "name": true, "peer": true,
		"owner": true, "archived": true, "network_id": true,
	},
	address.EntityMessage: {
		"id": true, "thread": true, "direction": true, "body": true, "sender": true,
	},
	address.EntityDelivery: {
		"id": true, "message": true, "recipient": true,
	},
	address.EntityFileTransfer: {
		"id": true, "message": true, "session_id": true, "content_type": true,
	},
	address.EntityEvent: {
		"id": true, "kind": true, "participant": true, "thread": true,
	},
}
