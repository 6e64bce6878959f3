package models

// ThreadKind tags the two thread variants. Dispatch on the tag keeps the
// consistency rules exhaustive and centrally auditable.
type ThreadKind string

const (
	ThreadP2P   ThreadKind = "p2p"
	ThreadGroup ThreadKind = "group"
)

// Thread is a conversation container, either two-party (p2p) or
// multi-party (group). Group membership lives in the store as edges, not
// on the struct.
type Thread struct {
	ID   int64      `json:"id"`
	Kind ThreadKind `json:"kind"`

	// p2p fields. Peer identity is fixed at creation; a second insert for
	// the same peer is a no-op, not a merge.
	Peer           int64 `json:"peer,omitempty"`
	FallbackThread int64 `json:"fallback_thread,omitempty"`

	// group fields. Groups are never deduplicated.
	Owner         int64  `json:"owner,omitempty"`
	Name          string `json:"name,omitempty"`
	Icon          string `json:"icon,omitempty"`
	ConferenceURI string `json:"conference_uri,omitempty"`

	Archived bool `json:"archived,omitempty"`
	// NetworkID is refreshed frequently by the network layer and is
	// excluded from change notification by default.
	NetworkID string `json:"network_id,omitempty"`

	CreatedTS int64 `json:"created_ts,omitempty"`
	UpdatedTS int64 `json:"updated_ts,omitempty"`
}
