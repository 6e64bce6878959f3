package models

// EventKind tags the lifecycle event variants.
type EventKind string

const (
	EventAliasChange       EventKind = "alias_change"
	EventNameChange        EventKind = "name_change"
	EventParticipantJoined EventKind = "participant_join"
)

// Event is a lifecycle record scoped under exactly one owner: either a
// participant (alias changes) or a thread (name changes, joins). The
// unified /event collection merges all kinds read-only.
type Event struct {
	ID   int64     `json:"id"`
	Kind EventKind `json:"kind"`

	// Owner references; exactly one of Participant/Thread is non-zero.
	Participant int64 `json:"participant,omitempty"`
	Thread      int64 `json:"thread,omitempty"`

	NewAlias string `json:"new_alias,omitempty"`
	NewName  string `json:"new_name,omitempty"`
	// Source/Destination participants for join events.
	Source      int64 `json:"source,omitempty"`
	Destination int64 `json:"destination,omitempty"`

	TS int64 `json:"ts"`
}
