package models

// Participant is an addressable conversation member. Threads and events
// reference participants but never own them; a participant row outlives
// every thread it appears in.
type Participant struct {
	ID    int64  `json:"id"`
	Alias string `json:"alias,omitempty"`
	// Address is the canonical network address (MSISDN, SIP URI).
	// Immutable once set.
	Address   string `json:"address,omitempty"`
	CreatedTS int64  `json:"created_ts,omitempty"`
}
