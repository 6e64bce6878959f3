package models

// Direction tags incoming vs outgoing messages.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Message always belongs to exactly one thread; the linkage is immutable
// after creation and a message is never created without its parent.
type Message struct {
	ID        int64     `json:"id"`
	Thread    int64     `json:"thread"`
	Direction Direction `json:"direction"`
	// TS is the origination timestamp (ns).
	TS int64 `json:"ts"`
	// ArrivalTS is set for incoming messages only.
	ArrivalTS int64  `json:"arrival_ts,omitempty"`
	Body      string `json:"body,omitempty"`
	// Sender is the originating address of an incoming message. Restored
	// history without a sender gets a placeholder address.
	Sender string `json:"sender,omitempty"`
}
