package models

// Delivery is one recipient's receipt state for an outgoing message.
// Rows are not deduplicated per (message, recipient); callers wanting
// idempotent inserts address an explicit delivery id.
type Delivery struct {
	ID          int64 `json:"id"`
	Message     int64 `json:"message"`
	Recipient   int64 `json:"recipient"`
	DeliveredTS int64 `json:"delivered_ts,omitempty"`
	SeenTS      int64 `json:"seen_ts,omitempty"`
}
