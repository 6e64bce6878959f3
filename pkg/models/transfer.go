package models

// FileTransfer is a media attachment owned by exactly one message. Its id
// is minted from its own sequence, distinct from the message id space.
type FileTransfer struct {
	ID          int64  `json:"id"`
	Message     int64  `json:"message"`
	SessionID   string `json:"session_id,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Name        string `json:"name,omitempty"`
}
