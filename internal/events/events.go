// Package events defines the typed notifications the send pipeline publishes
// and the bus that delivers them. Publishing is fire-and-forget; no subscriber
// acknowledgement is ever awaited.
package events

// Topic names, stable across process boundaries.
const (
	TopicSendingSetChanged     = "sending_set_changed"
	TopicMessageConfirmed      = "message_confirmed"
	TopicMessageSendError      = "message_send_error"
	TopicUploadProgress        = "upload_progress"
	TopicHistoryImportProgress = "history_import_progress"
)

// Event is the closed set of pipeline notifications.
type Event interface {
	Topic() string
}

// SendingSetChanged fires when a dialog transitions between having zero and
// having at least one in-flight send. Emitted at most once per transition.
type SendingSetChanged struct {
	Dialog  int64 `json:"dialog"`
	Sending bool  `json:"sending"`
}

func (SendingSetChanged) Topic() string { return TopicSendingSetChanged }

// MessageConfirmed fires when the server accepts a message. OldID is the
// provisional identifier, NewID the confirmed one; subscribers remap in place.
type MessageConfirmed struct {
	OldID     int64 `json:"old_id"`
	NewID     int64 `json:"new_id"`
	Dialog    int64 `json:"dialog"`
	Scheduled bool  `json:"scheduled,omitempty"`
}

func (MessageConfirmed) Topic() string { return TopicMessageConfirmed }

// MessageSendError fires exactly once per record that ends in the error state.
type MessageSendError struct {
	ID     int64  `json:"id"`
	Dialog int64  `json:"dialog"`
	Code   string `json:"code,omitempty"`
}

func (MessageSendError) Topic() string { return TopicMessageSendError }

// UploadProgress is the upload service's progress passthrough.
type UploadProgress struct {
	Path   string `json:"path"`
	Loaded int64  `json:"loaded"`
	Total  int64  `json:"total"`
}

func (UploadProgress) Topic() string { return TopicUploadProgress }

// HistoryImportProgress reports progress of a history-import file upload.
type HistoryImportProgress struct {
	Dialog int64 `json:"dialog"`
	Loaded int64 `json:"loaded"`
	Total  int64 `json:"total"`
}

func (HistoryImportProgress) Topic() string { return TopicHistoryImportProgress }
