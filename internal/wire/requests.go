package wire

// SendMessageRequest submits a single message, with or without media.
type SendMessageRequest struct {
	Dialog     int64       `json:"dialog"`
	RandomID   int64       `json:"random_id"`
	Text       string      `json:"text,omitempty"`
	Media      *InputMedia `json:"media,omitempty"`
	ReplyTo    int64       `json:"reply_to,omitempty"`
	Silent     bool        `json:"silent,omitempty"`
	ScheduleAt int64       `json:"schedule_at,omitempty"`
	// Forwarding and inline-bot results reuse the same envelope.
	ForwardFromDialog int64  `json:"forward_from_dialog,omitempty"`
	ForwardMessageID  int64  `json:"forward_message_id,omitempty"`
	InlineQueryID     int64  `json:"inline_query_id,omitempty"`
	InlineResultID    string `json:"inline_result_id,omitempty"`
}

// AlbumItem is one member of a grouped (album) request.
type AlbumItem struct {
	RandomID int64       `json:"random_id"`
	Media    *InputMedia `json:"media"`
	Caption  string      `json:"caption,omitempty"`
}

// SendAlbumRequest submits up to GroupLimit sibling messages as one batch.
type SendAlbumRequest struct {
	Dialog     int64       `json:"dialog"`
	GroupID    int64       `json:"group_id"`
	Items      []AlbumItem `json:"items"`
	Silent     bool        `json:"silent,omitempty"`
	ScheduleAt int64       `json:"schedule_at,omitempty"`
}

// EditMediaRequest replaces the media of an already-sent message.
type EditMediaRequest struct {
	Dialog    int64       `json:"dialog"`
	MessageID int64       `json:"message_id"`
	RandomID  int64       `json:"random_id"`
	Media     *InputMedia `json:"media"`
	Caption   string      `json:"caption,omitempty"`
}

// UploadPartRequest carries one chunk of a file upload.
type UploadPartRequest struct {
	FileID int64  `json:"file_id"`
	Part   int    `json:"part"`
	Total  int    `json:"total"`
	Data   []byte `json:"data"`
}

// ResolveReferenceRequest asks the server for a fresh media reference derived
// from the parent object the original attachment came from.
type ResolveReferenceRequest struct {
	Parent  ParentRef `json:"parent"`
	MediaID int64     `json:"media_id"`
}

// ResolveReferenceResponse carries the re-resolved reference. Media is set
// when the resolution addressed an object the client has never held media for
// (a sticker set looked up by short name); a plain refresh returns only the
// reference.
type ResolveReferenceResponse struct {
	Reference string       `json:"reference"`
	Media     *RemoteMedia `json:"media,omitempty"`
}

// ConfirmedMessage is the server-side view of a message after acceptance.
// RandomID echoes the client nonce so responses can be matched independently
// of identifier renumbering or arrival order.
type ConfirmedMessage struct {
	ID       int64        `json:"id"`
	RandomID int64        `json:"random_id"`
	Dialog   int64        `json:"dialog"`
	Date     int64        `json:"date"`
	Media    *RemoteMedia `json:"media,omitempty"`
	Views    int          `json:"views,omitempty"`
}

// SendMessageResponse confirms a single submission.
type SendMessageResponse struct {
	Message ConfirmedMessage `json:"message"`
}

// SendAlbumResponse confirms a batched submission. The server may return fewer
// messages than were submitted and in any order.
type SendAlbumResponse struct {
	Messages []ConfirmedMessage `json:"messages"`
}
