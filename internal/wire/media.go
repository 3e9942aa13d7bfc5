package wire

import "strings"

// MediaKind classifies an attachment on the wire.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
	MediaVoice    MediaKind = "voice"
	MediaGeo      MediaKind = "geo"
	MediaLiveGeo  MediaKind = "live_geo"
	MediaContact  MediaKind = "contact"
	MediaPoll     MediaKind = "poll"
	MediaDice     MediaKind = "dice"
	MediaGame     MediaKind = "game"
	MediaInvoice  MediaKind = "invoice"
)

// FileHandle identifies a completed client upload that the server has not yet
// normalized into server-side media. Produced by the upload service.
type FileHandle struct {
	ID    int64  `json:"id"`
	Parts int    `json:"parts"`
	Name  string `json:"name,omitempty"`
	MD5   string `json:"md5,omitempty"`
	Big   bool   `json:"big,omitempty"`
}

// RemoteMedia references media the server already holds. Reference is the
// opaque token that can go stale and then must be re-resolved from Parent.
type RemoteMedia struct {
	ID         int64  `json:"id"`
	AccessHash int64  `json:"access_hash"`
	Reference  string `json:"reference,omitempty"`
}

// ParentRef names the object a remote reference was originally derived from,
// for re-resolution after a stale-reference rejection.
type ParentRef struct {
	Kind    string `json:"kind"`
	Dialog  int64  `json:"dialog,omitempty"`
	Message int64  `json:"message,omitempty"`
	Key     string `json:"key,omitempty"`
}

// Zero reports whether the parent reference carries nothing resolvable.
func (p ParentRef) Zero() bool {
	return strings.TrimSpace(p.Kind) == "" && p.Dialog == 0 && p.Message == 0 && strings.TrimSpace(p.Key) == ""
}

// InputMedia is the attachment slot of an outbound request. While the local
// upload or conversion is still running, both File and Remote are nil; the
// upload handoff fills File (and Thumb for videos/documents), or Remote on a
// cache hit. A filled slot is never un-filled.
type InputMedia struct {
	Kind     MediaKind    `json:"kind"`
	File     *FileHandle  `json:"file,omitempty"`
	Thumb    *FileHandle  `json:"thumb,omitempty"`
	Remote   *RemoteMedia `json:"remote,omitempty"`
	Caption  string       `json:"caption,omitempty"`
	MimeType string       `json:"mime_type,omitempty"`
	Width    int          `json:"width,omitempty"`
	Height   int          `json:"height,omitempty"`
	Duration int          `json:"duration,omitempty"`
	FileName string       `json:"file_name,omitempty"`
	FileSize int64        `json:"file_size,omitempty"`
	// Geo / contact / poll / dice payloads ride along unchanged.
	Lat       float64    `json:"lat,omitempty"`
	Lon       float64    `json:"lon,omitempty"`
	Period    int        `json:"period,omitempty"`
	Phone     string     `json:"phone,omitempty"`
	FirstName string     `json:"first_name,omitempty"`
	LastName  string     `json:"last_name,omitempty"`
	Poll      *PollMedia `json:"poll,omitempty"`
	Emoticon  string     `json:"emoticon,omitempty"`
	ShortName string     `json:"short_name,omitempty"`
	Title     string     `json:"title,omitempty"`
	Currency  string     `json:"currency,omitempty"`
	Amount    int64      `json:"amount,omitempty"`
	// WantThumb marks media whose preparation also owes a thumbnail.
	WantThumb bool `json:"-"`
}

// PollMedia is the poll payload of an outbound request.
type PollMedia struct {
	Question       string   `json:"question"`
	Answers        []string `json:"answers"`
	MultipleChoice bool     `json:"multiple_choice,omitempty"`
	Quiz           bool     `json:"quiz,omitempty"`
	CorrectAnswer  int      `json:"correct_answer,omitempty"`
	ClosePeriod    int      `json:"close_period,omitempty"`
}

// Resolved reports whether the slot no longer waits on any local resource:
// either the server already holds the media, or the upload finished and the
// optional thumbnail arrived.
func (m *InputMedia) Resolved() bool {
	if m == nil {
		return true
	}
	if m.Remote != nil {
		return true
	}
	if m.File == nil {
		return false
	}
	if m.WantThumb && m.Thumb == nil {
		return false
	}
	return true
}

// NeedsUpload reports whether the slot still waits on a local file upload.
func (m *InputMedia) NeedsUpload() bool {
	return m != nil && m.Remote == nil && m.File == nil
}
