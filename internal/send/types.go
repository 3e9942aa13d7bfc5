// Package send implements the outbound message pipeline: optimistic local
// records, attachment preparation and upload handoff, album assembly, request
// orchestration, reconciliation of provisional identifiers, and the bounded
// stale-reference retry.
package send

import (
	"time"

	"github.com/courierim/courier/internal/wire"
)

// State is the lifecycle state of an outbound message record.
type State string

const (
	StateSending State = "sending"
	StateSent    State = "sent"
	StateError   State = "error"
	StateEditing State = "editing"
)

// PayloadKind tags the closed set of outbound payload variants.
type PayloadKind string

const (
	KindText         PayloadKind = "text"
	KindGeo          PayloadKind = "geo"
	KindPhoto        PayloadKind = "photo"
	KindVideo        PayloadKind = "video"
	KindDocument     PayloadKind = "document"
	KindVoice        PayloadKind = "voice"
	KindContact      PayloadKind = "contact"
	KindPoll         PayloadKind = "poll"
	KindGame         PayloadKind = "game"
	KindInvoice      PayloadKind = "invoice"
	KindDice         PayloadKind = "dice"
	KindForward      PayloadKind = "forward"
	KindInlineResult PayloadKind = "inline_result"
)

// Payload is the closed sum of message payload variants. Every implementation
// lives in this file; decision points switch exhaustively on Kind().
type Payload interface {
	Kind() PayloadKind
}

// TextPayload is a plain text message.
type TextPayload struct {
	Text string `json:"text"`
}

func (TextPayload) Kind() PayloadKind { return KindText }

// GeoPayload is a geo point; Live marks a live location with an update period.
type GeoPayload struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Live   bool    `json:"live,omitempty"`
	Period int     `json:"period,omitempty"`
}

func (GeoPayload) Kind() PayloadKind { return KindGeo }

// PhotoPayload is a photo from a local path or an already-remote photo.
type PhotoPayload struct {
	Path     string            `json:"path,omitempty"`
	Caption  string            `json:"caption,omitempty"`
	Width    int               `json:"width,omitempty"`
	Height   int               `json:"height,omitempty"`
	CacheKey string            `json:"cache_key,omitempty"`
	Remote   *wire.RemoteMedia `json:"remote,omitempty"`
	Parent   wire.ParentRef    `json:"parent,omitzero"`
}

func (PhotoPayload) Kind() PayloadKind { return KindPhoto }

// VideoPayload is a video that may still need conversion and a thumbnail.
type VideoPayload struct {
	Path         string            `json:"path,omitempty"`
	Caption      string            `json:"caption,omitempty"`
	Width        int               `json:"width,omitempty"`
	Height       int               `json:"height,omitempty"`
	Duration     int               `json:"duration,omitempty"`
	NeedsConvert bool              `json:"needs_convert,omitempty"`
	CacheKey     string            `json:"cache_key,omitempty"`
	Remote       *wire.RemoteMedia `json:"remote,omitempty"`
	Parent       wire.ParentRef    `json:"parent,omitzero"`
}

func (VideoPayload) Kind() PayloadKind { return KindVideo }

// DocumentPayload is a generic file. StickerSet, when set, names a sticker set
// that must be resolved before the request can be built.
type DocumentPayload struct {
	Path       string            `json:"path,omitempty"`
	FileName   string            `json:"file_name,omitempty"`
	MimeType   string            `json:"mime_type,omitempty"`
	Caption    string            `json:"caption,omitempty"`
	CacheKey   string            `json:"cache_key,omitempty"`
	StickerSet string            `json:"sticker_set,omitempty"`
	Remote     *wire.RemoteMedia `json:"remote,omitempty"`
	Parent     wire.ParentRef    `json:"parent,omitzero"`
}

func (DocumentPayload) Kind() PayloadKind { return KindDocument }

// VoicePayload is a voice note.
type VoicePayload struct {
	Path     string `json:"path,omitempty"`
	Duration int    `json:"duration,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

func (VoicePayload) Kind() PayloadKind { return KindVoice }

// ContactPayload shares a contact card.
type ContactPayload struct {
	Phone     string `json:"phone"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
}

func (ContactPayload) Kind() PayloadKind { return KindContact }

// PollPayload submits a poll.
type PollPayload struct {
	Poll wire.PollMedia `json:"poll"`
}

func (PollPayload) Kind() PayloadKind { return KindPoll }

// GamePayload references a game by short name.
type GamePayload struct {
	ShortName string `json:"short_name"`
}

func (GamePayload) Kind() PayloadKind { return KindGame }

// InvoicePayload submits an invoice.
type InvoicePayload struct {
	Title    string `json:"title"`
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

func (InvoicePayload) Kind() PayloadKind { return KindInvoice }

// DicePayload sends an animated dice with the given emoticon.
type DicePayload struct {
	Emoticon string `json:"emoticon"`
}

func (DicePayload) Kind() PayloadKind { return KindDice }

// ForwardPayload forwards an existing message.
type ForwardPayload struct {
	FromDialog int64 `json:"from_dialog"`
	MessageID  int64 `json:"message_id"`
}

func (ForwardPayload) Kind() PayloadKind { return KindForward }

// InlineResultPayload sends a chosen inline-bot result.
type InlineResultPayload struct {
	QueryID  int64  `json:"query_id"`
	ResultID string `json:"result_id"`
}

func (InlineResultPayload) Kind() PayloadKind { return KindInlineResult }

// Record is one outbound message. LocalID is negative while provisional and
// becomes the server-assigned positive identifier on confirmation; the record
// identity does not change, only the key it is tracked under.
type Record struct {
	LocalID    int64     `json:"local_id"`
	RandomID   int64     `json:"random_id"`
	Dialog     int64     `json:"dialog"`
	State      State     `json:"state"`
	GroupID    int64     `json:"group_id,omitempty"`
	Scheduled  bool      `json:"scheduled,omitempty"`
	ScheduleAt time.Time `json:"schedule_at,omitzero"`
	ReplyTo    int64     `json:"reply_to,omitempty"`
	Silent     bool      `json:"silent,omitempty"`
	Payload    Payload   `json:"-"`
	CreatedAt  time.Time `json:"created_at,omitzero"`

	// Server-assigned fields, filled by reconciliation.
	Date      time.Time         `json:"date,omitzero"`
	Media     *wire.RemoteMedia `json:"media,omitempty"`
	Views     int               `json:"views,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
}

// Provisional reports whether the record still carries a locally-assigned id.
func (r *Record) Provisional() bool {
	return r.LocalID < 0
}

// Ordinal is the allocation sequence number of a provisional id: the first
// record created gets ordinal 1 (local id -1), the next ordinal 2, and so on.
// Confirmed ids map onto their own positive space, which always sorts after
// anything provisional from the same session.
func (r *Record) Ordinal() int64 {
	if r.LocalID < 0 {
		return -r.LocalID
	}
	return r.LocalID
}
