package send

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/courierim/courier/internal/events"
	"github.com/courierim/courier/internal/wire"
)

var errNotInResponse = errors.New("message missing from server response")

// reconcile matches server confirmations back to the request's records by
// nonce and re-keys them from their provisional ids.
func (p *Pipeline) reconcile(r *request, resp wire.Response) {
	switch r.method {
	case wire.MethodSendMessage:
		var body wire.SendMessageResponse
		if err := resp.DecodeBody(&body); err != nil {
			p.failRequest(r, codeLocal, err)
			return
		}
		p.confirm(r.records[0], body.Message)

	case wire.MethodSendAlbum:
		var body wire.SendAlbumResponse
		if err := resp.DecodeBody(&body); err != nil {
			p.failRequest(r, codeLocal, err)
			return
		}
		// The server may confirm fewer members than were submitted and in any
		// order; nonces pair them up, and the leftovers fail individually
		// without touching their confirmed siblings.
		byNonce := make(map[int64]wire.ConfirmedMessage, len(body.Messages))
		for _, msg := range body.Messages {
			byNonce[msg.RandomID] = msg
		}
		for _, rec := range r.records {
			if msg, ok := byNonce[rec.RandomID]; ok {
				p.confirm(rec, msg)
			} else {
				p.fail(rec, codeLocal, errNotInResponse)
			}
		}

	case wire.MethodEditMedia:
		var body wire.SendMessageResponse
		if err := resp.DecodeBody(&body); err != nil {
			p.failRequest(r, codeLocal, err)
			return
		}
		rec := r.records[0]
		rec.State = StateSent
		rec.Media = body.Message.Media
		p.persistConfirm(rec.LocalID, rec)
		p.storeCache(rec)
		p.bus.Publish(events.MessageConfirmed{
			OldID:  rec.LocalID,
			NewID:  rec.LocalID,
			Dialog: rec.Dialog,
		})
		p.met.IncConfirmed()
	}
}

// confirm re-keys one record onto its server identifier. The record object is
// untouched apart from identity and the server-assigned fields.
func (p *Pipeline) confirm(rec *Record, msg wire.ConfirmedMessage) {
	oldID := rec.LocalID
	p.reg.Replace(oldID, msg.ID)
	rec.State = StateSent
	if msg.Date != 0 {
		rec.Date = time.Unix(msg.Date, 0).UTC()
	}
	rec.Media = msg.Media
	rec.Views = msg.Views
	p.persistConfirm(oldID, rec)
	p.storeCache(rec)
	p.bus.Publish(events.MessageConfirmed{
		OldID:     oldID,
		NewID:     msg.ID,
		Dialog:    rec.Dialog,
		Scheduled: !rec.ScheduleAt.IsZero(),
	})
	p.met.IncConfirmed()
	p.log.Debug("message confirmed",
		slog.Int64("old_id", oldID),
		slog.Int64("new_id", msg.ID),
		slog.Int64("dialog", rec.Dialog))
}

func (p *Pipeline) persistConfirm(oldID int64, rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.Confirm(ctx, oldID, rec); err != nil {
		p.log.Error("persist confirmation", slog.Any("error", err))
	}
}

// storeCache remembers the server-side media under the payload's cache key so
// the same local file skips uploading next time.
func (p *Pipeline) storeCache(rec *Record) {
	if p.cache == nil || rec.Media == nil {
		return
	}
	key := payloadCacheKey(rec.Payload)
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.cache.Store(ctx, key, *rec.Media); err != nil {
		p.log.Debug("cache store failed",
			slog.String("key", key), slog.Any("error", err))
	}
}

func payloadCacheKey(payload Payload) string {
	switch v := payload.(type) {
	case PhotoPayload:
		return v.CacheKey
	case VideoPayload:
		return v.CacheKey
	case DocumentPayload:
		return v.CacheKey
	default:
		return ""
	}
}
