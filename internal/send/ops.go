package send

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/courierim/courier/internal/prepare"
	"github.com/courierim/courier/internal/wire"
)

// SendOptions carries the per-message options shared by every operation.
type SendOptions struct {
	ReplyTo    int64
	Silent     bool
	ScheduleAt time.Time
}

// SendText submits a plain text message and returns its provisional record.
func (p *Pipeline) SendText(ctx context.Context, dialog int64, text string, opt SendOptions) (*Record, error) {
	return p.Send(ctx, dialog, TextPayload{Text: text}, opt)
}

// SendGeo submits a geo point or live location.
func (p *Pipeline) SendGeo(ctx context.Context, dialog int64, geo GeoPayload, opt SendOptions) (*Record, error) {
	return p.Send(ctx, dialog, geo, opt)
}

// SendContact shares a contact card.
func (p *Pipeline) SendContact(ctx context.Context, dialog int64, contact ContactPayload, opt SendOptions) (*Record, error) {
	return p.Send(ctx, dialog, contact, opt)
}

// SendPoll submits a poll.
func (p *Pipeline) SendPoll(ctx context.Context, dialog int64, poll PollPayload, opt SendOptions) (*Record, error) {
	return p.Send(ctx, dialog, poll, opt)
}

// SendDice sends an animated dice.
func (p *Pipeline) SendDice(ctx context.Context, dialog int64, dice DicePayload, opt SendOptions) (*Record, error) {
	return p.Send(ctx, dialog, dice, opt)
}

// SendGame sends a game by short name.
func (p *Pipeline) SendGame(ctx context.Context, dialog int64, game GamePayload, opt SendOptions) (*Record, error) {
	return p.Send(ctx, dialog, game, opt)
}

// SendInvoice submits an invoice.
func (p *Pipeline) SendInvoice(ctx context.Context, dialog int64, inv InvoicePayload, opt SendOptions) (*Record, error) {
	return p.Send(ctx, dialog, inv, opt)
}

// SendInlineResult sends a chosen inline-bot result.
func (p *Pipeline) SendInlineResult(ctx context.Context, dialog int64, res InlineResultPayload, opt SendOptions) (*Record, error) {
	return p.Send(ctx, dialog, res, opt)
}

// Forward forwards an existing message into dialog.
func (p *Pipeline) Forward(ctx context.Context, dialog int64, fwd ForwardPayload, opt SendOptions) (*Record, error) {
	return p.Send(ctx, dialog, fwd, opt)
}

// SendMedia submits a single media message (photo, video, document, voice).
func (p *Pipeline) SendMedia(ctx context.Context, dialog int64, payload Payload, opt SendOptions) (*Record, error) {
	return p.Send(ctx, dialog, payload, opt)
}

// Send submits one message of any payload kind.
func (p *Pipeline) Send(ctx context.Context, dialog int64, payload Payload, opt SendOptions) (*Record, error) {
	return call(ctx, p, func() (*Record, error) {
		return p.startSend(dialog, payload, opt)
	})
}

// SendAlbum submits the payloads as one grouped batch. All members share a
// group id and the batch is delivered in a single request once every member's
// media is ready.
func (p *Pipeline) SendAlbum(ctx context.Context, dialog int64, payloads []Payload, opt SendOptions) ([]*Record, error) {
	if len(payloads) == 0 {
		return nil, ErrEmptyAlbum
	}
	if len(payloads) > p.opts.GroupLimit {
		return nil, ErrAlbumTooLarge
	}
	return call(ctx, p, func() ([]*Record, error) {
		return p.startAlbum(dialog, payloads, opt)
	})
}

// EditMedia replaces the media of an already-confirmed message.
func (p *Pipeline) EditMedia(ctx context.Context, dialog, messageID int64, payload Payload) (*Record, error) {
	if messageID <= 0 {
		return nil, ErrUnknownMessage
	}
	return call(ctx, p, func() (*Record, error) {
		return p.startEdit(dialog, messageID, payload)
	})
}

// Cancel withdraws an unconfirmed message: the in-flight request or pending
// upload is aborted, album siblings are re-assembled without it, and the
// record disappears without an error event.
func (p *Pipeline) Cancel(ctx context.Context, id int64) error {
	_, err := call(ctx, p, func() (struct{}, error) {
		return struct{}{}, p.cancelLocked(id)
	})
	return err
}

// Retry re-enters a failed message into the pipeline, reusing its nonce so
// the server can deduplicate if the original actually landed.
func (p *Pipeline) Retry(ctx context.Context, id int64) (*Record, error) {
	return call(ctx, p, func() (*Record, error) {
		return p.retryLocked(id)
	})
}

// defaultResendLimit bounds startup recovery when the caller passes none.
const defaultResendLimit = 1000

// ResendUnsent reloads up to limit persisted unsent records and re-enters the
// ones that were still in flight when the previous process stopped. Returns
// how many sends were restarted.
func (p *Pipeline) ResendUnsent(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultResendLimit
	}
	recs, err := p.store.GetUnsent(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("load unsent records: %w", err)
	}
	return call(ctx, p, func() (int, error) {
		live := make([]*Record, 0, len(recs))
		for _, rec := range recs {
			p.reg.Track(rec)
			if rec.Scheduled || rec.State != StateSending {
				continue
			}
			live = append(live, rec)
		}
		return p.reenter(live), nil
	})
}

// PromoteDue moves scheduled messages whose time has come into the live
// pipeline. Returns how many were promoted.
func (p *Pipeline) PromoteDue(ctx context.Context, now time.Time, limit int) (int, error) {
	recs, err := p.store.TakeDueScheduled(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("take due scheduled: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}
	return call(ctx, p, func() (int, error) {
		live := make([]*Record, 0, len(recs))
		for _, rec := range recs {
			if existing, ok := p.reg.Get(rec.LocalID); ok {
				rec = existing
				p.reg.Untrack(rec.LocalID)
			}
			rec.Scheduled = false
			rec.State = StateSending
			p.reg.Track(rec)
			live = append(live, rec)
		}
		promoted := p.reenter(live)
		for i := 0; i < promoted; i++ {
			p.met.IncPromoted()
		}
		return promoted, nil
	})
}

// reenter relaunches records that come back into the live pipeline, grouping
// album members back under one descriptor. Returns how many records restarted.
func (p *Pipeline) reenter(recs []*Record) int {
	var count int
	groups := make(map[int64][]*Record)
	var order []int64
	for _, rec := range recs {
		if rec.GroupID != 0 {
			if _, seen := groups[rec.GroupID]; !seen {
				order = append(order, rec.GroupID)
			}
			groups[rec.GroupID] = append(groups[rec.GroupID], rec)
			continue
		}
		if err := p.relaunch(rec); err != nil {
			p.fail(rec, codeLocal, err)
			continue
		}
		count++
	}
	for _, groupID := range order {
		members := groups[groupID]
		sort.Slice(members, func(i, j int) bool {
			return members[i].Ordinal() < members[j].Ordinal()
		})
		if err := p.relaunchAlbum(members); err != nil {
			for _, rec := range members {
				p.fail(rec, codeLocal, err)
			}
			continue
		}
		count += len(members)
	}
	return count
}

// startSend runs on the coordination goroutine.
func (p *Pipeline) startSend(dialog int64, payload Payload, opt SendOptions) (*Record, error) {
	if p.opts.Allow != nil && !p.opts.Allow(dialog, payload.Kind()) {
		return nil, ErrPermissionDenied
	}
	pl, err := p.plan(payload)
	if err != nil {
		return nil, err
	}
	rec := p.newRecord(dialog, payload, opt)
	p.reg.Track(rec)
	p.persist(rec)
	if rec.Scheduled {
		p.met.IncScheduled()
		p.log.Debug("message scheduled",
			slog.Int64("local_id", rec.LocalID),
			slog.Int64("dialog", dialog),
			slog.Time("at", rec.ScheduleAt))
		return rec, nil
	}
	p.launch(rec, pl)
	return rec, nil
}

// relaunch rebuilds the media plan from the record's payload, for resend,
// retry, and scheduled promotion.
func (p *Pipeline) relaunch(rec *Record) error {
	pl, err := p.plan(rec.Payload)
	if err != nil {
		return err
	}
	p.launch(rec, pl)
	return nil
}

// launch either submits the request immediately or parks a descriptor on the
// waitlist and kicks the media work it waits for.
func (p *Pipeline) launch(rec *Record, pl payloadPlan) {
	if pl.media == nil || pl.media.Resolved() {
		p.submit(p.singleRequest(rec, pl))
		return
	}
	d := &Descriptor{
		Kind:               pl.kind,
		Dialog:             rec.Dialog,
		Single:             p.singleBody(rec, pl),
		Record:             rec,
		Paths:              []string{pl.path},
		Parents:            []wire.ParentRef{pl.parent},
		PerformMediaUpload: true,
	}
	p.enqueueDescriptor(pl.resourceKey(), d)
	p.kickMedia(d, rec.RandomID, pl)
}

// payloadPlan is the derived wire shape of one payload: the media slot (nil
// for plain sends), the resource work it still needs, and the passthrough
// request fields.
type payloadPlan struct {
	media      *wire.InputMedia
	kind       DescriptorKind
	path       string
	cacheKey   string
	parent     wire.ParentRef
	convert    bool
	prepKind   prepare.Kind
	stickerSet string
	text       string
	forward    *ForwardPayload
	inline     *InlineResultPayload
}

// resourceKey is the waitlist key: the cache key when the payload has one,
// the sticker-set key for set resolutions, otherwise the source path.
func (pl payloadPlan) resourceKey() string {
	if pl.stickerSet != "" {
		return stickerSetKey(pl.stickerSet)
	}
	if pl.cacheKey != "" {
		return pl.cacheKey
	}
	return pl.path
}

// plan validates the payload and derives its wire shape. Local problems
// (missing file, oversized file) surface here, before anything is tracked.
func (p *Pipeline) plan(payload Payload) (payloadPlan, error) {
	switch v := payload.(type) {
	case TextPayload:
		return payloadPlan{text: v.Text}, nil
	case ForwardPayload:
		fwd := v
		return payloadPlan{forward: &fwd}, nil
	case InlineResultPayload:
		res := v
		return payloadPlan{inline: &res}, nil
	case GeoPayload:
		kind := wire.MediaGeo
		if v.Live {
			kind = wire.MediaLiveGeo
		}
		return payloadPlan{media: &wire.InputMedia{
			Kind: kind, Lat: v.Lat, Lon: v.Lon, Period: v.Period,
		}}, nil
	case ContactPayload:
		return payloadPlan{media: &wire.InputMedia{
			Kind: wire.MediaContact, Phone: v.Phone,
			FirstName: v.FirstName, LastName: v.LastName,
		}}, nil
	case PollPayload:
		poll := v.Poll
		return payloadPlan{media: &wire.InputMedia{Kind: wire.MediaPoll, Poll: &poll}}, nil
	case DicePayload:
		return payloadPlan{media: &wire.InputMedia{Kind: wire.MediaDice, Emoticon: v.Emoticon}}, nil
	case GamePayload:
		return payloadPlan{media: &wire.InputMedia{Kind: wire.MediaGame, ShortName: v.ShortName}}, nil
	case InvoicePayload:
		return payloadPlan{media: &wire.InputMedia{
			Kind: wire.MediaInvoice, Title: v.Title,
			Currency: v.Currency, Amount: v.Amount,
		}}, nil
	case PhotoPayload:
		pl := payloadPlan{
			media: &wire.InputMedia{
				Kind: wire.MediaPhoto, Caption: v.Caption,
				Width: v.Width, Height: v.Height, Remote: v.Remote,
			},
			kind:     DescriptorPhoto,
			path:     v.Path,
			cacheKey: v.CacheKey,
			parent:   v.Parent,
			prepKind: prepare.KindPhoto,
		}
		return pl, p.checkSource(pl)
	case VideoPayload:
		pl := payloadPlan{
			media: &wire.InputMedia{
				Kind: wire.MediaVideo, Caption: v.Caption,
				Width: v.Width, Height: v.Height, Duration: v.Duration,
				Remote: v.Remote, WantThumb: v.Remote == nil,
			},
			kind:     DescriptorVideo,
			path:     v.Path,
			cacheKey: v.CacheKey,
			parent:   v.Parent,
			convert:  v.NeedsConvert,
			prepKind: prepare.KindVideo,
		}
		return pl, p.checkSource(pl)
	case DocumentPayload:
		media := &wire.InputMedia{
			Kind: wire.MediaDocument, Caption: v.Caption,
			FileName: v.FileName, MimeType: v.MimeType, Remote: v.Remote,
		}
		if media.FileName == "" && v.Path != "" {
			media.FileName = filepath.Base(v.Path)
		}
		pl := payloadPlan{
			media:      media,
			kind:       DescriptorFile,
			path:       v.Path,
			cacheKey:   v.CacheKey,
			parent:     v.Parent,
			prepKind:   prepare.KindDocument,
			stickerSet: v.StickerSet,
		}
		if v.StickerSet != "" {
			pl.kind = DescriptorStickerSet
			return pl, nil
		}
		return pl, p.checkSource(pl)
	case VoicePayload:
		pl := payloadPlan{
			media: &wire.InputMedia{
				Kind: wire.MediaVoice, Caption: v.Caption, Duration: v.Duration,
			},
			kind:     DescriptorVoice,
			path:     v.Path,
			prepKind: prepare.KindVoice,
		}
		return pl, p.checkSource(pl)
	default:
		return payloadPlan{}, fmt.Errorf("unsupported payload kind %T", payload)
	}
}

// checkSource pre-flights the local file when the payload still needs one.
func (p *Pipeline) checkSource(pl payloadPlan) error {
	if pl.media.Remote != nil {
		return nil
	}
	info, err := os.Stat(pl.path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFileMissing, pl.path)
	}
	if p.opts.MaxFileBytes > 0 && info.Size() > p.opts.MaxFileBytes {
		return ErrFileTooLarge
	}
	pl.media.FileSize = info.Size()
	return nil
}

// singleBody builds the send-message body for rec.
func (p *Pipeline) singleBody(rec *Record, pl payloadPlan) *wire.SendMessageRequest {
	body := &wire.SendMessageRequest{
		Dialog:   rec.Dialog,
		RandomID: rec.RandomID,
		Text:     pl.text,
		Media:    pl.media,
		ReplyTo:  rec.ReplyTo,
		Silent:   rec.Silent,
	}
	if pl.forward != nil {
		body.ForwardFromDialog = pl.forward.FromDialog
		body.ForwardMessageID = pl.forward.MessageID
	}
	if pl.inline != nil {
		body.InlineQueryID = pl.inline.QueryID
		body.InlineResultID = pl.inline.ResultID
	}
	return body
}

func (p *Pipeline) singleRequest(rec *Record, pl payloadPlan) *request {
	return &request{
		method:  wire.MethodSendMessage,
		body:    p.singleBody(rec, pl),
		records: []*Record{rec},
	}
}

// kickMedia starts the asynchronous resource work a descriptor slot waits on.
func (p *Pipeline) kickMedia(d *Descriptor, randomID int64, pl payloadPlan) {
	key := pl.resourceKey()
	if pl.stickerSet != "" {
		p.resolves[key] = append(p.resolves[key], slotRef{desc: d, randomID: randomID})
		p.prep.Resolve(wire.ParentRef{Kind: "sticker_set", Key: pl.stickerSet}, 0, key)
		return
	}
	p.prepares[key] = append(p.prepares[key], slotRef{desc: d, randomID: randomID})
	p.prep.Prepare(prepare.Job{
		Key:       key,
		Path:      pl.path,
		Kind:      pl.prepKind,
		Convert:   pl.convert,
		WantThumb: pl.media.WantThumb,
	})
}

// enqueueDescriptor parks d on the waitlist and counts its dialog as having
// media work in progress.
func (p *Pipeline) enqueueDescriptor(key string, d *Descriptor) {
	p.wait.add(key, d)
	p.reg.UploadingDelta(d.Dialog, 1)
}

// dequeueDescriptor removes d from the waitlist and balances the counter.
// Safe to call for a descriptor that already left.
func (p *Pipeline) dequeueDescriptor(d *Descriptor) {
	if d.key == "" {
		return
	}
	p.wait.remove(d)
	p.reg.UploadingDelta(d.Dialog, -1)
}
