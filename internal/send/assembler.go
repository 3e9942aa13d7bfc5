package send

import (
	"fmt"
	"time"

	"github.com/courierim/courier/internal/wire"
)

// startAlbum runs on the coordination goroutine. It allocates every member
// up front, parks one album descriptor under the synthetic group key, and
// marks the last member as the final marker that completes the group.
func (p *Pipeline) startAlbum(dialog int64, payloads []Payload, opt SendOptions) ([]*Record, error) {
	plans := make([]payloadPlan, len(payloads))
	for i, payload := range payloads {
		switch payload.Kind() {
		case KindPhoto, KindVideo, KindDocument:
		default:
			return nil, fmt.Errorf("payload kind %q cannot join an album", payload.Kind())
		}
		if p.opts.Allow != nil && !p.opts.Allow(dialog, payload.Kind()) {
			return nil, ErrPermissionDenied
		}
		pl, err := p.plan(payload)
		if err != nil {
			return nil, err
		}
		plans[i] = pl
	}

	groupID := wire.NewNonce()
	recs := make([]*Record, 0, len(payloads))
	for i := range payloads {
		rec := p.newRecord(dialog, payloads[i], opt)
		rec.GroupID = groupID
		p.reg.Track(rec)
		recs = append(recs, rec)
	}
	p.persist(recs...)

	if recs[0].Scheduled {
		p.met.IncScheduled()
		return recs, nil
	}

	d := p.newAlbumDescriptor(dialog, groupID, opt)
	for i, rec := range recs {
		p.addMember(d, rec, plans[i])
	}
	d.FinalMarkerID = recs[len(recs)-1].LocalID
	p.tryEmit(d)
	return recs, nil
}

func (p *Pipeline) newAlbumDescriptor(dialog, groupID int64, opt SendOptions) *Descriptor {
	d := &Descriptor{
		Kind:    DescriptorAlbum,
		Dialog:  dialog,
		GroupID: groupID,
		Multi: &wire.SendAlbumRequest{
			Dialog:  dialog,
			GroupID: groupID,
			Silent:  opt.Silent,
		},
	}
	p.enqueueDescriptor(groupKey(groupID), d)
	return d
}

// addMember appends one record to the album descriptor and kicks whatever
// media work its slot still needs.
func (p *Pipeline) addMember(d *Descriptor, rec *Record, pl payloadPlan) {
	d.Records = append(d.Records, rec)
	d.Paths = append(d.Paths, pl.path)
	d.Parents = append(d.Parents, pl.parent)
	d.Multi.Items = append(d.Multi.Items, wire.AlbumItem{
		RandomID: rec.RandomID,
		Media:    pl.media,
		Caption:  pl.media.Caption,
	})
	if !pl.media.Resolved() {
		d.PerformMediaUpload = true
		p.kickMedia(d, rec.RandomID, pl)
	}
}

// relaunchAlbum rebuilds the album descriptor for records that re-enter the
// pipeline together (resend, scheduled promotion).
func (p *Pipeline) relaunchAlbum(recs []*Record) error {
	plans := make([]payloadPlan, len(recs))
	for i, rec := range recs {
		pl, err := p.plan(rec.Payload)
		if err != nil {
			return err
		}
		plans[i] = pl
	}
	d := p.newAlbumDescriptor(recs[0].Dialog, recs[0].GroupID, SendOptions{Silent: recs[0].Silent})
	for i, rec := range recs {
		p.addMember(d, rec, plans[i])
	}
	d.FinalMarkerID = recs[len(recs)-1].LocalID
	p.tryEmit(d)
	return nil
}

// tryEmit completes the album when (1) the final marker is known, (2) the
// marker member is still part of the group, (3) no member slot is waiting on
// media, and (4) the group is non-empty. Emission removes the descriptor from
// the waitlist and hands the combined request to the orchestrator.
func (p *Pipeline) tryEmit(d *Descriptor) {
	if d.FinalMarkerID == 0 {
		return
	}
	if len(d.Records) == 0 {
		// Every member was cancelled before emission.
		p.dequeueDescriptor(d)
		p.flushQueued(d)
		return
	}
	marker := false
	for _, rec := range d.Records {
		if rec.LocalID == d.FinalMarkerID {
			marker = true
			break
		}
	}
	if !marker {
		return
	}
	for i := range d.Multi.Items {
		if !d.Multi.Items[i].Media.Resolved() {
			return
		}
	}
	p.dequeueDescriptor(d)
	p.submit(&request{
		method:  wire.MethodSendAlbum,
		body:    d.Multi,
		records: append([]*Record(nil), d.Records...),
		desc:    d,
	})
	p.flushQueued(d)
}

// checkReady re-evaluates a descriptor after one of its slots changed.
func (p *Pipeline) checkReady(d *Descriptor) {
	if d.Kind == DescriptorAlbum {
		p.tryEmit(d)
		return
	}
	switch {
	case d.Edit != nil:
		if !d.Edit.Media.Resolved() {
			return
		}
		p.dequeueDescriptor(d)
		p.submit(&request{
			method:  wire.MethodEditMedia,
			body:    d.Edit,
			records: []*Record{d.Record},
			desc:    d,
		})
	default:
		if !d.Single.Media.Resolved() {
			return
		}
		p.dequeueDescriptor(d)
		p.submit(&request{
			method:  wire.MethodSendMessage,
			body:    d.Single,
			records: []*Record{d.Record},
			desc:    d,
		})
	}
	p.flushQueued(d)
}

// flushQueued re-submits requests that were deferred behind d for ordering.
func (p *Pipeline) flushQueued(d *Descriptor) {
	queued := d.queued
	d.queued = nil
	for _, r := range queued {
		p.submit(r)
	}
}

// startEdit runs on the coordination goroutine.
func (p *Pipeline) startEdit(dialog, messageID int64, payload Payload) (*Record, error) {
	switch payload.Kind() {
	case KindPhoto, KindVideo, KindDocument:
	default:
		return nil, fmt.Errorf("payload kind %q cannot replace media", payload.Kind())
	}
	pl, err := p.plan(payload)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		LocalID:   messageID,
		RandomID:  wire.NewNonce(),
		Dialog:    dialog,
		State:     StateEditing,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	p.reg.Track(rec)
	body := &wire.EditMediaRequest{
		Dialog:    dialog,
		MessageID: messageID,
		RandomID:  rec.RandomID,
		Media:     pl.media,
		Caption:   pl.media.Caption,
	}
	if pl.media.Resolved() {
		p.submit(&request{
			method:  wire.MethodEditMedia,
			body:    body,
			records: []*Record{rec},
		})
		return rec, nil
	}
	d := &Descriptor{
		Kind:               pl.kind,
		Dialog:             dialog,
		Edit:               body,
		Record:             rec,
		Paths:              []string{pl.path},
		Parents:            []wire.ParentRef{pl.parent},
		PerformMediaUpload: true,
	}
	p.enqueueDescriptor(pl.resourceKey(), d)
	p.kickMedia(d, rec.RandomID, pl)
	return rec, nil
}
