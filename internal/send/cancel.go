package send

import (
	"context"
	"log/slog"
	"time"
)

// cancelLocked withdraws one unconfirmed message. The whole unwind happens in
// a single coordination step, so no callback can observe a half-cancelled
// state: the in-flight request or pending media work is stopped, album
// siblings re-assemble without the member, and the record disappears locally
// without a send-error event.
func (p *Pipeline) cancelLocked(id int64) error {
	rec, ok := p.reg.Get(id)
	if !ok {
		return ErrUnknownMessage
	}

	switch {
	case p.cancelPending(id, rec.RandomID):
	case p.cancelInflight(id):
	default:
		p.cancelQueued(id)
	}

	p.reg.Untrack(id)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.DeleteMessages(ctx, id); err != nil {
		p.log.Error("delete cancelled record", slog.Any("error", err))
	}
	p.met.IncCancelled()
	p.log.Debug("message cancelled", slog.Int64("local_id", id))
	return nil
}

// cancelPending handles a record still parked on the waitlist.
func (p *Pipeline) cancelPending(id, randomID int64) bool {
	d := p.wait.findByLocal(id)
	if d == nil {
		return false
	}
	if d.Kind != DescriptorAlbum {
		p.dequeueDescriptor(d)
		p.cleanupWork(d)
		p.flushQueued(d)
		return true
	}

	wasMarker := d.FinalMarkerID == id
	d.removeMember(id)
	p.cleanupSlot(d, randomID)
	if len(d.Records) == 0 {
		p.dequeueDescriptor(d)
		p.cleanupWork(d)
		p.flushQueued(d)
		return true
	}
	if wasMarker {
		// Re-base the marker onto the newest surviving member so the group
		// can still complete.
		d.FinalMarkerID = d.lastMember().LocalID
	}
	// The removed member may have been the last unresolved slot.
	p.tryEmit(d)
	return true
}

// cancelInflight aborts the transport request carrying the record. Album
// siblings already submitted alongside it re-dispatch without the member,
// keeping their nonces.
func (p *Pipeline) cancelInflight(id int64) bool {
	r := p.findInflight(id)
	if r == nil {
		return false
	}
	p.tr.Cancel(r.handle)
	delete(p.inflight, r.primary())
	r.handle = 0
	if !p.takeFromRequest(r, id) {
		p.dispatch(r)
	}
	return true
}

// cancelQueued drops the record from a submission deferred behind another
// descriptor, or from a retry held back by reference resolution.
func (p *Pipeline) cancelQueued(id int64) {
	for _, d := range p.wait.all() {
		for i, r := range d.queued {
			for _, rec := range r.records {
				if rec.LocalID != id {
					continue
				}
				if p.takeFromRequest(r, id) {
					d.queued = append(d.queued[:i], d.queued[i+1:]...)
				}
				return
			}
		}
		if d.retry != nil {
			for _, rec := range d.retry.records {
				if rec.LocalID == id {
					if p.takeFromRequest(d.retry, id) {
						d.retry = nil
						d.resolving = 0
					}
					return
				}
			}
		}
	}
}

// takeFromRequest removes one record (and its album item) from a request.
// Reports whether the request became empty.
func (p *Pipeline) takeFromRequest(r *request, id int64) bool {
	for i, rec := range r.records {
		if rec.LocalID == id {
			r.records = append(r.records[:i], r.records[i+1:]...)
			break
		}
	}
	if r.desc != nil {
		r.desc.removeMember(id)
	}
	return len(r.records) == 0
}

func (p *Pipeline) findInflight(id int64) *request {
	for _, r := range p.inflight {
		for _, rec := range r.records {
			if rec.LocalID == id {
				return r
			}
		}
	}
	return nil
}

// retryLocked re-enters a failed record into the pipeline.
func (p *Pipeline) retryLocked(id int64) (*Record, error) {
	rec, ok := p.reg.Get(id)
	if !ok {
		return nil, ErrUnknownMessage
	}
	if rec.State != StateError {
		return nil, ErrNotRetryable
	}
	p.reg.MarkSending(id)
	p.persist(rec)
	p.met.IncRetried()
	if err := p.relaunch(rec); err != nil {
		p.fail(rec, codeLocal, err)
		return nil, err
	}
	return rec, nil
}
