package send

import (
	"context"
	"log/slog"
	"time"

	"github.com/courierim/courier/internal/events"
	"github.com/courierim/courier/internal/wire"
)

// submit hands a ready request to the transport, unless an earlier-allocated
// descriptor in the same dialog is still pending; the request then queues
// behind it so per-dialog delivery keeps allocation order.
func (p *Pipeline) submit(r *request) {
	if len(r.records) == 0 {
		return
	}
	if r.records[0].Provisional() {
		if earlier := p.wait.latestBefore(r.records[0].Dialog, r.minOrdinal(), r.desc); earlier != nil {
			earlier.queued = append(earlier.queued, r)
			p.log.Debug("submission deferred",
				slog.Int64("random_id", r.primary()),
				slog.String("behind", earlier.key))
			return
		}
	}
	p.dispatch(r)
}

// dispatch writes the request to the transport. Submission is idempotent per
// primary nonce: a request already in flight is not sent twice.
func (p *Pipeline) dispatch(r *request) {
	primary := r.primary()
	if _, dup := p.inflight[primary]; dup {
		return
	}
	req, err := wire.NewRequest(r.method, r.body)
	if err != nil {
		p.failRequest(r, codeLocal, err)
		return
	}
	p.inflight[primary] = r
	r.handle = p.tr.Send(context.Background(), req, func(resp wire.Response, err error) {
		if postErr := p.post(func() { p.settle(primary, resp, err) }); postErr != nil {
			p.log.Warn("response dropped, pipeline closed",
				slog.Int64("random_id", primary))
		}
	})
	p.met.IncSubmitted(r.method)
	p.log.Debug("request submitted",
		slog.String("method", r.method),
		slog.Int64("random_id", primary),
		slog.Int("records", len(r.records)))
}

// settle consumes the terminal outcome of an in-flight request.
func (p *Pipeline) settle(primary int64, resp wire.Response, err error) {
	r, ok := p.inflight[primary]
	if !ok {
		// Cancelled while the response was in transit.
		return
	}
	delete(p.inflight, primary)
	r.handle = 0
	if err != nil {
		p.failRequest(r, codeTransport, err)
		return
	}
	if resp.Error != nil {
		if wire.IsStaleReference(resp.Error) && p.beginRefresh(r) {
			return
		}
		p.failRequest(r, string(resp.Error.Code), resp.Error)
		return
	}
	p.reconcile(r, resp)
}

// failRequest propagates one failure to every record the request carried.
func (p *Pipeline) failRequest(r *request, code string, err error) {
	p.log.Warn("send failed",
		slog.String("method", r.method),
		slog.Int64("random_id", r.primary()),
		slog.String("code", code),
		slog.Any("error", err))
	for _, rec := range r.records {
		p.fail(rec, code, err)
	}
}

// fail moves one record into the error state, persists it, and publishes
// exactly one send-error event for it.
func (p *Pipeline) fail(rec *Record, code string, err error) {
	p.reg.MarkError(rec.LocalID, code)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if storeErr := p.store.MarkSendError(ctx, rec.LocalID, code); storeErr != nil {
		p.log.Error("persist send error", slog.Any("error", storeErr))
	}
	p.bus.Publish(events.MessageSendError{
		ID:     rec.LocalID,
		Dialog: rec.Dialog,
		Code:   code,
	})
	p.met.IncFailed(code)
}

// failDescriptor unwinds a pending descriptor: outstanding media work is
// cancelled, every member fails with one event each, and deferred submissions
// queued behind it are released.
func (p *Pipeline) failDescriptor(d *Descriptor, code string, err error) {
	p.dequeueDescriptor(d)
	p.cleanupWork(d)
	for _, rec := range d.members() {
		p.fail(rec, code, err)
	}
	p.flushQueued(d)
}
