package send

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/courierim/courier/internal/events"
	"github.com/courierim/courier/internal/metrics"
	"github.com/courierim/courier/internal/prepare"
	"github.com/courierim/courier/internal/transport"
	"github.com/courierim/courier/internal/upload"
	"github.com/courierim/courier/internal/wire"
)

// Store persists outbound records across restarts.
type Store interface {
	PutMessages(ctx context.Context, recs ...*Record) error
	Confirm(ctx context.Context, oldID int64, rec *Record) error
	MarkSendError(ctx context.Context, id int64, code string) error
	DeleteMessages(ctx context.Context, ids ...int64) error
	GetUnsent(ctx context.Context, limit int) ([]*Record, error)
	TakeDueScheduled(ctx context.Context, now time.Time, limit int) ([]*Record, error)
	SmallestLocalID(ctx context.Context) (int64, error)
}

// Uploader pushes local files to the server. Outcomes arrive through the
// pipeline's upload.Events implementation.
type Uploader interface {
	Start(job upload.Job) error
	Cancel(path string)
}

// Preparer readies local media and re-resolves stale references. Outcomes
// arrive through the pipeline's prepare.Events implementation.
type Preparer interface {
	Prepare(job prepare.Job)
	Resolve(parent wire.ParentRef, mediaID int64, key string)
	Cancel(key string)
}

// Options bound the pipeline.
type Options struct {
	// GroupLimit is the maximum album size.
	GroupLimit int
	// MaxFileBytes rejects oversized attachments before preparation starts.
	MaxFileBytes int64
	// Allow, when set, is the per-dialog payload policy consulted before
	// anything is tracked. A rejected payload fails with ErrPermissionDenied.
	Allow func(dialog int64, kind PayloadKind) bool
}

// slotRef points at one media slot of a pending descriptor, for routing
// asynchronous preparation, upload, and resolution outcomes back to it.
type slotRef struct {
	desc     *Descriptor
	randomID int64
	thumb    bool
}

// request is one outbound submission unit: the wire method, its body, and the
// records it will confirm. desc is retained through the in-flight window so a
// stale-reference rejection can re-resolve and resubmit.
type request struct {
	method  string
	body    any
	records []*Record
	desc    *Descriptor
	handle  transport.Handle
}

func (r *request) primary() int64 {
	return r.records[0].RandomID
}

func (r *request) minOrdinal() int64 {
	min := r.records[0].Ordinal()
	for _, rec := range r.records[1:] {
		if ord := rec.Ordinal(); ord < min {
			min = ord
		}
	}
	return min
}

// Pipeline is the coordination context of the outbound path. A single
// goroutine drains ops and owns every registry, waitlist, and descriptor
// mutation; collaborators post their callbacks into it.
type Pipeline struct {
	log   *slog.Logger
	tr    transport.Transport
	store Store
	up    Uploader
	prep  Preparer
	reg   *Registry
	bus   *events.Bus
	met   *metrics.Metrics
	cache prepare.Cache
	opts  Options

	ops     chan func()
	stopped chan struct{}
	closed  atomic.Bool

	// Owned by the coordination goroutine.
	wait      *waitlist
	uploads   map[string][]slotRef // upload path -> waiting slots
	prepares  map[string][]slotRef // preparation key -> waiting slots
	resolves  map[string][]slotRef // resolution key -> waiting slots
	inflight  map[int64]*request   // primary random id -> submitted request
	progress  map[string]int64     // upload path -> last reported bytes
	nextLocal int64
}

// NewPipeline wires the pipeline. Call Bind before Start to attach the upload
// and preparation services built on top of it.
func NewPipeline(log *slog.Logger, tr transport.Transport, store Store, reg *Registry, bus *events.Bus, met *metrics.Metrics, cache prepare.Cache, opts Options) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if opts.GroupLimit <= 0 {
		opts.GroupLimit = 10
	}
	return &Pipeline{
		log:      log.With(slog.String("service", "send")),
		tr:       tr,
		store:    store,
		reg:      reg,
		bus:      bus,
		met:      met,
		cache:    cache,
		opts:     opts,
		ops:      make(chan func(), 128),
		stopped:  make(chan struct{}),
		wait:     newWaitlist(),
		uploads:  make(map[string][]slotRef),
		prepares: make(map[string][]slotRef),
		resolves: make(map[string][]slotRef),
		inflight: make(map[int64]*request),
		progress: make(map[string]int64),
	}
}

// Bind attaches the collaborators that were constructed with this pipeline as
// their event sink.
func (p *Pipeline) Bind(up Uploader, prep Preparer) {
	p.up = up
	p.prep = prep
}

// Start seeds the provisional id counter below anything persisted and launches
// the coordination goroutine.
func (p *Pipeline) Start(ctx context.Context) error {
	smallest, err := p.store.SmallestLocalID(ctx)
	if err != nil {
		return fmt.Errorf("seed local id counter: %w", err)
	}
	if smallest < 0 {
		p.nextLocal = smallest
	}
	go p.loop()
	p.log.Info("pipeline started", slog.Int64("next_local", p.nextLocal-1))
	return nil
}

// Close stops the coordination goroutine. Pending descriptors are abandoned;
// persisted records re-enter on the next start via ResendUnsent.
func (p *Pipeline) Close() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.stopped)
	}
}

func (p *Pipeline) loop() {
	for {
		select {
		case fn := <-p.ops:
			fn()
		case <-p.stopped:
			return
		}
	}
}

// post schedules fn onto the coordination goroutine.
func (p *Pipeline) post(fn func()) error {
	if p.closed.Load() {
		return ErrClosed
	}
	select {
	case p.ops <- fn:
		return nil
	case <-p.stopped:
		return ErrClosed
	}
}

// call runs fn on the coordination goroutine and waits for its result.
func call[T any](ctx context.Context, p *Pipeline, fn func() (T, error)) (T, error) {
	type outcome struct {
		v   T
		err error
	}
	var zero T
	out := make(chan outcome, 1)
	err := p.post(func() {
		v, err := fn()
		out <- outcome{v, err}
	})
	if err != nil {
		return zero, err
	}
	select {
	case o := <-out:
		return o.v, o.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-p.stopped:
		return zero, ErrClosed
	}
}

// allocLocalID hands out the next provisional (negative) identifier.
func (p *Pipeline) allocLocalID() int64 {
	p.nextLocal--
	return p.nextLocal
}

// newRecord builds and tracks a provisional record.
func (p *Pipeline) newRecord(dialog int64, payload Payload, opt SendOptions) *Record {
	rec := &Record{
		LocalID:   p.allocLocalID(),
		RandomID:  wire.NewNonce(),
		Dialog:    dialog,
		State:     StateSending,
		ReplyTo:   opt.ReplyTo,
		Silent:    opt.Silent,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if !opt.ScheduleAt.IsZero() && opt.ScheduleAt.After(time.Now()) {
		rec.Scheduled = true
		rec.ScheduleAt = opt.ScheduleAt.UTC()
	}
	return rec
}

// persist writes recs, logging instead of failing the send when the store is
// briefly unavailable; the in-memory registry stays authoritative.
func (p *Pipeline) persist(recs ...*Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.PutMessages(ctx, recs...); err != nil {
		p.log.Error("persist outbound records", slog.Any("error", err))
	}
}
