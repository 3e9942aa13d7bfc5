package prepare

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/courierim/courier/internal/transport"
	"github.com/courierim/courier/internal/wire"
)

// Service schedules preparation jobs onto a fixed pool of workers and issues
// reference re-resolutions over the transport.
type Service struct {
	log   *slog.Logger
	tr    transport.Transport
	sink  Events
	conv  Converter
	cache Cache

	jobs   chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	cancelled map[string]context.CancelFunc
}

// NewService creates the preparation service with the given worker count.
// conv and cache may be nil; jobs then skip conversion and cache lookups.
func NewService(log *slog.Logger, tr transport.Transport, sink Events, conv Converter, cache Cache, workers int) *Service {
	if log == nil {
		log = slog.Default()
	}
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		log:       log.With(slog.String("service", "prepare")),
		tr:        tr,
		sink:      sink,
		conv:      conv,
		cache:     cache,
		jobs:      make(chan Job, workers*4),
		ctx:       ctx,
		cancel:    cancel,
		cancelled: make(map[string]context.CancelFunc),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Prepare enqueues a job. Outcomes arrive on the event sink.
func (s *Service) Prepare(job Job) {
	select {
	case s.jobs <- job:
	case <-s.ctx.Done():
		s.sink.PrepareFailed(job.Key, s.ctx.Err())
	}
}

// Cancel aborts the running preparation for key, if any. A cancelled job
// reports no events.
func (s *Service) Cancel(key string) {
	s.mu.Lock()
	cancel := s.cancelled[key]
	delete(s.cancelled, key)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close stops the workers and waits for them to drain.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case job := <-s.jobs:
			s.runJob(job)
		}
	}
}

func (s *Service) runJob(job Job) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.cancelled[job.Key] = cancel
	s.mu.Unlock()

	res, err := s.execute(ctx, job)

	s.mu.Lock()
	_, owned := s.cancelled[job.Key]
	delete(s.cancelled, job.Key)
	s.mu.Unlock()
	cancel()
	if !owned || ctx.Err() != nil {
		return
	}
	if err != nil {
		s.log.Warn("prepare failed",
			slog.String("key", job.Key), slog.Any("error", err))
		s.sink.PrepareFailed(job.Key, err)
		return
	}
	s.sink.PrepareReady(job.Key, res)
}

func (s *Service) execute(ctx context.Context, job Job) (Result, error) {
	if s.cache != nil && job.Key != job.Path {
		remote, err := s.cache.Lookup(ctx, job.Key)
		if err != nil {
			s.log.Debug("cache lookup failed",
				slog.String("key", job.Key), slog.Any("error", err))
		} else if remote != nil {
			return Result{Remote: remote}, nil
		}
	}

	if _, err := os.Stat(job.Path); err != nil {
		return Result{}, fmt.Errorf("stat media source: %w", err)
	}

	res := Result{Path: job.Path}
	if job.Convert && s.conv != nil {
		out, err := s.conv.Convert(ctx, job.Path, job.Kind)
		if err != nil {
			return Result{}, fmt.Errorf("convert %s: %w", job.Kind, err)
		}
		res.Path = out.Path
		res.Width = out.Width
		res.Height = out.Height
		res.Duration = out.Duration
	}
	if job.WantThumb && s.conv != nil {
		thumb, err := s.conv.Thumbnail(ctx, res.Path)
		if err != nil {
			// A missing preview does not block the send.
			s.log.Debug("thumbnail extraction failed",
				slog.String("path", res.Path), slog.Any("error", err))
		} else {
			res.ThumbPath = thumb
		}
	}
	return res, nil
}

// Resolve asks the server for a fresh reference to the media identified by
// mediaID, derived from parent. The outcome arrives on the event sink under
// key.
func (s *Service) Resolve(parent wire.ParentRef, mediaID int64, key string) {
	req, err := wire.NewRequest(wire.MethodResolveReference, wire.ResolveReferenceRequest{
		Parent:  parent,
		MediaID: mediaID,
	})
	if err != nil {
		s.sink.ResolveFailed(key, fmt.Errorf("encode resolve request: %w", err))
		return
	}
	s.tr.Send(s.ctx, req, func(resp wire.Response, err error) {
		if err == nil && resp.Error != nil {
			err = resp.Error
		}
		if err != nil {
			s.log.Warn("reference resolve failed",
				slog.String("key", key), slog.Any("error", err))
			s.sink.ResolveFailed(key, err)
			return
		}
		var body wire.ResolveReferenceResponse
		if err := resp.DecodeBody(&body); err != nil {
			s.sink.ResolveFailed(key, fmt.Errorf("decode resolve response: %w", err))
			return
		}
		media := wire.RemoteMedia{Reference: body.Reference}
		if body.Media != nil {
			media = *body.Media
			if media.Reference == "" {
				media.Reference = body.Reference
			}
		}
		s.sink.ResolveReady(key, media)
	})
}
