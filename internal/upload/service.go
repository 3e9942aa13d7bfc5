package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/courierim/courier/internal/transport"
	"github.com/courierim/courier/internal/wire"
)

// ErrTooLarge is returned by Start before any part is sent.
var ErrTooLarge = errors.New("file exceeds the upload size limit")

// Service runs upload operations, one per source path.
type Service struct {
	log  *slog.Logger
	tr   transport.Transport
	sink Events
	opts Options

	mu  sync.Mutex
	wg  sync.WaitGroup
	ops map[string]*operation
}

// NewService creates the upload service. Events fire on sink from operation
// goroutines.
func NewService(log *slog.Logger, tr transport.Transport, sink Events, opts Options) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.PartBytes <= 0 {
		opts.PartBytes = 128 << 10
	}
	return &Service{
		log:  log.With(slog.String("service", "upload")),
		tr:   tr,
		sink: sink,
		opts: opts,
	}
}

// Start begins uploading job.Path. If an operation for the same path is
// already running the call is a no-op and both requesters share its outcome.
// Size and existence problems are reported synchronously; everything after the
// first part goes through the event sink.
func (s *Service) Start(job Job) error {
	info, err := os.Stat(job.Path)
	if err != nil {
		return fmt.Errorf("stat upload source: %w", err)
	}
	if s.opts.MaxFileBytes > 0 && info.Size() > s.opts.MaxFileBytes {
		return ErrTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.ops[job.Path]; running {
		return nil
	}
	if s.ops == nil {
		s.ops = make(map[string]*operation)
	}
	ctx, cancel := context.WithCancel(context.Background())
	op := &operation{
		svc:    s,
		job:    job,
		size:   info.Size(),
		big:    !job.Small && s.opts.BigFileBytes > 0 && info.Size() > s.opts.BigFileBytes,
		ctx:    ctx,
		cancel: cancel,
	}
	s.ops[job.Path] = op
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		op.run()
	}()
	return nil
}

// Cancel aborts the operation for path, if any. No events fire for a
// cancelled operation.
func (s *Service) Cancel(path string) {
	s.mu.Lock()
	op := s.ops[path]
	delete(s.ops, path)
	s.mu.Unlock()
	if op == nil {
		return
	}
	op.cancel()
	op.mu.Lock()
	if op.inflight != 0 {
		s.tr.Cancel(op.inflight)
		op.inflight = 0
	}
	op.mu.Unlock()
	s.log.Debug("upload cancelled", slog.String("path", path))
}

// Close aborts every running operation and waits for their goroutines to
// exit, so no event fires on the sink after Close returns.
func (s *Service) Close() {
	s.mu.Lock()
	ops := s.ops
	s.ops = nil
	s.mu.Unlock()
	for _, op := range ops {
		op.cancel()
	}
	s.wg.Wait()
}

// finish removes the operation unless it was already cancelled. Reports
// whether the caller still owns the outcome.
func (s *Service) finish(op *operation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ops[op.job.Path] != op {
		return false
	}
	delete(s.ops, op.job.Path)
	return true
}

type operation struct {
	svc    *Service
	job    Job
	size   int64
	big    bool
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight transport.Handle
}

func (o *operation) run() {
	handle, err := o.push()
	if !o.svc.finish(o) {
		return
	}
	if err != nil {
		o.svc.log.Warn("upload failed",
			slog.String("path", o.job.Path), slog.Any("error", err))
		o.svc.sink.UploadFailed(o.job.Path, err)
		return
	}
	o.svc.log.Debug("upload done",
		slog.String("path", o.job.Path), slog.Int("parts", handle.Parts))
	o.svc.sink.UploadDone(o.job.Path, handle)
}

func (o *operation) push() (wire.FileHandle, error) {
	f, err := os.Open(o.job.Path)
	if err != nil {
		return wire.FileHandle{}, fmt.Errorf("open upload source: %w", err)
	}
	defer f.Close()

	partBytes := o.svc.opts.PartBytes
	total := int((o.size + int64(partBytes) - 1) / int64(partBytes))
	if total == 0 {
		total = 1
	}
	fileID := wire.NewNonce()
	method := wire.MethodUploadPart
	if o.big {
		method = wire.MethodUploadBigPart
	}

	var sum hash.Hash
	if !o.big {
		sum = md5.New()
	}
	buf := make([]byte, partBytes)
	var sent int64
	for part := 0; part < total; part++ {
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return wire.FileHandle{}, fmt.Errorf("read part %d: %w", part, err)
		}
		if sum != nil {
			sum.Write(buf[:n])
		}
		if err := o.sendPart(method, wire.UploadPartRequest{
			FileID: fileID,
			Part:   part,
			Total:  total,
			Data:   buf[:n],
		}); err != nil {
			return wire.FileHandle{}, err
		}
		sent += int64(n)
		o.svc.sink.UploadProgress(o.job.Path, sent, o.size)
	}

	var digest string
	if sum != nil {
		digest = hex.EncodeToString(sum.Sum(nil))
	}
	return wire.FileHandle{
		ID:    fileID,
		Parts: total,
		Name:  filepath.Base(o.job.Path),
		MD5:   digest,
		Big:   o.big,
	}, nil
}

// sendPart submits one part and waits for its acknowledgement. Parts are
// strictly sequential so the server can append in order.
func (o *operation) sendPart(method string, body wire.UploadPartRequest) error {
	req, err := wire.NewRequest(method, body)
	if err != nil {
		return fmt.Errorf("encode part: %w", err)
	}
	done := make(chan error, 1)
	handle := o.svc.tr.Send(o.ctx, req, func(resp wire.Response, err error) {
		if err == nil && resp.Error != nil {
			err = resp.Error
		}
		done <- err
	})
	o.mu.Lock()
	o.inflight = handle
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.inflight = 0
		o.mu.Unlock()
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("save part %d: %w", body.Part, err)
		}
		return nil
	case <-o.ctx.Done():
		return o.ctx.Err()
	}
}
