package send

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/courierim/courier/internal/events"
	"github.com/courierim/courier/internal/prepare"
	"github.com/courierim/courier/internal/transport"
	"github.com/courierim/courier/internal/upload"
	"github.com/courierim/courier/internal/wire"
)

// fakeTransport records sent requests so tests can inspect bodies and deliver
// responses through the captured callbacks.
type fakeTransport struct {
	mu        sync.Mutex
	next      uint64
	sent      []*sentRequest
	cancelled []transport.Handle
}

type sentRequest struct {
	handle transport.Handle
	req    wire.Request
	fn     transport.ResponseFunc
}

func (f *fakeTransport) Send(_ context.Context, req wire.Request, fn transport.ResponseFunc) transport.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	s := &sentRequest{handle: transport.Handle(f.next), req: req, fn: fn}
	f.sent = append(f.sent, s)
	return s.handle
}

func (f *fakeTransport) Cancel(h transport.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, h)
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) request(t *testing.T, i int) *sentRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.sent) {
		t.Fatalf("request(%d): only %d requests sent", i, len(f.sent))
	}
	return f.sent[i]
}

func (f *fakeTransport) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancelled)
}

func (s *sentRequest) decode(t *testing.T, out any) {
	t.Helper()
	if err := json.Unmarshal(s.req.Body, out); err != nil {
		t.Fatalf("decode %s body: %v", s.req.Method, err)
	}
}

func (s *sentRequest) respond(t *testing.T, body any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode response body: %v", err)
	}
	s.fn(wire.Response{ID: s.req.ID, Body: raw}, nil)
}

func (s *sentRequest) reject(code wire.ErrorCode) {
	s.fn(wire.Response{ID: s.req.ID, Error: &wire.RemoteError{Code: code}}, nil)
}

// fakeStore implements Store and prepare.Cache in memory.
type fakeStore struct {
	mu       sync.Mutex
	puts     int
	confirms []confirmCall
	errCodes map[int64]string
	deleted  []int64
	unsent   []*Record
	due      []*Record
	cached   map[string]wire.RemoteMedia
}

type confirmCall struct {
	oldID int64
	newID int64
}

func (s *fakeStore) PutMessages(_ context.Context, recs ...*Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts += len(recs)
	return nil
}

func (s *fakeStore) Confirm(_ context.Context, oldID int64, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirms = append(s.confirms, confirmCall{oldID: oldID, newID: rec.LocalID})
	return nil
}

func (s *fakeStore) MarkSendError(_ context.Context, id int64, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errCodes == nil {
		s.errCodes = make(map[int64]string)
	}
	s.errCodes[id] = code
	return nil
}

func (s *fakeStore) DeleteMessages(_ context.Context, ids ...int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, ids...)
	return nil
}

func (s *fakeStore) GetUnsent(_ context.Context, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 && limit < len(s.unsent) {
		return s.unsent[:limit], nil
	}
	return s.unsent, nil
}

func (s *fakeStore) TakeDueScheduled(context.Context, time.Time, int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.due, nil
}

func (s *fakeStore) SmallestLocalID(context.Context) (int64, error) {
	return 0, nil
}

func (s *fakeStore) Lookup(context.Context, string) (*wire.RemoteMedia, error) {
	return nil, nil
}

func (s *fakeStore) Store(_ context.Context, key string, media wire.RemoteMedia) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		s.cached = make(map[string]wire.RemoteMedia)
	}
	s.cached[key] = media
	return nil
}

func (s *fakeStore) deletedIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.deleted...)
}

type fakeUploader struct {
	mu       sync.Mutex
	jobs     []upload.Job
	cancels  []string
	startErr error
}

func (u *fakeUploader) Start(job upload.Job) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.startErr != nil {
		return u.startErr
	}
	u.jobs = append(u.jobs, job)
	return nil
}

func (u *fakeUploader) Cancel(path string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.cancels = append(u.cancels, path)
}

func (u *fakeUploader) jobPaths() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	paths := make([]string, len(u.jobs))
	for i, j := range u.jobs {
		paths[i] = j.Path
	}
	return paths
}

type resolveCall struct {
	parent  wire.ParentRef
	mediaID int64
	key     string
}

type fakePreparer struct {
	mu       sync.Mutex
	jobs     []prepare.Job
	resolves []resolveCall
	cancels  []string
}

func (f *fakePreparer) Prepare(job prepare.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
}

func (f *fakePreparer) Resolve(parent wire.ParentRef, mediaID int64, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves = append(f.resolves, resolveCall{parent: parent, mediaID: mediaID, key: key})
}

func (f *fakePreparer) Cancel(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, key)
}

func (f *fakePreparer) job(t *testing.T, i int) prepare.Job {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.jobs) {
		t.Fatalf("prepare job %d: only %d enqueued", i, len(f.jobs))
	}
	return f.jobs[i]
}

func (f *fakePreparer) resolve(t *testing.T, i int) resolveCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.resolves) {
		t.Fatalf("resolve call %d: only %d issued", i, len(f.resolves))
	}
	return f.resolves[i]
}

type pipeHarness struct {
	p    *Pipeline
	tr   *fakeTransport
	st   *fakeStore
	up   *fakeUploader
	prep *fakePreparer
	reg  *Registry
	bus  *events.Bus
}

func newPipeHarness(t *testing.T, opts Options) *pipeHarness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(log, 1024)
	reg := NewRegistry(bus)
	tr := &fakeTransport{}
	st := &fakeStore{}
	p := NewPipeline(log, tr, st, reg, bus, nil, st, opts)
	up := &fakeUploader{}
	prep := &fakePreparer{}
	p.Bind(up, prep)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start pipeline: %v", err)
	}
	t.Cleanup(p.Close)
	return &pipeHarness{p: p, tr: tr, st: st, up: up, prep: prep, reg: reg, bus: bus}
}

// drain waits until every operation posted so far has run on the coordination
// goroutine.
func (h *pipeHarness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := call(ctx, h.p, func() (struct{}, error) { return struct{}{}, nil }); err != nil {
		t.Fatalf("drain pipeline: %v", err)
	}
}

func tempFile(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, make([]byte, size), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestSendTextConfirmed(t *testing.T) {
	t.Parallel()
	h := newPipeHarness(t, Options{})
	ctx := context.Background()

	rec, err := h.p.SendText(ctx, 100, "hello", SendOptions{})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if !rec.Provisional() || rec.State != StateSending {
		t.Fatalf("record = {id: %d, state: %s}, want provisional sending", rec.LocalID, rec.State)
	}
	if rec.RandomID == 0 {
		t.Fatal("record has no nonce")
	}
	if !h.reg.IsSendingInDialog(100) {
		t.Fatal("dialog should have an in-flight send")
	}

	req := h.tr.request(t, 0)
	if req.req.Method != wire.MethodSendMessage {
		t.Fatalf("method = %s, want %s", req.req.Method, wire.MethodSendMessage)
	}
	var body wire.SendMessageRequest
	req.decode(t, &body)
	if body.Dialog != 100 || body.Text != "hello" || body.RandomID != rec.RandomID {
		t.Fatalf("unexpected body: %+v", body)
	}

	req.respond(t, wire.SendMessageResponse{Message: wire.ConfirmedMessage{
		ID: 5001, RandomID: rec.RandomID, Dialog: 100, Date: time.Now().Unix(),
	}})
	h.drain(t)

	if rec.LocalID != 5001 || rec.State != StateSent {
		t.Fatalf("record after confirm = {id: %d, state: %s}, want {5001, sent}", rec.LocalID, rec.State)
	}
	if _, ok := h.reg.Get(5001); !ok {
		t.Fatal("record not re-keyed under confirmed id")
	}
	if h.reg.IsSendingInDialog(100) {
		t.Fatal("dialog still counts as sending after confirmation")
	}
	h.st.mu.Lock()
	confirms := append([]confirmCall(nil), h.st.confirms...)
	h.st.mu.Unlock()
	if len(confirms) != 1 || confirms[0].newID != 5001 {
		t.Fatalf("store confirms = %+v, want one with newID 5001", confirms)
	}
}

func TestSendPhotoUploadFlow(t *testing.T) {
	t.Parallel()
	h := newPipeHarness(t, Options{})
	ctx := context.Background()
	path := tempFile(t, "pic.jpg", 2048)

	rec, err := h.p.SendMedia(ctx, 7, PhotoPayload{Path: path, Caption: "c"}, SendOptions{})
	if err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	if h.tr.count() != 0 {
		t.Fatal("nothing should reach the transport before the upload finishes")
	}
	if !h.reg.IsUploadingInDialog(7) {
		t.Fatal("dialog should count as uploading")
	}

	job := h.prep.job(t, 0)
	if job.Path != path || job.Kind != prepare.KindPhoto {
		t.Fatalf("prepare job = %+v", job)
	}

	h.p.PrepareReady(job.Key, prepare.Result{Path: path, Width: 640, Height: 480})
	h.drain(t)
	if got := h.up.jobPaths(); len(got) != 1 || got[0] != path {
		t.Fatalf("upload jobs = %v, want [%s]", got, path)
	}

	handle := wire.FileHandle{ID: 42, Parts: 1, Name: "pic.jpg"}
	h.p.UploadDone(path, handle)
	h.drain(t)

	req := h.tr.request(t, 0)
	var body wire.SendMessageRequest
	req.decode(t, &body)
	if body.Media == nil || body.Media.File == nil || body.Media.File.ID != 42 {
		t.Fatalf("media slot not filled from upload: %+v", body.Media)
	}
	if body.Media.Width != 640 || body.Media.Height != 480 {
		t.Fatalf("probe dimensions not applied: %+v", body.Media)
	}
	if h.reg.IsUploadingInDialog(7) {
		t.Fatal("uploading counter not released on submission")
	}

	req.respond(t, wire.SendMessageResponse{Message: wire.ConfirmedMessage{
		ID: 900, RandomID: rec.RandomID, Dialog: 7,
	}})
	h.drain(t)
	if rec.LocalID != 900 || rec.State != StateSent {
		t.Fatalf("record = {id: %d, state: %s}, want {900, sent}", rec.LocalID, rec.State)
	}
}

func TestSendStickerFromSet(t *testing.T) {
	t.Parallel()
	h := newPipeHarness(t, Options{})
	ctx := context.Background()

	rec, err := h.p.SendMedia(ctx, 13, DocumentPayload{StickerSet: "cats"}, SendOptions{})
	if err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	text, err := h.p.SendText(ctx, 13, "after", SendOptions{})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if h.tr.count() != 0 {
		t.Fatal("nothing should submit before the set resolves")
	}

	res := h.prep.resolve(t, 0)
	if res.parent.Kind != "sticker_set" || res.parent.Key != "cats" {
		t.Fatalf("resolve parent = %+v, want the sticker set", res.parent)
	}
	h.p.ResolveReady(res.key, wire.RemoteMedia{ID: 77, AccessHash: 5, Reference: "st"})
	h.drain(t)

	if h.tr.count() != 2 {
		t.Fatalf("transport requests = %d, want the sticker then the deferred text", h.tr.count())
	}
	var first, second wire.SendMessageRequest
	h.tr.request(t, 0).decode(t, &first)
	h.tr.request(t, 1).decode(t, &second)
	if first.RandomID != rec.RandomID || second.RandomID != text.RandomID {
		t.Fatal("requests dispatched out of allocation order")
	}
	if first.Media == nil || first.Media.Remote == nil || first.Media.Remote.ID != 77 {
		t.Fatalf("sticker media = %+v, want the resolved remote identity", first.Media)
	}

	h.tr.request(t, 0).respond(t, wire.SendMessageResponse{Message: wire.ConfirmedMessage{
		ID: 910, RandomID: rec.RandomID, Dialog: 13,
	}})
	h.drain(t)
	if rec.LocalID != 910 || rec.State != StateSent {
		t.Fatalf("record = {id: %d, state: %s}, want {910, sent}", rec.LocalID, rec.State)
	}
}

func TestDuplicateSendsShareOneUpload(t *testing.T) {
	t.Parallel()
	h := newPipeHarness(t, Options{})
	ctx := context.Background()
	path := tempFile(t, "shared.jpg", 256)

	first, err := h.p.SendMedia(ctx, 14, PhotoPayload{Path: path}, SendOptions{})
	if err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	second, err := h.p.SendMedia(ctx, 14, PhotoPayload{Path: path}, SendOptions{})
	if err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	if first.RandomID == second.RandomID {
		t.Fatal("duplicate sends must carry distinct nonces")
	}

	h.p.PrepareReady(path, prepare.Result{Path: path})
	h.drain(t)
	h.p.UploadDone(path, wire.FileHandle{ID: 9, Parts: 1})
	h.drain(t)

	if h.tr.count() != 2 {
		t.Fatalf("transport requests = %d, want both sends off one upload", h.tr.count())
	}
	var a, b wire.SendMessageRequest
	h.tr.request(t, 0).decode(t, &a)
	h.tr.request(t, 1).decode(t, &b)
	if a.RandomID != first.RandomID || b.RandomID != second.RandomID {
		t.Fatal("requests dispatched out of allocation order")
	}
	if a.Media.File == nil || b.Media.File == nil || a.Media.File.ID != 9 || b.Media.File.ID != 9 {
		t.Fatalf("both sends must carry the shared handle: %+v / %+v", a.Media, b.Media)
	}
}

func TestSendVideoWaitsForThumbnail(t *testing.T) {
	t.Parallel()
	h := newPipeHarness(t, Options{})
	ctx := context.Background()
	path := tempFile(t, "clip.mp4", 4096)

	if _, err := h.p.SendMedia(ctx, 3, VideoPayload{Path: path, Duration: 12}, SendOptions{}); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	job := h.prep.job(t, 0)
	if !job.WantThumb {
		t.Fatal("video preparation should request a thumbnail")
	}

	thumb := tempFile(t, "clip.thumb.jpg", 128)
	h.p.PrepareReady(job.Key, prepare.Result{Path: path, ThumbPath: thumb})
	h.drain(t)
	if got := h.up.jobPaths(); len(got) != 2 {
		t.Fatalf("upload jobs = %v, want main file and thumbnail", got)
	}

	h.p.UploadDone(path, wire.FileHandle{ID: 1, Parts: 1})
	h.drain(t)
	if h.tr.count() != 0 {
		t.Fatal("request must wait for the thumbnail upload")
	}

	h.p.UploadDone(thumb, wire.FileHandle{ID: 2, Parts: 1})
	h.drain(t)
	req := h.tr.request(t, 0)
	var body wire.SendMessageRequest
	req.decode(t, &body)
	if body.Media.File == nil || body.Media.Thumb == nil {
		t.Fatalf("expected both file and thumb handles: %+v", body.Media)
	}
}

func TestUploadFailureFailsDescriptor(t *testing.T) {
	t.Parallel()
	h := newPipeHarness(t, Options{})
	ctx := context.Background()
	path := tempFile(t, "doc.bin", 512)

	rec, err := h.p.SendMedia(ctx, 4, DocumentPayload{Path: path}, SendOptions{})
	if err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	job := h.prep.job(t, 0)
	h.p.PrepareReady(job.Key, prepare.Result{Path: path})
	h.drain(t)

	h.p.UploadFailed(path, errors.New("disk gone"))
	h.drain(t)

	if rec.State != StateError || rec.ErrorCode != codeLocal {
		t.Fatalf("record = {state: %s, code: %s}, want local error", rec.State, rec.ErrorCode)
	}
	if h.reg.IsUploadingInDialog(4) {
		t.Fatal("uploading counter leaked after failure")
	}
	if h.tr.count() != 0 {
		t.Fatal("failed descriptor must not submit")
	}
}

func TestSendFailureAndRetry(t *testing.T) {
	t.Parallel()
	h := newPipeHarness(t, Options{})
	ctx := context.Background()

	rec, err := h.p.SendText(ctx, 9, "flaky", SendOptions{})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	h.tr.request(t, 0).reject(wire.CodeBadRequest)
	h.drain(t)
	if rec.State != StateError || rec.ErrorCode != string(wire.CodeBadRequest) {
		t.Fatalf("record = {state: %s, code: %s}, want error/BAD_REQUEST", rec.State, rec.ErrorCode)
	}
	if h.reg.IsSendingInDialog(9) {
		t.Fatal("failed record still counts as sending")
	}

	if _, err := h.p.Retry(ctx, rec.LocalID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if rec.State != StateSending {
		t.Fatalf("state after retry = %s, want sending", rec.State)
	}
	req := h.tr.request(t, 1)
	var body wire.SendMessageRequest
	req.decode(t, &body)
	if body.RandomID != rec.RandomID {
		t.Fatal("retry must reuse the original nonce")
	}
	req.respond(t, wire.SendMessageResponse{Message: wire.ConfirmedMessage{ID: 77, RandomID: rec.RandomID}})
	h.drain(t)
	if rec.LocalID != 77 || rec.State != StateSent {
		t.Fatalf("record = {id: %d, state: %s}, want {77, sent}", rec.LocalID, rec.State)
	}
}

func TestRetryRequiresErrorState(t *testing.T) {
	t.Parallel()
	h := newPipeHarness(t, Options{})
	ctx := context.Background()

	rec, err := h.p.SendText(ctx, 2, "pending", SendOptions{})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if _, err := h.p.Retry(ctx, rec.LocalID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("Retry on sending record = %v, want ErrNotRetryable", err)
	}
	if _, err := h.p.Retry(ctx, 12345); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("Retry on unknown id = %v, want ErrUnknownMessage", err)
	}
}

func TestCancelInflight(t *testing.T) {
	t.Parallel()
	h := newPipeHarness(t, Options{})
	ctx := context.Background()

	rec, err := h.p.SendText(ctx, 11, "going", SendOptions{})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	req := h.tr.request(t, 0)
	if err := h.p.Cancel(ctx, rec.LocalID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if h.tr.cancelCount() != 1 {
		t.Fatal("transport cancel not issued")
	}
	if _, ok := h.reg.Get(rec.LocalID); ok {
		t.Fatal("cancelled record still tracked")
	}
	if got := h.st.deletedIDs(); len(got) != 1 || got[0] != rec.LocalID {
		t.Fatalf("deleted ids = %v, want [%d]", got, rec.LocalID)
	}

	// A late response for the cancelled request is ignored.
	req.respond(t, wire.SendMessageResponse{Message: wire.ConfirmedMessage{ID: 1, RandomID: rec.RandomID}})
	h.drain(t)
	if rec.State != StateSending {
		t.Fatalf("late response mutated a cancelled record: %s", rec.State)
	}
}

func TestCancelUnknown(t *testing.T) {
	t.Parallel()
	h := newPipeHarness(t, Options{})
	if err := h.p.Cancel(context.Background(), 404); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("Cancel unknown = %v, want ErrUnknownMessage", err)
	}
}

func TestScheduledSendAndPromotion(t *testing.T) {
	t.Parallel()
	h := newPipeHarness(t, Options{})
	ctx := context.Background()

	rec, err := h.p.SendText(ctx, 6, "later", SendOptions{ScheduleAt: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if !rec.Scheduled {
		t.Fatal("record not marked scheduled")
	}
	if h.tr.count() != 0 {
		t.Fatal("scheduled message must not submit")
	}
	if h.reg.IsSendingInDialog(6) {
		t.Fatal("scheduled message counts toward the sending set")
	}

	h.st.mu.Lock()
	h.st.due = []*Record{rec}
	h.st.mu.Unlock()
	n, err := h.p.PromoteDue(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("PromoteDue: %v", err)
	}
	if n != 1 {
		t.Fatalf("promoted = %d, want 1", n)
	}
	if rec.Scheduled {
		t.Fatal("record still scheduled after promotion")
	}
	req := h.tr.request(t, 0)
	var body wire.SendMessageRequest
	req.decode(t, &body)
	if body.Text != "later" {
		t.Fatalf("promoted body = %+v", body)
	}
}

func TestResendUnsent(t *testing.T) {
	t.Parallel()
	h := newPipeHarness(t, Options{})
	live := &Record{
		LocalID: -7, RandomID: wire.NewNonce(), Dialog: 5,
		State: StateSending, Payload: TextPayload{Text: "again"},
	}
	parked := &Record{
		LocalID: -8, RandomID: wire.NewNonce(), Dialog: 5,
		State: StateSending, Scheduled: true, ScheduleAt: time.Now().Add(time.Hour),
		Payload: TextPayload{Text: "not yet"},
	}
	h.st.mu.Lock()
	h.st.unsent = []*Record{live, parked}
	h.st.mu.Unlock()

	n, err := h.p.ResendUnsent(context.Background(), 0)
	if err != nil {
		t.Fatalf("ResendUnsent: %v", err)
	}
	if n != 1 {
		t.Fatalf("restarted = %d, want 1", n)
	}
	if h.tr.count() != 1 {
		t.Fatalf("transport requests = %d, want 1", h.tr.count())
	}
	if _, ok := h.reg.Get(-8); !ok {
		t.Fatal("scheduled record must stay tracked without relaunching")
	}
}

func TestResendUnsentBoundsRecovery(t *testing.T) {
	t.Parallel()
	h := newPipeHarness(t, Options{})
	var backlog []*Record
	for i := 0; i < 3; i++ {
		backlog = append(backlog, &Record{
			LocalID: int64(-10 - i), RandomID: wire.NewNonce(), Dialog: 5,
			State: StateSending, Payload: TextPayload{Text: "old"},
		})
	}
	h.st.mu.Lock()
	h.st.unsent = backlog
	h.st.mu.Unlock()

	n, err := h.p.ResendUnsent(context.Background(), 2)
	if err != nil {
		t.Fatalf("ResendUnsent: %v", err)
	}
	if n != 2 {
		t.Fatalf("restarted = %d, want the limit to cap recovery", n)
	}
	if h.tr.count() != 2 {
		t.Fatalf("transport requests = %d, want 2", h.tr.count())
	}
}

func TestSendRejectsMissingFile(t *testing.T) {
	t.Parallel()
	h := newPipeHarness(t, Options{})
	missing := filepath.Join(t.TempDir(), "nope.jpg")

	_, err := h.p.SendMedia(context.Background(), 1, PhotoPayload{Path: missing}, SendOptions{})
	if !errors.Is(err, ErrFileMissing) {
		t.Fatalf("err = %v, want ErrFileMissing", err)
	}
	if h.reg.IsSendingInDialog(1) {
		t.Fatal("nothing should be tracked after a local rejection")
	}
}

func TestSendRejectsOversizedFile(t *testing.T) {
	t.Parallel()
	h := newPipeHarness(t, Options{MaxFileBytes: 10})
	path := tempFile(t, "big.bin", 100)

	_, err := h.p.SendMedia(context.Background(), 1, DocumentPayload{Path: path}, SendOptions{})
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("err = %v, want ErrFileTooLarge", err)
	}
}

func TestSendPolicyDenied(t *testing.T) {
	t.Parallel()
	h := newPipeHarness(t, Options{
		Allow: func(dialog int64, kind PayloadKind) bool { return kind == KindText },
	})
	ctx := context.Background()

	if _, err := h.p.SendText(ctx, 1, "ok", SendOptions{}); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	_, err := h.p.Send(ctx, 1, DicePayload{Emoticon: "d"}, SendOptions{})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestEditMediaConfirm(t *testing.T) {
	t.Parallel()
	h := newPipeHarness(t, Options{})
	ctx := context.Background()

	remote := &wire.RemoteMedia{ID: 12, AccessHash: 34, Reference: "r"}
	rec, err := h.p.EditMedia(ctx, 8, 4321, PhotoPayload{Remote: remote, Caption: "new"})
	if err != nil {
		t.Fatalf("EditMedia: %v", err)
	}
	if rec.State != StateEditing || rec.LocalID != 4321 {
		t.Fatalf("record = {id: %d, state: %s}, want {4321, editing}", rec.LocalID, rec.State)
	}

	req := h.tr.request(t, 0)
	if req.req.Method != wire.MethodEditMedia {
		t.Fatalf("method = %s, want %s", req.req.Method, wire.MethodEditMedia)
	}
	var body wire.EditMediaRequest
	req.decode(t, &body)
	if body.MessageID != 4321 || body.Media.Remote == nil {
		t.Fatalf("unexpected body: %+v", body)
	}

	req.respond(t, wire.SendMessageResponse{Message: wire.ConfirmedMessage{
		ID: 4321, RandomID: rec.RandomID, Media: remote,
	}})
	h.drain(t)
	if rec.State != StateSent || rec.Media == nil {
		t.Fatalf("record = {state: %s, media: %v}, want sent with media", rec.State, rec.Media)
	}
}

func TestEditMediaRejectsProvisionalID(t *testing.T) {
	t.Parallel()
	h := newPipeHarness(t, Options{})
	_, err := h.p.EditMedia(context.Background(), 1, -3, PhotoPayload{Remote: &wire.RemoteMedia{ID: 1}})
	if !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("err = %v, want ErrUnknownMessage", err)
	}
}

func TestClosedPipelineRejects(t *testing.T) {
	t.Parallel()
	h := newPipeHarness(t, Options{})
	h.p.Close()
	_, err := h.p.SendText(context.Background(), 1, "x", SendOptions{})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
