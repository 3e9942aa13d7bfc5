package send

import (
	"log/slog"

	"github.com/courierim/courier/internal/events"
	"github.com/courierim/courier/internal/prepare"
	"github.com/courierim/courier/internal/upload"
	"github.com/courierim/courier/internal/wire"
)

// The pipeline is the event sink of the upload and preparation services.
// Callbacks arrive on collaborator goroutines and are posted onto the
// coordination goroutine before touching any descriptor.

// UploadProgress implements upload.Events.
func (p *Pipeline) UploadProgress(path string, loaded, total int64) {
	p.bus.Publish(events.UploadProgress{Path: path, Loaded: loaded, Total: total})
	_ = p.post(func() {
		p.met.AddUploadedBytes(loaded - p.progress[path])
		p.progress[path] = loaded
	})
}

// UploadDone implements upload.Events.
func (p *Pipeline) UploadDone(path string, handle wire.FileHandle) {
	_ = p.post(func() { p.uploadDone(path, handle) })
}

// UploadFailed implements upload.Events.
func (p *Pipeline) UploadFailed(path string, err error) {
	_ = p.post(func() { p.uploadFailed(path, err) })
}

// PrepareReady implements prepare.Events.
func (p *Pipeline) PrepareReady(key string, res prepare.Result) {
	_ = p.post(func() { p.prepareReady(key, res) })
}

// PrepareFailed implements prepare.Events.
func (p *Pipeline) PrepareFailed(key string, err error) {
	_ = p.post(func() { p.prepareFailed(key, err) })
}

// ResolveReady implements prepare.Events.
func (p *Pipeline) ResolveReady(key string, media wire.RemoteMedia) {
	_ = p.post(func() { p.resolveReady(key, media) })
}

// ResolveFailed implements prepare.Events.
func (p *Pipeline) ResolveFailed(key string, err error) {
	_ = p.post(func() { p.resolveFailed(key, err) })
}

// uploadDone routes a finished upload into every slot waiting on the path.
// A slot that is already filled is skipped, so a duplicated completion event
// cannot clobber state; two descriptors sharing one path both resolve off the
// single upload.
func (p *Pipeline) uploadDone(path string, handle wire.FileHandle) {
	delete(p.progress, path)
	targets := p.uploads[path]
	delete(p.uploads, path)
	touched := make(map[*Descriptor]bool, len(targets))
	for _, t := range targets {
		m := t.desc.media(t.randomID)
		if m == nil {
			continue
		}
		h := handle
		if t.thumb {
			if m.Thumb == nil {
				m.Thumb = &h
			}
		} else if m.File == nil {
			m.File = &h
		}
		touched[t.desc] = true
	}
	for d := range touched {
		p.checkReady(d)
	}
}

func (p *Pipeline) uploadFailed(path string, err error) {
	delete(p.progress, path)
	targets := p.uploads[path]
	delete(p.uploads, path)
	p.met.IncUploadsFailed()
	for d := range descriptorsOf(targets) {
		p.failDescriptor(d, codeLocal, err)
	}
}

// prepareReady either resolves the slots straight from the cache or moves
// them onto the upload path the preparation produced.
func (p *Pipeline) prepareReady(key string, res prepare.Result) {
	targets := p.prepares[key]
	delete(p.prepares, key)
	if len(targets) == 0 {
		return
	}

	if res.Remote != nil {
		touched := make(map[*Descriptor]bool, len(targets))
		for _, t := range targets {
			m := t.desc.media(t.randomID)
			if m == nil {
				continue
			}
			remote := *res.Remote
			m.Remote = &remote
			m.WantThumb = false
			touched[t.desc] = true
		}
		for d := range touched {
			p.checkReady(d)
		}
		return
	}

	kind := upload.KindDocument
	wantThumb := false
	for _, t := range targets {
		d := t.desc
		m := d.media(t.randomID)
		if m == nil {
			continue
		}
		if m.Width == 0 {
			m.Width = res.Width
		}
		if m.Height == 0 {
			m.Height = res.Height
		}
		if m.Duration == 0 {
			m.Duration = res.Duration
		}
		d.setMemberPath(t.randomID, res.Path)
		kind = uploadKind(m.Kind)
		p.uploads[res.Path] = append(p.uploads[res.Path], t)
		if m.WantThumb {
			if res.ThumbPath == "" {
				// No preview could be extracted; do not hold the send for one.
				m.WantThumb = false
			} else {
				wantThumb = true
				d.thumbPath = res.ThumbPath
				p.uploads[res.ThumbPath] = append(p.uploads[res.ThumbPath],
					slotRef{desc: d, randomID: t.randomID, thumb: true})
			}
		}
	}

	if err := p.up.Start(upload.Job{Path: res.Path, Kind: kind}); err != nil {
		p.uploadFailed(res.Path, err)
		return
	}
	if wantThumb {
		if err := p.up.Start(upload.Job{Path: res.ThumbPath, Kind: upload.KindThumb, Small: true}); err != nil {
			p.log.Warn("thumbnail upload failed to start",
				slog.String("path", res.ThumbPath), slog.Any("error", err))
			p.dropThumbWaits(res.ThumbPath)
		}
	}
}

func (p *Pipeline) prepareFailed(key string, err error) {
	targets := p.prepares[key]
	delete(p.prepares, key)
	for d := range descriptorsOf(targets) {
		p.failDescriptor(d, codeLocal, err)
	}
}

// resolveReady lands a resolution on the waiting slots. A slot that already
// holds remote media is a refresh and takes only the new reference; an empty
// slot (a sticker-set send resolving its media for the first time) installs
// the returned media whole. For a held-back retry the request resubmits, with
// the same nonces, once its last resolution lands; otherwise the slot just
// became resolved and the descriptor is re-evaluated.
func (p *Pipeline) resolveReady(key string, media wire.RemoteMedia) {
	targets := p.resolves[key]
	delete(p.resolves, key)
	for _, t := range targets {
		d := t.desc
		if m := d.media(t.randomID); m != nil {
			if m.Remote != nil {
				m.Remote.Reference = media.Reference
			} else {
				remote := media
				m.Remote = &remote
			}
		}
		if d.retry != nil {
			d.resolving--
			if d.resolving <= 0 {
				r := d.retry
				d.retry = nil
				p.dispatch(r)
			}
			continue
		}
		p.checkReady(d)
	}
}

func (p *Pipeline) resolveFailed(key string, err error) {
	targets := p.resolves[key]
	delete(p.resolves, key)
	for d := range descriptorsOf(targets) {
		if d.retry != nil {
			// The parent is gone; the one allowed retry ends here.
			r := d.retry
			d.retry = nil
			d.resolving = 0
			p.failRequest(r, codeLocal, err)
			continue
		}
		p.failDescriptor(d, codeLocal, err)
	}
}

// dropThumbWaits releases slots that were waiting on a thumbnail that will
// never upload, so the main media alone completes them.
func (p *Pipeline) dropThumbWaits(thumbPath string) {
	targets := p.uploads[thumbPath]
	delete(p.uploads, thumbPath)
	for _, t := range targets {
		if m := t.desc.media(t.randomID); m != nil {
			m.WantThumb = false
		}
		t.desc.thumbPath = ""
		p.checkReady(t.desc)
	}
}

// cleanupWork unregisters every slot of d from the pending-work indexes and
// cancels resource operations nothing else waits on.
func (p *Pipeline) cleanupWork(d *Descriptor) {
	for key, targets := range p.prepares {
		rest := withoutDescriptor(targets, d)
		if len(rest) == len(targets) {
			continue
		}
		if len(rest) == 0 {
			delete(p.prepares, key)
			p.prep.Cancel(key)
		} else {
			p.prepares[key] = rest
		}
	}
	for path, targets := range p.uploads {
		rest := withoutDescriptor(targets, d)
		if len(rest) == len(targets) {
			continue
		}
		if len(rest) == 0 {
			delete(p.uploads, path)
			p.up.Cancel(path)
		} else {
			p.uploads[path] = rest
		}
	}
	for key, targets := range p.resolves {
		rest := withoutDescriptor(targets, d)
		if len(rest) == 0 {
			delete(p.resolves, key)
		} else if len(rest) != len(targets) {
			p.resolves[key] = rest
		}
	}
}

// cleanupSlot unregisters one member's slots, for a single cancelled album
// member whose siblings keep going.
func (p *Pipeline) cleanupSlot(d *Descriptor, randomID int64) {
	drop := func(index map[string][]slotRef, cancel func(string)) {
		for key, targets := range index {
			rest := targets[:0:0]
			for _, t := range targets {
				if t.desc == d && t.randomID == randomID {
					continue
				}
				rest = append(rest, t)
			}
			if len(rest) == len(targets) {
				continue
			}
			if len(rest) == 0 {
				delete(index, key)
				if cancel != nil {
					cancel(key)
				}
			} else {
				index[key] = rest
			}
		}
	}
	drop(p.prepares, p.prep.Cancel)
	drop(p.uploads, p.up.Cancel)
	drop(p.resolves, nil)
}

func descriptorsOf(targets []slotRef) map[*Descriptor]bool {
	set := make(map[*Descriptor]bool, len(targets))
	for _, t := range targets {
		set[t.desc] = true
	}
	return set
}

func withoutDescriptor(targets []slotRef, d *Descriptor) []slotRef {
	rest := targets[:0:0]
	for _, t := range targets {
		if t.desc != d {
			rest = append(rest, t)
		}
	}
	return rest
}

// uploadKind maps a wire media kind onto the upload hint.
func uploadKind(kind wire.MediaKind) upload.Kind {
	switch kind {
	case wire.MediaPhoto:
		return upload.KindPhoto
	case wire.MediaVideo:
		return upload.KindVideo
	case wire.MediaVoice:
		return upload.KindVoice
	default:
		return upload.KindDocument
	}
}
