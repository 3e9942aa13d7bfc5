package send

import (
	"sync"

	"github.com/courierim/courier/internal/events"
)

// Registry tracks outbound records by their current identifier and keeps the
// per-dialog in-flight counters behind the sending-set-changed event.
//
// Mutating methods (Track, Untrack, Replace, uploading deltas) must only be
// called from the pipeline's coordination goroutine; that is what keeps event
// emission in mutation order. The read-only queries are safe from any
// goroutine.
type Registry struct {
	mu        sync.RWMutex
	records   map[int64]*Record
	byDialog  map[int64]map[int64]*Record
	sending   map[int64]int
	uploading map[int64]int
	bus       *events.Bus
}

// NewRegistry creates an empty registry publishing onto bus.
func NewRegistry(bus *events.Bus) *Registry {
	return &Registry{
		records:   make(map[int64]*Record),
		byDialog:  make(map[int64]map[int64]*Record),
		sending:   make(map[int64]int),
		uploading: make(map[int64]int),
		bus:       bus,
	}
}

// Track inserts the record under its local id. Provisional sending records
// count toward the dialog's in-flight set; the 0→N transition publishes
// sending-set-changed exactly once.
func (g *Registry) Track(rec *Record) {
	g.mu.Lock()
	g.records[rec.LocalID] = rec
	dialog := g.byDialog[rec.Dialog]
	if dialog == nil {
		dialog = make(map[int64]*Record)
		g.byDialog[rec.Dialog] = dialog
	}
	dialog[rec.LocalID] = rec
	var fire bool
	if rec.Provisional() && !rec.Scheduled && rec.State == StateSending {
		g.sending[rec.Dialog]++
		fire = g.sending[rec.Dialog] == 1
	}
	g.mu.Unlock()
	if fire && g.bus != nil {
		g.bus.Publish(events.SendingSetChanged{Dialog: rec.Dialog, Sending: true})
	}
}

// Untrack removes and returns the record tracked under id. The N→0 transition
// publishes sending-set-changed exactly once.
func (g *Registry) Untrack(id int64) *Record {
	g.mu.Lock()
	rec, ok := g.records[id]
	if !ok {
		g.mu.Unlock()
		return nil
	}
	delete(g.records, id)
	if dialog := g.byDialog[rec.Dialog]; dialog != nil {
		delete(dialog, id)
		if len(dialog) == 0 {
			delete(g.byDialog, rec.Dialog)
		}
	}
	var fire bool
	if rec.Provisional() && !rec.Scheduled && rec.State == StateSending {
		fire = g.drainSending(rec.Dialog)
	}
	g.mu.Unlock()
	if fire && g.bus != nil {
		g.bus.Publish(events.SendingSetChanged{Dialog: rec.Dialog, Sending: false})
	}
	return rec
}

// Replace re-keys the record from its provisional id to the confirmed id and
// removes it from the in-flight set. The record identity is unchanged.
func (g *Registry) Replace(oldID, newID int64) *Record {
	g.mu.Lock()
	rec, ok := g.records[oldID]
	if !ok {
		g.mu.Unlock()
		return nil
	}
	delete(g.records, oldID)
	var fire bool
	if rec.Provisional() && !rec.Scheduled && rec.State == StateSending {
		fire = g.drainSending(rec.Dialog)
	}
	rec.LocalID = newID
	g.records[newID] = rec
	if dialog := g.byDialog[rec.Dialog]; dialog != nil {
		delete(dialog, oldID)
		dialog[newID] = rec
	}
	g.mu.Unlock()
	if fire && g.bus != nil {
		g.bus.Publish(events.SendingSetChanged{Dialog: rec.Dialog, Sending: false})
	}
	return rec
}

// MarkError moves the record into the error state while keeping it tracked
// for a later manual retry. Leaving the in-flight set may publish the N→0
// sending-set-changed transition.
func (g *Registry) MarkError(id int64, code string) *Record {
	g.mu.Lock()
	rec, ok := g.records[id]
	if !ok {
		g.mu.Unlock()
		return nil
	}
	var fire bool
	if rec.Provisional() && !rec.Scheduled && rec.State == StateSending {
		fire = g.drainSending(rec.Dialog)
	}
	rec.State = StateError
	rec.ErrorCode = code
	g.mu.Unlock()
	if fire && g.bus != nil {
		g.bus.Publish(events.SendingSetChanged{Dialog: rec.Dialog, Sending: false})
	}
	return rec
}

// MarkSending returns an error-state record to the in-flight set for a retry.
func (g *Registry) MarkSending(id int64) *Record {
	g.mu.Lock()
	rec, ok := g.records[id]
	if !ok || rec.State == StateSending {
		g.mu.Unlock()
		return rec
	}
	rec.State = StateSending
	rec.ErrorCode = ""
	var fire bool
	if rec.Provisional() && !rec.Scheduled {
		g.sending[rec.Dialog]++
		fire = g.sending[rec.Dialog] == 1
	}
	g.mu.Unlock()
	if fire && g.bus != nil {
		g.bus.Publish(events.SendingSetChanged{Dialog: rec.Dialog, Sending: true})
	}
	return rec
}

// drainSending decrements the dialog counter; true on the N→0 transition.
// Caller holds the lock.
func (g *Registry) drainSending(dialog int64) bool {
	if g.sending[dialog] == 0 {
		return false
	}
	g.sending[dialog]--
	if g.sending[dialog] == 0 {
		delete(g.sending, dialog)
		return true
	}
	return false
}

// UploadingDelta adjusts the dialog's uploading counter.
func (g *Registry) UploadingDelta(dialog int64, delta int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.uploading[dialog] += delta
	if g.uploading[dialog] <= 0 {
		delete(g.uploading, dialog)
	}
}

// Get returns the record tracked under id.
func (g *Registry) Get(id int64) (*Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[id]
	return rec, ok
}

// IsSending reports whether id is tracked as an in-flight send.
func (g *Registry) IsSending(id int64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[id]
	return ok && rec.State == StateSending
}

// IsSendingInDialog reports whether the dialog has any in-flight sends.
func (g *Registry) IsSendingInDialog(dialog int64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sending[dialog] > 0
}

// IsUploadingInDialog reports whether the dialog has any in-flight uploads.
func (g *Registry) IsUploadingInDialog(dialog int64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.uploading[dialog] > 0
}

// SendingInDialog returns the in-flight records of a dialog, for status
// queries. The returned slice is a snapshot.
func (g *Registry) SendingInDialog(dialog int64) []*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	items := make([]*Record, 0, len(g.byDialog[dialog]))
	for _, rec := range g.byDialog[dialog] {
		if rec.State == StateSending {
			items = append(items, rec)
		}
	}
	return items
}
