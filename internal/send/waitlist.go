package send

// waitlist maps a resource key (file path, cache key, or synthetic group key)
// to the descriptors waiting on that resource. Mutated only from the
// pipeline's coordination goroutine.
type waitlist struct {
	byKey map[string][]*Descriptor
}

func newWaitlist() *waitlist {
	return &waitlist{byKey: make(map[string][]*Descriptor)}
}

// add registers d under key. A descriptor waits under one key at a time.
func (w *waitlist) add(key string, d *Descriptor) {
	d.key = key
	w.byKey[key] = append(w.byKey[key], d)
}

// take removes and returns every descriptor waiting on key.
func (w *waitlist) take(key string) []*Descriptor {
	items := w.byKey[key]
	delete(w.byKey, key)
	for _, d := range items {
		d.key = ""
	}
	return items
}

// peek returns the descriptors waiting on key without removing them.
func (w *waitlist) peek(key string) []*Descriptor {
	return w.byKey[key]
}

// remove unregisters d from the key it waits under.
func (w *waitlist) remove(d *Descriptor) {
	if d.key == "" {
		return
	}
	items := w.byKey[d.key]
	for i, item := range items {
		if item == d {
			items = append(items[:i], items[i+1:]...)
			break
		}
	}
	if len(items) == 0 {
		delete(w.byKey, d.key)
	} else {
		w.byKey[d.key] = items
	}
	d.key = ""
}

// latestBefore returns the pending descriptor in dialog whose newest member
// was allocated before the given ordinal, preferring the most recent; nil when
// nothing earlier is still pending. A submission-ready request defers onto
// that descriptor so per-dialog delivery keeps allocation order.
func (w *waitlist) latestBefore(dialog int64, beforeOrdinal int64, excluding *Descriptor) *Descriptor {
	var best *Descriptor
	var bestOrd int64
	for _, items := range w.byKey {
		for _, d := range items {
			if d == excluding || d.Dialog != dialog {
				continue
			}
			ord := d.maxOrdinal()
			if ord < beforeOrdinal && ord > bestOrd {
				best = d
				bestOrd = ord
			}
		}
	}
	return best
}

// all returns every pending descriptor, in no particular order.
func (w *waitlist) all() []*Descriptor {
	var out []*Descriptor
	for _, items := range w.byKey {
		out = append(out, items...)
	}
	return out
}

// findByLocal returns the pending descriptor serving the given local id.
func (w *waitlist) findByLocal(localID int64) *Descriptor {
	for _, items := range w.byKey {
		for _, d := range items {
			for _, rec := range d.members() {
				if rec.LocalID == localID {
					return d
				}
			}
		}
	}
	return nil
}

// resourceShared reports whether any other descriptor still waits on key.
func (w *waitlist) resourceShared(key string) bool {
	return len(w.byKey[key]) > 0
}
