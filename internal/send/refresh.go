package send

import (
	"fmt"
	"log/slog"
)

// beginRefresh handles a stale-reference rejection: every remote slot whose
// parent is still resolvable gets one re-resolution, and the request is held
// back until all of them return, then resubmitted with the same nonces.
// Returns false when no retry is possible (no descriptor, no resolvable
// parent, or the one allowed retry is already spent); the caller then treats
// the rejection as terminal.
func (p *Pipeline) beginRefresh(r *request) bool {
	d := r.desc
	if d == nil || d.RetriedToSend {
		return false
	}
	type target struct {
		key      string
		randomID int64
		parent   int
	}
	var targets []target
	members := d.members()
	for i, rec := range members {
		if i >= len(d.Parents) || d.Parents[i].Zero() {
			continue
		}
		m := d.media(rec.RandomID)
		if m == nil || m.Remote == nil {
			continue
		}
		targets = append(targets, target{
			key:      fmt.Sprintf("ref_%d", rec.RandomID),
			randomID: rec.RandomID,
			parent:   i,
		})
	}
	if len(targets) == 0 {
		return false
	}

	d.RetriedToSend = true
	d.retry = r
	d.resolving = len(targets)
	p.met.IncRefreshes()
	p.log.Info("refreshing stale references",
		slog.Int64("random_id", r.primary()),
		slog.Int("slots", len(targets)))
	for _, t := range targets {
		p.resolves[t.key] = append(p.resolves[t.key], slotRef{desc: d, randomID: t.randomID})
		m := d.media(t.randomID)
		p.prep.Resolve(d.Parents[t.parent], m.Remote.ID, t.key)
	}
	return true
}
