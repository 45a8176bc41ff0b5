// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import "github.com/kianostad/reclaimer/internal/world"

// Hooks are the callbacks host objects call from their own tick. Both are
// safe to call from any goroutine.
type Hooks struct {
	r *Reclaimer
}

// Observe applies the eligibility filter to a candidate and registers or
// unregisters it. It reports whether the candidate is registered afterwards.
func (h Hooks) Observe(c world.Candidate) bool {
	cfg := h.r.config()
	handle := c.Handle()
	if handle.Valid() && c.Age() >= cfg.MinAge && cfg.Eligible(c.TypeKey()) {
		if h.r.registry.Register(handle) {
			h.r.metrics.RecordRegister()
		}
		return true
	}
	if h.r.registry.Unregister(handle) {
		h.r.metrics.RecordUnregister()
		h.r.debug(cfg).Uint64("id", handle.ID).Str("type", c.TypeKey()).Msg("candidate no longer eligible")
	}
	return false
}

// Forget unregisters a handle whose object is being destroyed by the host.
func (h Hooks) Forget(handle world.Handle) {
	if h.r.registry.Unregister(handle) {
		h.r.metrics.RecordUnregister()
	}
}

// PollDiscard reports whether the object behind handle should remove
// itself now. It is true only while the deletion signal is active and the
// handle was part of the last collection; the handle is unregistered before
// returning true.
func (h Hooks) PollDiscard(handle world.Handle) bool {
	if !h.r.signal.Active() || !h.r.signal.Covers(handle.ID) {
		return false
	}
	if !h.r.registry.Unregister(handle) {
		return false
	}
	h.r.metrics.RecordUnregister()
	h.r.metrics.RecordDiscard()
	return true
}
