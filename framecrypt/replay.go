package framecrypt

import "math"

// replayTracker remembers which send counters of one SSRC were already
// accepted inside a sliding 64 frame window. Counters ahead of the window
// move it forward, counters inside it are checked against the bitmap and
// counters behind it are rejected. On overflow, any counter below half the
// range is accepted to reset, so senders that started near the top keep
// working.
//
// Callers serialize access; CryptoContext holds its mutex across every use.
type replayTracker struct {
	// seq is the highest counter accepted so far. int64 so that deltas
	// against incoming uint32 values never overflow.
	seq int64

	// win is the bitmap of accepted counters in [seq-64..seq]. Bit zero
	// is seq itself.
	win uint64
}

// mayAccept reports whether counter s was not seen before. This advances
// the tracker state.
func (rt *replayTracker) mayAccept(s uint32) (accept bool) {
	const winSize = 64 // MUST match size of rt.win
	const wrapSeq = math.MaxUint32 - winSize
	const wrapAcceptSeq = 1 << 31

	is := int64(s)

	d := is - rt.seq
	if d > 0 {
		// Moving the window forward.
		accept = true
		rt.seq = is
		if d > winSize {
			rt.win = 1
		} else {
			rt.win = rt.win<<uint(d) | 1
		}
	} else if d > -winSize {
		// Counter in the past and inside the window. Accept if not
		// seen yet.
		mask := uint64(1) << uint(-d)
		accept = (rt.win & mask) == 0
		rt.win = rt.win | mask
	} else if rt.seq > wrapSeq && is < wrapAcceptSeq {
		// Counter wrapped. Accept it.
		accept = true
		rt.seq = is
		rt.win = 1
	} // Other cases are rejected.
	return
}
