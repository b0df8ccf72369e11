// Package pmring implements the post-mortem fan-out ring (§4.4): a fixed-
// capacity byte buffer that feeds the ETM decoder from whatever the TPIU
// demux (or raw stream, when TPIU is disabled) forwards to it.
package pmring

import "time"

// Policy selects the ring's overflow behaviour.
type Policy int

const (
	// PolicyRunning discards the oldest byte on a write/read-pointer
	// collision and keeps accepting writes — a lossy newest-wins buffer.
	PolicyRunning Policy = iota
	// PolicySingleShot stops accepting writes on the first collision and
	// marks the ring held, for a single complete capture.
	PolicySingleShot
)

const (
	// MinCapacity is the smallest capacity accepted at construction.
	MinCapacity = 1024
	// DefaultCapacity is used when no explicit capacity is configured.
	DefaultCapacity = 32 * 1024
	// DefaultHangInterval is how long the ring waits for new bytes before
	// it notifies a waiting consumer that it should drain and decode.
	DefaultHangInterval = 200 * time.Millisecond
)

// Ring is a fixed-capacity byte ring. It is not safe for concurrent use —
// the pump thread owns pushes, a single post-mortem consumer owns drains;
// the two never run concurrently in the cooperative pump-thread model.
type Ring struct {
	policy Policy
	buf    []byte
	rp, wp int
	count  int
	held   bool

	lastPush time.Time
	clock    func() time.Time
}

// New creates a Ring with the given capacity and policy. Capacity below
// MinCapacity is clamped up to it; zero selects DefaultCapacity.
func New(capacity int, policy Policy) *Ring {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	return &Ring{policy: policy, buf: make([]byte, capacity), clock: time.Now}
}

// Held reports whether a single-shot ring has completed its capture.
func (r *Ring) Held() bool { return r.held }

// Len returns the number of bytes currently buffered.
func (r *Ring) Len() int { return r.count }

// Cap returns the ring's fixed capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Push writes one byte into the ring, applying the configured overflow
// policy on a write/read-pointer collision. A single-shot ring that is
// already held silently drops the byte. The ring uses an explicit byte
// count rather than comparing rp to wp, so the full capacity is usable —
// rp==wp is ambiguous between empty and full otherwise.
//
// Push reports whether this write wrapped a running-mode ring (overwrote
// its oldest byte) — a session uses this to force an ETM resync (§9 "Ring
// policy coupling with ETM resync").
func (r *Ring) Push(b byte) (wrapped bool) {
	if r.held {
		return false
	}

	if r.count == len(r.buf) {
		if r.policy == PolicySingleShot {
			r.held = true
			return false
		}
		r.buf[r.wp] = b
		r.wp = (r.wp + 1) % len(r.buf)
		r.rp = (r.rp + 1) % len(r.buf)
		r.lastPush = r.now()
		return true
	}

	r.buf[r.wp] = b
	r.wp = (r.wp + 1) % len(r.buf)
	r.count++
	r.lastPush = r.now()
	return false
}

// Release resets the ring to empty and clears the held flag.
func (r *Ring) Release() {
	r.rp = 0
	r.wp = 0
	r.count = 0
	r.held = false
}

// DrainForDecode invokes f with up to two contiguous slices covering the
// buffered region, oldest first (the second slice is used only when the
// region wraps past the end of the backing array); the ring's pointers
// are left untouched so the caller may drain repeatedly before Release.
func (r *Ring) DrainForDecode(f func(a, b []byte)) {
	end := r.rp + r.count
	if end <= len(r.buf) {
		f(r.buf[r.rp:end], nil)
		return
	}
	f(r.buf[r.rp:], r.buf[:end-len(r.buf)])
}

// Hung reports whether the ring has held buffered data with no new push
// for at least the given interval — the post-mortem consumer's signal to
// drain and decode without waiting for a full capture.
func (r *Ring) Hung(interval time.Duration) bool {
	if r.Len() == 0 {
		return false
	}
	return r.now().Sub(r.lastPush) >= interval
}

func (r *Ring) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now()
}
