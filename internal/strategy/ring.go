package strategy

import "time"

type Sample struct {
	At       time.Time
	Bid      float64
	Ask      float64
	BidSize  float64
	AskSize  float64
	Zero     bool
	MinDepth float64
}

// Ring is a fixed-capacity buffer of samples ordered by time. It is not safe
// for concurrent use.
type Ring struct {
	buf   []Sample
	start int
	n     int
}

func NewRing(capacity int) *Ring {
	if capacity < 2 {
		capacity = 2
	}
	return &Ring{buf: make([]Sample, capacity)}
}

// Push appends s, evicting the oldest sample when full. Samples older than
// the newest are ignored.
func (r *Ring) Push(s Sample) bool {
	if r.n > 0 && s.At.Before(r.Newest().At) {
		return false
	}
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return true
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
	return true
}

func (r *Ring) Len() int {
	return r.n
}

func (r *Ring) Cap() int {
	return len(r.buf)
}

// At returns the i-th sample, oldest first.
func (r *Ring) At(i int) Sample {
	return r.buf[(r.start+i)%len(r.buf)]
}

func (r *Ring) Newest() Sample {
	return r.At(r.n - 1)
}

// EvictBefore drops samples older than cutoff but keeps the latest sample at
// or before it, which anchors the start of the trailing window.
func (r *Ring) EvictBefore(cutoff time.Time) {
	for r.n >= 2 && !r.At(1).At.After(cutoff) {
		r.start = (r.start + 1) % len(r.buf)
		r.n--
	}
}

func (r *Ring) Reset() {
	r.start = 0
	r.n = 0
}

// Samples copies the contents oldest first.
func (r *Ring) Samples() []Sample {
	out := make([]Sample, r.n)
	for i := range out {
		out[i] = r.At(i)
	}
	return out
}
