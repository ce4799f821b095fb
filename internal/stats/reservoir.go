package stats

import (
	"math/rand/v2"
)

// Reservoir holds a bounded sample of observed values.
type Reservoir interface {
	// Offer records v and reports whether an older sample was displaced.
	Offer(v float64) bool
	Values() []float64
	Len() int
	Cap() int
}

// Ring keeps the most recent N values.
type Ring struct {
	buf  []float64
	next int
	full bool
}

// NewRing creates a ring reservoir of capacity n.
func NewRing(n int) *Ring {
	if n <= 0 {
		n = 1
	}
	return &Ring{buf: make([]float64, 0, n)}
}

func (r *Ring) Offer(v float64) bool {
	if !r.full {
		r.buf = append(r.buf, v)
		if len(r.buf) == cap(r.buf) {
			r.full = true
		}
		return false
	}
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	return true
}

// Values returns the samples oldest first.
func (r *Ring) Values() []float64 {
	out := make([]float64, 0, len(r.buf))
	if !r.full {
		return append(out, r.buf...)
	}
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

func (r *Ring) Len() int { return len(r.buf) }
func (r *Ring) Cap() int { return cap(r.buf) }

// Uniform is a classic Algorithm R reservoir: every offered value has equal
// probability of being retained.
type Uniform struct {
	buf  []float64
	cap  int
	seen int64
	rng  *rand.Rand
}

// NewUniform creates a uniform reservoir of capacity n. rng may be nil.
func NewUniform(n int, rng *rand.Rand) *Uniform {
	if n <= 0 {
		n = 1
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Uniform{buf: make([]float64, 0, n), cap: n, rng: rng}
}

func (u *Uniform) Offer(v float64) bool {
	u.seen++
	if len(u.buf) < u.cap {
		u.buf = append(u.buf, v)
		return false
	}
	if j := u.rng.Int64N(u.seen); j < int64(u.cap) {
		u.buf[j] = v
	}
	return true
}

func (u *Uniform) Values() []float64 {
	out := make([]float64, len(u.buf))
	copy(out, u.buf)
	return out
}

func (u *Uniform) Len() int { return len(u.buf) }
func (u *Uniform) Cap() int { return u.cap }
