package crdt

import (
	"fmt"
	"math/rand"
	"time"
)

const (
	// DefaultBoundary bounds how far from the biased edge a new leaf lands.
	DefaultBoundary = 10
	// DefaultBaseBits sizes the root level: segments at depth d range over
	// [0, 2^(DefaultBaseBits+d)).
	DefaultBaseBits = 4

	maxBaseBits = 30
	// after this many repeated candidates the walk is forced one level deeper
	retriesPerDepth = 4
)

type bias int8

const (
	biasLow  bias = iota // "+": leaves land just above the lower neighbour
	biasHigh             // "-": leaves land just below the upper neighbour
)

type options struct {
	boundary int
	baseBits int
	rng      *rand.Rand
}

// Option configures an Allocator or a Document.
type Option func(*options)

// WithBoundary sets the leaf step bound.
func WithBoundary(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.boundary = n
		}
	}
}

// WithBaseBits sets the size of the root level. Every replica of a session
// must use the same value since it fixes the end sentinel.
func WithBaseBits(n int) Option {
	return func(o *options) {
		if 0 < n && n <= maxBaseBits {
			o.baseBits = n
		}
	}
}

// WithRand supplies the random source, mostly for deterministic tests.
func WithRand(r *rand.Rand) Option {
	return func(o *options) {
		o.rng = r
	}
}

func buildOptions(opts []Option) options {
	o := options{
		boundary: DefaultBoundary,
		baseBits: DefaultBaseBits,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return o
}

// Allocator issues positions for one site. It is not safe for concurrent
// use; the owning Document serializes access.
type Allocator struct {
	site     int
	boundary int
	baseBits int
	rng      *rand.Rand
	// per-depth bias, chosen once on first use
	strategy map[int]bias
	// every position this site has handed out, so a deleted one is never reused
	issued map[string]struct{}
}

func NewAllocator(site int, opts ...Option) *Allocator {
	o := buildOptions(opts)
	return &Allocator{
		site:     site,
		boundary: o.boundary,
		baseBits: o.baseBits,
		rng:      o.rng,
		strategy: map[int]bias{},
		issued:   map[string]struct{}{},
	}
}

// Site returns the site id stamped on every issued position.
func (a *Allocator) Site() int {
	return a.site
}

// Between returns a fresh position p with prev < p < next.
func (a *Allocator) Between(prev, next Position) (Position, error) {
	c, err := prev.Compare(next)
	if err != nil {
		return Position{}, err
	}
	if c >= 0 {
		return Position{}, fmt.Errorf("%w: %v >= %v", ErrOutOfOrder, prev, next)
	}
	lo, hi := prev.key(), next.key()
	for attempt := 0; ; attempt++ {
		p := Position{
			Path: a.walk(lo, hi, attempt/retriesPerDepth),
			Site: a.site,
		}
		if a.remember(p) {
			return p, nil
		}
	}
}

// remember records p as issued and reports whether it was new.
func (a *Allocator) remember(p Position) bool {
	id := p.String()
	if _, ok := a.issued[id]; ok {
		return false
	}
	a.issued[id] = struct{}{}
	return true
}

// walk builds a path strictly between the keys lo and hi. A bound is tight
// while the path built so far equals its prefix; past that point the lower
// bound reads as 0 and the upper bound as the level base. Levels shallower
// than minDepth are never used for the leaf.
func (a *Allocator) walk(lo, hi []int, minDepth int) []int {
	var path []int
	loTight, hiTight := true, true
	for depth := 0; ; depth++ {
		l := 0
		if loTight && depth < len(lo) {
			l = lo[depth]
		}
		h := a.base(depth)
		if hiTight {
			// a tight upper key always has a segment here: keys never
			// end in 0, so lo < hi leaves hi longer than the shared prefix
			h = hi[depth]
		}
		if h-l > 1 && depth >= minDepth {
			return append(path, a.leaf(l, h, depth))
		}
		// no room at this depth: keep the lower segment and go deeper
		path = append(path, l)
		loTight = loTight && depth < len(lo)
		hiTight = hiTight && l == h
	}
}

// leaf picks a value in (l, h) near the edge selected by the depth's bias.
func (a *Allocator) leaf(l, h, depth int) int {
	step := h - l - 1
	if step > a.boundary {
		step = a.boundary
	}
	off := a.rng.Intn(step)
	if a.bias(depth) == biasLow {
		return l + 1 + off
	}
	return h - 1 - off
}

func (a *Allocator) bias(depth int) bias {
	b, ok := a.strategy[depth]
	if !ok {
		b = bias(a.rng.Intn(2))
		a.strategy[depth] = b
	}
	return b
}

func (a *Allocator) base(depth int) int {
	bits := a.baseBits + depth
	if bits > maxBaseBits {
		bits = maxBaseBits
	}
	return 1 << bits
}
