package crdt

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"golang.org/x/exp/slices"
)

// Element is one character (or run) of the sequence. It is never mutated
// after creation; deletion removes it by position.
type Element struct {
	Value string
	Pos   Position
}

// Author returns the site that created e.
func (e Element) Author() int {
	return e.Pos.Site
}

// Document is an ordered set of elements bounded by two sentinels. It is not
// safe for concurrent use.
type Document struct {
	site  int
	alloc *Allocator
	start Element
	end   Element
	// sorted, sentinels included at both ends
	elems []Element
	// ids of every position ever deleted, kept outside the sequence so a
	// late or repeated insert cannot bring an element back
	removed map[string]struct{}
}

// NewDocument returns an empty document whose local inserts are stamped
// with site.
func NewDocument(site int, opts ...Option) *Document {
	o := buildOptions(opts)
	d := &Document{
		site:  site,
		alloc: NewAllocator(site, opts...),
		start: Element{Pos: Position{Path: []int{0}}},
		end:   Element{Pos: Position{Path: []int{1<<o.baseBits - 1}}},

		removed: map[string]struct{}{},
	}
	d.elems = []Element{d.start, d.end}
	return d
}

// FromText builds a document holding text with positions derived only from
// author and text, so every replica that runs it gets the same sequence.
func FromText(site, author int, text string, opts ...Option) *Document {
	seeded := append(append([]Option(nil), opts...), WithRand(rand.New(rand.NewSource(int64(author)+1))))
	builder := NewDocument(author, seeded...)
	for _, r := range text {
		// always appending keeps the build linear
		builder.InsertAt(builder.Len(), string(r))
	}
	d := NewDocument(site, opts...)
	d.Reset(builder.Elements())
	return d
}

// Site returns the local site id.
func (d *Document) Site() int {
	return d.site
}

// Size counts live elements plus the two sentinels.
func (d *Document) Size() int {
	return len(d.elems)
}

// Len counts live elements.
func (d *Document) Len() int {
	return len(d.elems) - 2
}

// At returns the live element at index i.
func (d *Document) At(i int) Element {
	return d.elems[i+1]
}

// Elements returns the live elements in order.
func (d *Document) Elements() []Element {
	return append([]Element(nil), d.elems[1:len(d.elems)-1]...)
}

// Text concatenates the live element values.
func (d *Document) Text() string {
	var b strings.Builder
	for _, e := range d.elems[1 : len(d.elems)-1] {
		b.WriteString(e.Value)
	}
	return b.String()
}

// Insert allocates a position between prev and next and places a new
// element there. A nil neighbour stands for the matching sentinel.
func (d *Document) Insert(value string, prev, next *Element) (Element, error) {
	lo, hi := d.start.Pos, d.end.Pos
	if prev != nil {
		lo = prev.Pos
	}
	if next != nil {
		hi = next.Pos
	}
	pos, err := d.alloc.Between(lo, hi)
	if err != nil {
		return Element{}, err
	}
	e := Element{Value: value, Pos: pos}
	d.place(e)
	return e, nil
}

// InsertAt inserts value so that it becomes the live element at index i.
func (d *Document) InsertAt(i int, value string) (Element, error) {
	if i < 0 {
		i = 0
	}
	if i > d.Len() {
		i = d.Len()
	}
	prev, next := d.elems[i], d.elems[i+1]
	pos, err := d.alloc.Between(prev.Pos, next.Pos)
	if err != nil {
		return Element{}, err
	}
	e := Element{Value: value, Pos: pos}
	d.elems = slices.Insert(d.elems, i+1, e)
	return e, nil
}

// Integrate places a remotely created element using its position verbatim.
// It returns false if an element with that position is already present or
// was deleted before.
func (d *Document) Integrate(e Element) (bool, error) {
	if e.Pos.IsZero() {
		return false, ErrInvalidState
	}
	if !d.inside(e.Pos) {
		return false, fmt.Errorf("%w: %v outside document bounds", ErrOutOfOrder, e.Pos)
	}
	if e.Pos.Site == d.site {
		d.alloc.remember(e.Pos)
	}
	if _, gone := d.removed[e.Pos.String()]; gone {
		return false, nil
	}
	if _, found := d.search(e.Pos); found {
		return false, nil
	}
	d.place(e)
	return true, nil
}

// Delete removes the element at pos. Missing positions and sentinels are
// ignored; the return value reports whether anything was removed.
func (d *Document) Delete(pos Position) bool {
	if pos.IsZero() || !d.inside(pos) {
		return false
	}
	d.removed[pos.String()] = struct{}{}
	i, found := d.search(pos)
	if !found {
		return false
	}
	d.elems = slices.Delete(d.elems, i, i+1)
	return true
}

// IndexOf returns the live index of pos.
func (d *Document) IndexOf(pos Position) (int, bool) {
	if pos.IsZero() {
		return 0, false
	}
	i, found := d.search(pos)
	if !found || i == 0 || i == len(d.elems)-1 {
		return 0, false
	}
	return i - 1, true
}

// Reset replaces the whole content with elems, which need not be sorted.
// Elements without a position or repeating one are dropped.
func (d *Document) Reset(elems []Element) {
	live := make([]Element, 0, len(elems))
	for _, e := range elems {
		if e.Pos.IsZero() {
			continue
		}
		if e.Pos.Site == d.site {
			d.alloc.remember(e.Pos)
		}
		live = append(live, e)
	}
	sort.SliceStable(live, func(i, j int) bool {
		return compareKeys(live[i].Pos.key(), live[j].Pos.key()) < 0
	})
	d.elems = make([]Element, 0, len(live)+2)
	d.elems = append(d.elems, d.start)
	for _, e := range live {
		last := d.elems[len(d.elems)-1]
		if compareKeys(last.Pos.key(), e.Pos.key()) >= 0 {
			continue
		}
		if compareKeys(e.Pos.key(), d.end.Pos.key()) >= 0 {
			break
		}
		d.elems = append(d.elems, e)
	}
	d.elems = append(d.elems, d.end)
}

func (d *Document) inside(pos Position) bool {
	k := pos.key()
	return compareKeys(d.start.Pos.key(), k) < 0 && compareKeys(k, d.end.Pos.key()) < 0
}

func (d *Document) place(e Element) {
	i, _ := d.search(e.Pos)
	d.elems = slices.Insert(d.elems, i, e)
}

func (d *Document) search(pos Position) (int, bool) {
	k := pos.key()
	return slices.BinarySearchFunc(d.elems, k, func(e Element, k []int) int {
		return compareKeys(e.Pos.key(), k)
	})
}
