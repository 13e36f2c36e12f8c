// Package crdt implements the replicated character sequence shared by every
// participant of a session: dense position identifiers, their allocator and
// the ordered document they key.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when a position without a path takes part
	// in a comparison. Sentinels make this unreachable for well-formed input.
	ErrInvalidState = errors.New("crdt: uninitialized position")
	// ErrOutOfOrder is returned when allocation bounds are not strictly ordered.
	ErrOutOfOrder = errors.New("crdt: bounds out of order")
)

// Position identifies one element of the sequence. Path holds the tree
// segments; Site is the id of the replica that allocated it.
type Position struct {
	Path []int
	Site int
}

// IsZero reports whether p was never initialized.
func (p Position) IsZero() bool {
	return len(p.Path) == 0
}

// key is the comparison key: the path followed by Site+1. Treating the site
// as the last digit orders equal paths by site and leaves room between them.
func (p Position) key() []int {
	k := make([]int, len(p.Path)+1)
	copy(k, p.Path)
	k[len(p.Path)] = p.Site + 1
	return k
}

// Compare returns -1, 0 or 1 as p sorts before, equal to or after q.
func (p Position) Compare(q Position) (int, error) {
	if p.IsZero() || q.IsZero() {
		return 0, fmt.Errorf("%w: %v vs %v", ErrInvalidState, p, q)
	}
	return compareKeys(p.key(), q.key()), nil
}

// Equal reports whether p and q name the same element.
func (p Position) Equal(q Position) bool {
	if p.Site != q.Site || len(p.Path) != len(q.Path) {
		return false
	}
	for i := range p.Path {
		if p.Path[i] != q.Path[i] {
			return false
		}
	}
	return true
}

func (p Position) String() string {
	return fmt.Sprintf("%v@%d", p.Path, p.Site)
}

// MarshalJSON encodes p as a flat integer list, the path followed by the site.
func (p Position) MarshalJSON() ([]byte, error) {
	flat := make([]int, 0, len(p.Path)+1)
	flat = append(flat, p.Path...)
	flat = append(flat, p.Site)
	return json.Marshal(flat)
}

func (p *Position) UnmarshalJSON(b []byte) error {
	var flat []int
	if err := json.Unmarshal(b, &flat); err != nil {
		return err
	}
	if len(flat) < 2 {
		return fmt.Errorf("%w: position %s has no path", ErrInvalidState, b)
	}
	for _, v := range flat {
		if v < 0 {
			return fmt.Errorf("crdt: negative segment in position %s", b)
		}
	}
	p.Path = append([]int(nil), flat[:len(flat)-1]...)
	p.Site = flat[len(flat)-1]
	return nil
}

func compareKeys(a, b []int) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}
