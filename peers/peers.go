// Package peers holds the globally agreed, sorted list of peer identities
// and the index arithmetic the tree protocols use to lay peers out.
package peers

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrUnknownPeer   = errors.New("peers: unknown peer")
	ErrDuplicatePeer = errors.New("peers: duplicate peer id")
	ErrEmpty         = errors.New("peers: empty peer set")
)

// Directory maps peer ids to positions in the sorted peer list. Every node
// builds it from the same id set, so positions agree network wide. A
// Directory is immutable after construction.
type Directory struct {
	ids   []string
	index map[string]int
	self  int
}

// NewDirectory sorts a copy of ids and locates self in it.
func NewDirectory(ids []string, self string) (*Directory, error) {
	if len(ids) == 0 {
		return nil, ErrEmpty
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)

	index := make(map[string]int, len(sorted))
	for i, id := range sorted {
		if _, ok := index[id]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicatePeer, id)
		}
		index[id] = i
	}

	pos, ok := index[self]
	if !ok {
		return nil, fmt.Errorf("%w: self %q not in peer set", ErrUnknownPeer, self)
	}
	return &Directory{ids: sorted, index: index, self: pos}, nil
}

func (d *Directory) Self() string   { return d.ids[d.self] }
func (d *Directory) SelfIndex() int { return d.self }
func (d *Directory) Len() int       { return len(d.ids) }

// ID returns the identity at position i.
func (d *Directory) ID(i int) (string, error) {
	if i < 0 || i >= len(d.ids) {
		return "", fmt.Errorf("%w: index %d out of range [0,%d)", ErrUnknownPeer, i, len(d.ids))
	}
	return d.ids[i], nil
}

// Index returns the position of id.
func (d *Directory) Index(id string) (int, error) {
	i, ok := d.index[id]
	if !ok {
		return -1, fmt.Errorf("%w: %q", ErrUnknownPeer, id)
	}
	return i, nil
}

func (d *Directory) Contains(id string) bool {
	_, ok := d.index[id]
	return ok
}

// IDs returns the sorted id list.
func (d *Directory) IDs() []string { return slices.Clone(d.ids) }

// Others returns every id except self, in sorted order.
func (d *Directory) Others() []string {
	out := make([]string, 0, len(d.ids)-1)
	for i, id := range d.ids {
		if i != d.self {
			out = append(out, id)
		}
	}
	return out
}

// Tree positions. The sorted list is read as an implicit complete binary
// tree rooted at index 0.

func LeftChild(i int) int  { return 2*i + 1 }
func RightChild(i int) int { return 2*i + 2 }

// TreeParent is the inverse of LeftChild and RightChild. The root is its own
// parent.
func TreeParent(i int) int {
	if i <= 0 {
		return 0
	}
	return (i - 1) / 2
}

// TokenParent is the initial parent of position c in the token sink tree.
func TokenParent(c int) int {
	switch {
	case c <= 0:
		return 0
	case c%2 == 0:
		return c - c/2 - 1
	default:
		return c - (c+1)/2
	}
}
