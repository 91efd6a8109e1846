// Package distributed defines the process-group identities and the asynchronous
// collective transport capability consumed by the sharded data-parallel reducer.
//
// It does not implement a collective-communication library: the Transport interface is
// an opaque capability with async submission and explicit completion, and concrete
// implementations are provided elsewhere (see the loopback sub-package for an
// in-process one).
package distributed

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Rank is the group-local identity of one participant in a fixed-size group of
// cooperating processes.
type Rank int

// GlobalRank is a transport-level identity, the result of mapping a group-local Rank
// through its Group.
type GlobalRank int

// Group is a fixed set of ranks participating in collective operations. It maps
// group-local ranks to transport-level global ranks.
//
// A Group is immutable after creation.
type Group struct {
	globals []GlobalRank
}

// World returns the group of all participants of a world of the given size, with the
// identity mapping from local to global ranks.
func World(size int) *Group {
	if size <= 0 {
		exceptions.Panicf("distributed.World: size must be positive, got %d", size)
	}
	globals := make([]GlobalRank, size)
	for i := range globals {
		globals[i] = GlobalRank(i)
	}
	return &Group{globals: globals}
}

// NewGroup creates a group from an explicit local-rank ordered list of global ranks.
func NewGroup(globals []GlobalRank) (*Group, error) {
	if len(globals) == 0 {
		return nil, errors.New("group cannot be empty")
	}
	seen := make(map[GlobalRank]bool, len(globals))
	for _, g := range globals {
		if g < 0 {
			return nil, errors.Errorf("global rank %d is negative", g)
		}
		if seen[g] {
			return nil, errors.Errorf("global rank %d is duplicated in group", g)
		}
		seen[g] = true
	}
	return &Group{globals: append([]GlobalRank(nil), globals...)}, nil
}

// Size returns the number of ranks in the group (the world size, for the world group).
func (g *Group) Size() int { return len(g.globals) }

// GlobalRank maps a group-local rank to its transport-level identity.
// It panics if rank is out of range.
func (g *Group) GlobalRank(rank Rank) GlobalRank {
	if rank < 0 || int(rank) >= len(g.globals) {
		exceptions.Panicf("distributed.Group.GlobalRank: rank %d out of range for group of size %d",
			rank, len(g.globals))
	}
	return g.globals[rank]
}

// LocalRank returns the group-local rank of the given global rank, and whether the
// global rank is a member of the group.
func (g *Group) LocalRank(global GlobalRank) (Rank, bool) {
	for local, cur := range g.globals {
		if cur == global {
			return Rank(local), true
		}
	}
	return 0, false
}

// GroupSpec is the tagged choice between "the default group" (all participants of the
// transport's world) and an explicit group handle.
//
// It is resolved exactly once, at construction of the component using it, into a
// concrete *Group -- never compared by identity at call sites.
type GroupSpec struct {
	explicit *Group
}

// DefaultGroup returns the GroupSpec meaning "all participants".
func DefaultGroup() GroupSpec { return GroupSpec{} }

// ExplicitGroup returns a GroupSpec carrying an explicit group handle.
func ExplicitGroup(g *Group) GroupSpec { return GroupSpec{explicit: g} }

// IsDefault reports whether this GroupSpec refers to the default (world) group.
func (s GroupSpec) IsDefault() bool { return s.explicit == nil }

// Resolve returns the concrete group: the explicit handle if one was given, otherwise
// the provided world group.
func (s GroupSpec) Resolve(world *Group) *Group {
	if s.explicit != nil {
		return s.explicit
	}
	return world
}
