// Package loopback implements an in-process distributed.Transport connecting a fixed
// number of ranks running as goroutines of the same process.
//
// It exists for tests, benchmarks and single-host multi-goroutine training: the
// semantics are the ones the reducer assumes from any real transport -- non-blocking
// submission, explicit completion, reduce-to-owner combining by sum, broadcast from a
// source rank.
//
// Collectives are matched by submission order: the i-th collective submitted by each
// rank is taken to be the same logical operation. This is the usual nonblocking
// collective discipline, and it is what the reducer's deterministic communication
// schedule guarantees. If ranks disagree on what the i-th operation is (kind, root,
// element count or dtype), the collective fails and the error is delivered through
// every participant's handle.
//
// There are no timeouts: a rank that never submits its share of a collective leaves
// the other ranks blocked in Wait, exactly like a lost peer on a real transport.
package loopback

import (
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sharddp/pkg/core/buffers"
	"github.com/gomlx/sharddp/pkg/distributed"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type opKind int

const (
	reduceOp opKind = iota
	broadcastOp
)

func (k opKind) String() string {
	if k == reduceOp {
		return "Reduce"
	}
	return "Broadcast"
}

// participant is one rank's share of a collective: its buffer and its handle.
type participant struct {
	global distributed.GlobalRank
	buf    *buffers.Buffer
	op     *distributed.PendingOp
}

// collective is one in-flight matched operation, identified by submission sequence.
type collective struct {
	id     uuid.UUID
	kind   opKind
	root   distributed.GlobalRank
	dtype  dtypes.DType
	count  int
	failed error

	parts []participant
}

// Fabric connects worldSize in-process Peers. Create one with NewFabric and hand each
// Peer to the goroutine playing that rank.
type Fabric struct {
	mu      sync.Mutex
	world   *distributed.Group
	peers   []*Peer
	pending map[uint64]*collective
}

// NewFabric creates an in-process fabric of the given world size and returns it along
// with one Peer per rank.
func NewFabric(worldSize int) (*Fabric, error) {
	if worldSize <= 0 {
		return nil, errors.Errorf("worldSize must be positive, got %d", worldSize)
	}
	f := &Fabric{
		world:   distributed.World(worldSize),
		pending: make(map[uint64]*collective),
	}
	f.peers = make([]*Peer, worldSize)
	for i := range f.peers {
		f.peers[i] = &Peer{fabric: f, rank: distributed.Rank(i)}
	}
	return f, nil
}

// Peers returns one Peer per rank, indexed by rank.
func (f *Fabric) Peers() []*Peer { return f.peers }

// WorldSize returns the number of ranks connected by the fabric.
func (f *Fabric) WorldSize() int { return f.world.Size() }

// Peer is one rank's endpoint on a Fabric. It implements distributed.Transport.
//
// A Peer is meant to be driven by the single goroutine playing its rank; submissions
// from that goroutine are matched against the other ranks' submissions in order.
type Peer struct {
	fabric *Fabric
	rank   distributed.Rank
	seq    uint64
}

var _ distributed.Transport = (*Peer)(nil)

// Rank returns this peer's rank within the world group.
func (p *Peer) Rank() distributed.Rank { return p.rank }

// World returns the group of all peers on the fabric.
func (p *Peer) World() *distributed.Group { return p.fabric.world }

// Reduce submits this rank's contribution to an asynchronous reduce-to-owner.
func (p *Peer) Reduce(buf *buffers.Buffer, dst distributed.GlobalRank, g *distributed.Group) (*distributed.PendingOp, error) {
	return p.fabric.submit(p, reduceOp, buf, dst, g)
}

// Broadcast submits this rank's share of an asynchronous broadcast-from-source.
func (p *Peer) Broadcast(buf *buffers.Buffer, src distributed.GlobalRank, g *distributed.Group) (*distributed.PendingOp, error) {
	return p.fabric.submit(p, broadcastOp, buf, src, g)
}

func (f *Fabric) submit(p *Peer, kind opKind, buf *buffers.Buffer, root distributed.GlobalRank, g *distributed.Group) (*distributed.PendingOp, error) {
	if buf == nil {
		return nil, errors.Errorf("loopback: %s submitted with nil buffer", kind)
	}
	if g == nil {
		return nil, errors.Errorf("loopback: %s submitted with nil group", kind)
	}
	if g.Size() != f.world.Size() {
		// Sub-groups would need their own sequence spaces; nothing here needs them.
		return nil, errors.Errorf("loopback: only the world group (size %d) is supported, got group of size %d",
			f.world.Size(), g.Size())
	}
	if root < 0 || int(root) >= f.world.Size() {
		return nil, errors.Errorf("loopback: %s root %d out of range for world of size %d",
			kind, root, f.world.Size())
	}
	global := f.world.GlobalRank(p.rank)
	op := distributed.NewPendingOp()

	f.mu.Lock()
	seq := p.seq
	p.seq++
	c, found := f.pending[seq]
	if !found {
		c = &collective{
			id:    uuid.New(),
			kind:  kind,
			root:  root,
			dtype: buf.DType(),
			count: buf.Len(),
		}
		f.pending[seq] = c
	} else if c.failed == nil &&
		(c.kind != kind || c.root != root || c.dtype != buf.DType() || c.count != buf.Len()) {
		c.failed = errors.Errorf(
			"loopback: collective mismatch at sequence %d (op %s): rank %d submitted %s(root=%d, %s[%d]), "+
				"other ranks submitted %s(root=%d, %s[%d])",
			seq, c.id, p.rank, kind, root, buf.DType(), buf.Len(), c.kind, c.root, c.dtype, c.count)
	}
	c.parts = append(c.parts, participant{global: global, buf: buf, op: op})
	complete := len(c.parts) == f.world.Size()
	if complete {
		delete(f.pending, seq)
	}
	f.mu.Unlock()

	if complete {
		// The collective is no longer reachable from the fabric, no lock needed.
		f.finalize(seq, c)
	}
	return op, nil
}

// finalize combines the contributions and completes every participant's handle.
func (f *Fabric) finalize(seq uint64, c *collective) {
	if c.failed != nil {
		for _, part := range c.parts {
			part.op.Complete(c.failed)
		}
		return
	}
	switch c.kind {
	case reduceOp:
		acc := buffers.New(c.dtype, c.count)
		for _, part := range c.parts {
			acc.Accumulate(part.buf)
		}
		for _, part := range c.parts {
			if part.global == c.root {
				part.buf.CopyFrom(acc)
			}
		}
	case broadcastOp:
		var src *buffers.Buffer
		for _, part := range c.parts {
			if part.global == c.root {
				src = part.buf
			}
		}
		for _, part := range c.parts {
			if part.global != c.root {
				part.buf.CopyFrom(src)
			}
		}
	}
	klog.V(2).Infof("loopback: completed %s %s at sequence %d (root=%d, %d x %s)",
		c.kind, c.id, seq, c.root, c.count, c.dtype)
	for _, part := range c.parts {
		part.op.Complete(nil)
	}
}
