// Package sharddp implements the gradient-synchronization step of sharded
// data-parallel training: after each rank computes local gradients for the full
// parameter set, the Reducer delivers to each rank the averaged gradients for the
// parameters it owns -- and only those -- so a sharded optimizer can update its
// partition.
//
// The heart of the package is Reducer.Dispatch: for every device and every rank it
// packs small gradients into a shared fixed-capacity reduce buffer (one per
// device/rank pair, owned by the BufferPool), issues asynchronous reduce-to-owner
// operations for both the bucket and the oversized remainder, and unpacks the bucket
// this rank owns once its reduction completes. All operations for a device are
// submitted before any is waited on, so communication overlaps across ranks.
//
// Partitioning is not decided here: a params.Assignment -- typically produced by a
// sharded optimizer -- says which rank owns which parameter. The collective transport
// is likewise consumed as an opaque capability (see package distributed).
package sharddp

import (
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/sharddp/pkg/core/buffers"
	"github.com/gomlx/sharddp/pkg/core/params"
	"github.com/gomlx/sharddp/pkg/distributed"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultBufferSize is the default ceiling, in elements, for each reduce buffer.
const DefaultBufferSize = 1 << 19

// BufferSizeEnv is the environment variable that overrides the default reduce-buffer
// ceiling (in elements) when Config.BufferSize is left zero.
const BufferSizeEnv = "SHARDDP_BUFFER_SIZE"

// Config for New. Transport and Assignment are required, everything else has
// reasonable defaults.
type Config struct {
	// Transport is the asynchronous collective capability to communicate over.
	Transport distributed.Transport

	// Group selects the process group: DefaultGroup() means all participants of the
	// transport's world. It is resolved once, here at construction.
	Group distributed.GroupSpec

	// Assignment is the partition map: per device, per rank, the owned parameters
	// sorted ascending by size.
	Assignment *params.Assignment

	// BufferSize is the reduce-buffer ceiling in elements. If zero, the BufferSizeEnv
	// environment variable is consulted, and then DefaultBufferSize.
	BufferSize int

	// BroadcastBuffers makes the SyncPoint broadcast StateBuffers from the reference
	// rank at the start of every forward pass, keeping non-gradient state consistent.
	BroadcastBuffers bool

	// ReferenceRank is the group-local rank whose state is authoritative for
	// SyncBuffers and SyncParameters. Defaults to 0.
	ReferenceRank distributed.Rank

	// StateBuffers is the non-gradient state (batch-norm statistics and the like)
	// synchronized by SyncBuffers. May be empty.
	StateBuffers []*buffers.Buffer
}

// Reducer is the bucketing gradient reducer. Create one per rank with New.
//
// A Reducer is not safe for concurrent use: Dispatch must be invoked at most once per
// training step and never concurrently with itself -- the reduce buffers are reused
// across steps and must not be repacked before the previous step's operations have
// completed.
type Reducer struct {
	transport distributed.Transport
	group     *distributed.Group
	rank      distributed.Rank
	worldSize int
	refGlobal distributed.GlobalRank

	assignment *params.Assignment
	pool       *BufferPool

	broadcastBuffers bool
	stateBuffers     []*buffers.Buffer
}

// New creates a Reducer from the given configuration.
//
// Configuration errors -- missing collaborators, a group the transport's rank is not
// a member of, a world-size mismatch with the assignment -- are returned immediately
// and are not retried.
func New(cfg Config) (*Reducer, error) {
	if cfg.Transport == nil {
		return nil, errors.New("sharddp.New: Config.Transport is required")
	}
	if cfg.Assignment == nil {
		return nil, errors.New("sharddp.New: Config.Assignment is required")
	}
	group := cfg.Group.Resolve(cfg.Transport.World())
	if group.Size() != cfg.Assignment.WorldSize() {
		return nil, errors.Errorf("sharddp.New: group has %d ranks but assignment partitions over %d",
			group.Size(), cfg.Assignment.WorldSize())
	}
	globalSelf := cfg.Transport.World().GlobalRank(cfg.Transport.Rank())
	rank, ok := group.LocalRank(globalSelf)
	if !ok {
		return nil, errors.Errorf("sharddp.New: transport rank %d (global %d) is not a member of the group",
			cfg.Transport.Rank(), globalSelf)
	}
	if cfg.ReferenceRank < 0 || int(cfg.ReferenceRank) >= group.Size() {
		return nil, errors.Errorf("sharddp.New: reference rank %d out of range for group of size %d",
			cfg.ReferenceRank, group.Size())
	}
	bufferSize, err := resolveBufferSize(cfg.BufferSize)
	if err != nil {
		return nil, err
	}
	pool, err := NewBufferPool(cfg.Assignment, bufferSize)
	if err != nil {
		return nil, err
	}
	r := &Reducer{
		transport:        cfg.Transport,
		group:            group,
		rank:             rank,
		worldSize:        group.Size(),
		refGlobal:        group.GlobalRank(cfg.ReferenceRank),
		assignment:       cfg.Assignment,
		pool:             pool,
		broadcastBuffers: cfg.BroadcastBuffers,
		stateBuffers:     cfg.StateBuffers,
	}
	klog.V(1).Infof("sharddp: reducer ready on rank %d/%d, %d device(s), buffer ceiling %s elements",
		r.rank, r.worldSize, len(cfg.Assignment.Devices()), humanize.Comma(int64(bufferSize)))
	return r, nil
}

// Rank returns the group-local rank this reducer runs as.
func (r *Reducer) Rank() distributed.Rank { return r.rank }

// WorldSize returns the number of ranks in the reducer's group.
func (r *Reducer) WorldSize() int { return r.worldSize }

// Pool returns the reducer's buffer pool.
func (r *Reducer) Pool() *BufferPool { return r.pool }

func resolveBufferSize(configured int) (int, error) {
	if configured < 0 {
		return 0, errors.Errorf("sharddp.New: BufferSize must be positive, got %d", configured)
	}
	if configured > 0 {
		return configured, nil
	}
	if value, found := os.LookupEnv(BufferSizeEnv); found {
		size, err := strconv.Atoi(value)
		if err != nil || size <= 0 {
			return 0, errors.Errorf("sharddp.New: invalid %s=%q, want a positive element count",
				BufferSizeEnv, value)
		}
		return size, nil
	}
	return DefaultBufferSize, nil
}
