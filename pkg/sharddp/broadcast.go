package sharddp

import (
	"github.com/gomlx/sharddp/pkg/core/buffers"
	"github.com/gomlx/sharddp/pkg/distributed"
	"github.com/pkg/errors"
)

// SyncBuffers broadcasts the configured non-gradient state buffers from the reference
// rank to every rank of the group: a direct value copy, no bucketing, no scaling.
//
// If blocking, it waits on every broadcast and returns (nil, error). Otherwise it
// returns the pending handles, which the caller must wait on before mutating the
// buffers. With zero state buffers it performs no operation and returns immediately.
func (r *Reducer) SyncBuffers(blocking bool) (distributed.PendingOps, error) {
	return r.broadcast(r.stateBuffers, blocking)
}

// SyncParameters broadcasts every parameter value from the reference rank to every
// rank of the group, typically once at initialization so all ranks start from the
// same weights. Same blocking semantics as SyncBuffers.
func (r *Reducer) SyncParameters(blocking bool) (distributed.PendingOps, error) {
	var bufs []*buffers.Buffer
	for _, device := range r.assignment.Devices() {
		for _, list := range r.assignment.PerRank(device) {
			for _, p := range list {
				bufs = append(bufs, p.Value())
			}
		}
	}
	return r.broadcast(bufs, blocking)
}

func (r *Reducer) broadcast(bufs []*buffers.Buffer, blocking bool) (distributed.PendingOps, error) {
	if len(bufs) == 0 {
		return nil, nil
	}
	ops := make(distributed.PendingOps, 0, len(bufs))
	for i, b := range bufs {
		op, err := r.transport.Broadcast(b, r.refGlobal, r.group)
		if err != nil {
			// Drain what was already issued before surfacing the submission error.
			_ = ops.WaitAll()
			return nil, errors.WithMessagef(err, "broadcast of buffer %d of %d", i, len(bufs))
		}
		ops = append(ops, op)
	}
	if blocking {
		return nil, ops.WaitAll()
	}
	return ops, nil
}
