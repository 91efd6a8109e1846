package sharddp

import (
	"github.com/gomlx/sharddp/pkg/core/params"
	"github.com/gomlx/sharddp/pkg/distributed"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// bucketOp pairs a bucket-reduce handle with the rank whose bucket it carries.
type bucketOp struct {
	op   *distributed.PendingOp
	rank distributed.Rank
}

// Dispatch reduces every gradient to its owner rank: small gradients packed into the
// per-rank reduce buffers, oversized ones reduced individually, everything scaled by
// 1/worldSize so owners end up with running averages.
//
// Dispatch blocks until all the asynchronous operations it issued have completed. On
// return, this rank's owned parameters hold the averaged gradients; gradients owned by
// other ranks have been contributed (and remain scaled by 1/worldSize locally).
//
// A failed dispatch leaves the reduce buffers in an undefined packed state; it must
// not be retried without reconstructing the reducer.
func (r *Reducer) Dispatch() error {
	for _, device := range r.assignment.Devices() {
		if err := r.dispatchDevice(device); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reducer) dispatchDevice(device params.DeviceNum) (err error) {
	perRank := r.assignment.PerRank(device)
	scale := 1.0 / float64(r.worldSize)

	// Every issued handle lands here; if we abort mid-way, the deferred drain makes
	// sure nothing in flight is left un-waited before the error surfaces.
	var issued distributed.PendingOps
	defer func() {
		if err != nil {
			_ = issued.WaitAll()
		}
	}()

	bucketOps := make([]bucketOp, 0, len(perRank))
	var directOps distributed.PendingOps
	packed := make([]int, len(perRank))

	// Submission phase: every operation for this device is issued before any wait, so
	// the transport can overlap reductions targeting different ranks.
	for rank, list := range perRank {
		if len(list) == 0 {
			continue
		}
		// An absent gradient is zero, not an error: every rank must build the same
		// bucket layout, whether or not the local backward pass touched the parameter.
		for _, p := range list {
			p.EnsureGrad()
		}
		owner := r.group.GlobalRank(distributed.Rank(rank))
		buf := r.pool.Buffer(device, distributed.Rank(rank))
		buf.Zero()

		// Greedy packing of the ascending list: the first parameter that doesn't fit
		// ends the bucket, since everything after it is at least as large.
		offset, n := 0, 0
		for n < len(list) && offset+list[n].Size() < buf.Len() {
			g := list[n].Grad()
			buf.Slice(offset, offset+g.Len()).CopyFrom(g)
			offset += g.Len()
			n++
		}
		packed[rank] = n
		if n > 0 {
			buf.Scale(scale)
			op, rerr := r.transport.Reduce(buf, owner, r.group)
			if rerr != nil {
				return errors.WithMessagef(rerr, "bucket reduce to rank %d on device %d", rank, device)
			}
			issued = append(issued, op)
			bucketOps = append(bucketOps, bucketOp{op: op, rank: distributed.Rank(rank)})
		}

		// The unpacked suffix is reduced individually, in place.
		for _, p := range list[n:] {
			if p.GradRequiresGrad() {
				return errors.Errorf("gradient of parameter %q requires grad: sharded reduction only "+
					"works with gradients that don't require grad", p.Name())
			}
			g := p.Grad()
			g.Scale(scale)
			op, rerr := r.transport.Reduce(g, owner, r.group)
			if rerr != nil {
				return errors.WithMessagef(rerr, "reduce of parameter %q to rank %d", p.Name(), rank)
			}
			issued = append(issued, op)
			directOps = append(directOps, op)
		}
	}
	klog.V(2).Infof("sharddp: device %d dispatched %d bucket and %d individual reductions (packed per rank: %v)",
		device, len(bucketOps), len(directOps), packed)

	// Unroll the packed small gradients as soon as possible.
	for _, b := range bucketOps {
		if werr := b.op.Wait(); werr != nil {
			return errors.WithMessagef(werr, "bucket reduce for rank %d on device %d", b.rank, device)
		}
		if b.rank != r.rank {
			continue
		}
		// This rank owns the bucket: unpack it into the gradient slots, in the same
		// prefix order used for packing.
		buf := r.pool.Buffer(device, b.rank)
		list := perRank[b.rank]
		offset := 0
		for i := 0; i < packed[b.rank]; i++ {
			g := list[i].Grad()
			g.CopyFrom(buf.Slice(offset, offset+g.Len()))
			offset += g.Len()
		}
	}

	// Make sure we're done with this device before moving on.
	return directOps.WaitAll()
}
