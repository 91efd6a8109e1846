package distributed

import (
	"github.com/gomlx/sharddp/pkg/core/buffers"
	"github.com/gomlx/sharddp/pkg/support/xsync"
	"github.com/pkg/errors"
)

// Transport is the asynchronous collective capability consumed by the reducer.
//
// Submissions never block: they return a *PendingOp handle whose completion is
// observed with PendingOp.Wait. No cancellation or timeout is defined at this layer;
// failures surface through the handles.
type Transport interface {
	// Rank returns this participant's rank within the world group.
	Rank() Rank

	// World returns the group of all participants.
	World() *Group

	// Reduce submits an asynchronous reduce-to-owner operation: the buffers submitted
	// by every rank of the group are combined elementwise (summed) and the result is
	// written into the buffer submitted by the rank whose global rank is dst. The
	// other ranks' buffers are left untouched.
	//
	// The submitted buffer must not be mutated until the returned handle has been
	// waited on.
	Reduce(buf *buffers.Buffer, dst GlobalRank, g *Group) (*PendingOp, error)

	// Broadcast submits an asynchronous broadcast: the buffer submitted by the rank
	// whose global rank is src is copied into the buffers submitted by every other
	// rank of the group.
	//
	// The submitted buffer must not be mutated until the returned handle has been
	// waited on.
	Broadcast(buf *buffers.Buffer, src GlobalRank, g *Group) (*PendingOp, error)
}

// PendingOp is the handle of an in-flight collective operation. Completion is
// observed with Wait, which returns the operation's final error (nil on success).
//
// Transports create PendingOps with NewPendingOp and complete them with Complete.
type PendingOp struct {
	done *xsync.LatchWithValue[error]
}

// NewPendingOp returns an un-completed handle. Meant for Transport implementations.
func NewPendingOp() *PendingOp {
	return &PendingOp{done: xsync.NewLatchWithValue[error]()}
}

// Complete marks the operation as finished with the given error (nil for success).
// Completing an already-completed handle is a no-op. Meant for Transport implementations.
func (op *PendingOp) Complete(err error) {
	op.done.Trigger(err)
}

// Wait blocks until the operation completes and returns its error.
func (op *PendingOp) Wait() error {
	return op.done.Wait()
}

// Done reports whether the operation has completed, without blocking.
func (op *PendingOp) Done() bool {
	return op.done.Test()
}

// PendingOps is a collection of in-flight operation handles with a single scoped
// "complete all" operation: WaitAll guarantees every handle is waited, even when some
// of them fail, so no operation is ever left un-observed on an early-return path.
type PendingOps []*PendingOp

// WaitAll waits on every handle in the collection and returns the first error
// observed, annotated with the number of failed operations. All handles are waited
// regardless of failures.
func (ops PendingOps) WaitAll() error {
	var first error
	var failed int
	for _, op := range ops {
		if err := op.Wait(); err != nil {
			failed++
			if first == nil {
				first = err
			}
		}
	}
	if first != nil {
		return errors.WithMessagef(first, "%d of %d pending operations failed", failed, len(ops))
	}
	return nil
}
