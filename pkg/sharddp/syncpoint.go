package sharddp

import (
	"sort"

	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// StepFn is the type of step hooks.
type StepFn func() error

type hookWithName struct {
	name string
	fn   StepFn
}

type priorityHooks struct {
	hooks map[Priority][]*hookWithName
}

func newPriorityHooks() *priorityHooks {
	return &priorityHooks{
		hooks: make(map[Priority][]*hookWithName),
	}
}

func (h *priorityHooks) Add(priority Priority, hook *hookWithName) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate calls fn for all hooks in priority order.
func (h *priorityHooks) Enumerate(fn func(hook *hookWithName)) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}

func (h *priorityHooks) run(point string) (err error) {
	h.Enumerate(func(hook *hookWithName) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn()
		if err != nil {
			err = errors.WithMessagef(err, "%s(hook %q)", point, hook.name)
		}
	})
	return
}

// StepHooks is the observer registry a training loop drives. In itself it doesn't do
// much; attaching a SyncPoint is what inserts gradient synchronization into the step.
//
// The loop's contract: call ForwardStart at the beginning of each forward pass, and
// BackwardEnd exactly once per step, after local gradients are finalized and before
// any optimizer step. Skipping steps is not allowed once a SyncPoint is attached --
// ranks would disagree on the communication schedule.
type StepHooks struct {
	onForwardStart *priorityHooks
	onBackwardEnd  *priorityHooks
}

// NewStepHooks creates an empty registry.
func NewStepHooks() *StepHooks {
	return &StepHooks{
		onForwardStart: newPriorityHooks(),
		onBackwardEnd:  newPriorityHooks(),
	}
}

// OnForwardStart registers a named hook run at the beginning of the forward pass.
func (h *StepHooks) OnForwardStart(name string, priority Priority, fn StepFn) {
	h.onForwardStart.Add(priority, &hookWithName{name: name, fn: fn})
}

// OnBackwardEnd registers a named hook run after local gradients are finalized.
func (h *StepHooks) OnBackwardEnd(name string, priority Priority, fn StepFn) {
	h.onBackwardEnd.Add(priority, &hookWithName{name: name, fn: fn})
}

// ForwardStart runs the forward-start hooks in priority order, stopping at the first
// error.
func (h *StepHooks) ForwardStart() error {
	return h.onForwardStart.run("OnForwardStart")
}

// BackwardEnd runs the backward-end hooks in priority order, stopping at the first
// error.
func (h *StepHooks) BackwardEnd() error {
	return h.onBackwardEnd.run("OnBackwardEnd")
}

// SyncPoint inserts a Reducer into the single point of the step where local gradients
// have just been finalized: its backward-end hook invokes Reducer.Dispatch exactly
// once, synchronously, and leaves gradient flow downstream unchanged -- its only side
// effect is the reduction and the in-place overwrite of owned gradient slots.
//
// If the reducer was configured with BroadcastBuffers and state buffers exist, the
// forward-start hook also runs a blocking SyncBuffers, keeping non-gradient state
// consistent across ranks.
type SyncPoint struct {
	reducer *Reducer
	steps   int
}

// NewSyncPoint creates a SyncPoint for the given reducer.
func NewSyncPoint(r *Reducer) *SyncPoint {
	return &SyncPoint{reducer: r}
}

// AttachTo registers the sync point's hooks on the registry.
func (sp *SyncPoint) AttachTo(h *StepHooks) {
	h.OnForwardStart("sharddp.SyncPoint.syncBuffers", 0, sp.forwardStart)
	h.OnBackwardEnd("sharddp.SyncPoint.dispatch", 0, sp.backwardEnd)
}

// Steps returns how many dispatches this sync point has run.
func (sp *SyncPoint) Steps() int { return sp.steps }

func (sp *SyncPoint) forwardStart() error {
	if !sp.reducer.broadcastBuffers || len(sp.reducer.stateBuffers) == 0 {
		return nil
	}
	_, err := sp.reducer.SyncBuffers(true)
	return err
}

func (sp *SyncPoint) backwardEnd() error {
	sp.steps++
	return sp.reducer.Dispatch()
}
