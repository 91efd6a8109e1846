package sharddp

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepHooksOrderAndErrors(t *testing.T) {
	h := NewStepHooks()
	var order []string
	record := func(name string) StepFn {
		return func() error {
			order = append(order, name)
			return nil
		}
	}
	h.OnBackwardEnd("late", 10, record("late"))
	h.OnBackwardEnd("early", -1, record("early"))
	h.OnBackwardEnd("mid-a", 0, record("mid-a"))
	h.OnBackwardEnd("mid-b", 0, record("mid-b"))
	require.NoError(t, h.BackwardEnd())
	require.Equal(t, []string{"early", "mid-a", "mid-b", "late"}, order)

	// First failure stops the chain and the error names the hook.
	h.OnForwardStart("boom", 0, func() error { return errors.New("broken") })
	h.OnForwardStart("never", 1, record("never"))
	err := h.ForwardStart()
	require.ErrorContains(t, err, `OnForwardStart(hook "boom")`)
	require.ErrorContains(t, err, "broken")
	assert.NotContains(t, order, "never")
}

func TestSyncPoint(t *testing.T) {
	world := makeWorld(t, 1, 64, [][]int{{2, 3}}, 2)
	rs := world[0]
	setGrad(rs.perOwner[0][0], 4)
	setGrad(rs.perOwner[0][1], 6)

	sp := NewSyncPoint(rs.reducer)
	hooks := NewStepHooks()
	sp.AttachTo(hooks)

	require.NoError(t, hooks.ForwardStart())
	// BroadcastBuffers was not configured: no broadcast at forward start.
	require.Equal(t, 0, rs.transport.broadcasts)

	require.NoError(t, hooks.BackwardEnd())
	require.Equal(t, 1, sp.Steps())
	// World of one: the average is the local gradient itself.
	assert.Equal(t, []float64{4, 4}, rs.perOwner[0][0].Grad().Float64s())
	assert.Equal(t, []float64{6, 6, 6}, rs.perOwner[0][1].Grad().Float64s())

	require.NoError(t, hooks.BackwardEnd())
	require.Equal(t, 2, sp.Steps())
}

func TestSyncPointBroadcastsStateBuffers(t *testing.T) {
	world := makeWorld(t, 2, 64, [][]int{{2}, {}}, 3)
	for _, rs := range world {
		rs.reducer.broadcastBuffers = true
	}
	eachRank(t, world, func(rs *rankState) error {
		sp := NewSyncPoint(rs.reducer)
		hooks := NewStepHooks()
		sp.AttachTo(hooks)
		return hooks.ForwardStart()
	})
	for rank, rs := range world {
		assert.Equal(t, 1, rs.transport.broadcasts, "rank %d", rank)
	}
}
