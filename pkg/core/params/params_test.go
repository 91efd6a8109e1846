package params

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sharddp/pkg/core/buffers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParameter(t *testing.T) {
	p := New("layer0/weights", dtypes.Float32, 0, 4, 5)
	require.Equal(t, 20, p.Size())
	require.Equal(t, []int{4, 5}, p.Dimensions())
	require.Equal(t, dtypes.Float32, p.DType())
	require.Nil(t, p.Grad())

	// EnsureGrad fills the slot with zeros exactly once.
	g := p.EnsureGrad()
	require.NotNil(t, g)
	require.Equal(t, 20, g.Len())
	require.Same(t, g, p.EnsureGrad())

	require.Panics(t, func() { p.SetGrad(buffers.New(dtypes.Float32, 3)) })
	require.Panics(t, func() { p.SetGrad(buffers.New(dtypes.Float64, 20)) })
	p.SetGrad(nil)
	require.Nil(t, p.Grad())

	require.Panics(t, func() { New("bad", dtypes.Float32, 0, 4, 0) })
}

func testParams(device DeviceNum, sizes ...int) []*Parameter {
	ps := make([]*Parameter, len(sizes))
	for i, size := range sizes {
		ps[i] = New(string(rune('a'+i)), dtypes.Float32, device, size)
	}
	return ps
}

func TestNewAssignmentValidation(t *testing.T) {
	ps := testParams(0, 1, 2, 3)

	// Valid: rank 0 owns everything, rank 1 owns nothing.
	a, err := NewAssignment(2, map[DeviceNum][][]*Parameter{0: {ps, nil}})
	require.NoError(t, err)
	require.Equal(t, 2, a.WorldSize())
	require.Equal(t, []DeviceNum{0}, a.Devices())
	require.Equal(t, 6, a.TotalSize(0))
	require.Equal(t, dtypes.Float32, a.DType(0))

	// Wrong number of rank lists.
	_, err = NewAssignment(3, map[DeviceNum][][]*Parameter{0: {ps, nil}})
	require.ErrorContains(t, err, "worldSize")

	// Parameter appearing in two rank lists.
	_, err = NewAssignment(2, map[DeviceNum][][]*Parameter{0: {ps, {ps[0]}}})
	require.ErrorContains(t, err, "more than once")

	// List not sorted ascending.
	_, err = NewAssignment(1, map[DeviceNum][][]*Parameter{0: {{ps[2], ps[0], ps[1]}}})
	require.ErrorContains(t, err, "sorted ascending")

	// Device mixing dtypes is a configuration error.
	mixed := []*Parameter{
		New("f32", dtypes.Float32, 0, 2),
		New("f64", dtypes.Float64, 0, 3),
	}
	_, err = NewAssignment(1, map[DeviceNum][][]*Parameter{0: {mixed}})
	require.ErrorContains(t, err, "mixes dtypes")

	// Parameter assigned to the wrong device.
	_, err = NewAssignment(1, map[DeviceNum][][]*Parameter{1: {testParams(0, 2)}})
	require.ErrorContains(t, err, "device")

	_, err = NewAssignment(0, map[DeviceNum][][]*Parameter{0: {ps}})
	require.ErrorContains(t, err, "positive")
}

func TestPartition(t *testing.T) {
	sizes := []int{100, 1, 50, 7, 100, 3, 42, 9}
	ps := make([]*Parameter, len(sizes))
	for i, size := range sizes {
		ps[i] = New(string(rune('a'+i)), dtypes.Float32, 0, size)
	}
	a, err := Partition(4, ps)
	require.NoError(t, err)

	perRank := a.PerRank(0)
	require.Len(t, perRank, 4)
	covered := 0
	for _, list := range perRank {
		covered += len(list)
		for i := 1; i < len(list); i++ {
			assert.LessOrEqual(t, list[i-1].Size(), list[i].Size())
		}
	}
	require.Equal(t, len(ps), covered)

	// Determinism: a structurally identical parameter set partitions identically --
	// ranks rely on this to agree on bucket layouts.
	replica := make([]*Parameter, len(sizes))
	for i, size := range sizes {
		replica[i] = New(string(rune('a'+i)), dtypes.Float32, 0, size)
	}
	b, err := Partition(4, replica)
	require.NoError(t, err)
	for rank := range perRank {
		require.Equal(t, len(perRank[rank]), len(b.PerRank(0)[rank]), "rank %d", rank)
		for i := range perRank[rank] {
			assert.Equal(t, perRank[rank][i].Name(), b.PerRank(0)[rank][i].Name())
			assert.Equal(t, perRank[rank][i].Size(), b.PerRank(0)[rank][i].Size())
		}
	}

	_, err = Partition(2, nil)
	require.Error(t, err)
}
