package buffers

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var floatDTypes = []dtypes.DType{dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64}

func TestNewIsZeroInitialized(t *testing.T) {
	for _, dtype := range floatDTypes {
		b := New(dtype, 4)
		require.Equal(t, dtype, b.DType())
		require.Equal(t, 4, b.Len())
		require.Equal(t, []float64{0, 0, 0, 0}, b.Float64s())
	}
}

func TestFromValuesRoundTrip(t *testing.T) {
	// Powers of two are exactly representable in every supported dtype.
	want := []float64{1, 2, 4, 8}
	for _, dtype := range floatDTypes {
		b := FromValues(dtype, want...)
		require.Equal(t, want, b.Float64s(), "dtype %s", dtype)
	}
}

func TestFromFlatAliases(t *testing.T) {
	flat := []float32{1, 2, 3}
	b := FromFlat(flat)
	require.Equal(t, dtypes.Float32, b.DType())
	MutableFlat[float32](b)[1] = 7
	assert.Equal(t, float32(7), flat[1])
}

func TestScale(t *testing.T) {
	for _, dtype := range floatDTypes {
		b := FromValues(dtype, 2, 4, 8)
		b.Scale(0.25)
		require.Equal(t, []float64{0.5, 1, 2}, b.Float64s(), "dtype %s", dtype)
	}
}

func TestAccumulate(t *testing.T) {
	for _, dtype := range floatDTypes {
		b := FromValues(dtype, 1, 2, 3)
		b.Accumulate(FromValues(dtype, 4, 4, 4))
		require.Equal(t, []float64{5, 6, 7}, b.Float64s(), "dtype %s", dtype)
	}
}

func TestSliceAliasesStorage(t *testing.T) {
	b := FromValues(dtypes.Float32, 0, 1, 2, 3, 4)
	view := b.Slice(1, 3)
	require.Equal(t, []float64{1, 2}, view.Float64s())

	// Writes through the view are visible in the parent and vice versa.
	view.CopyFrom(FromValues(dtypes.Float32, 10, 20))
	require.Equal(t, []float64{0, 10, 20, 3, 4}, b.Float64s())
	b.Zero()
	require.Equal(t, []float64{0, 0}, view.Float64s())
}

func TestCloneIsIndependent(t *testing.T) {
	b := FromValues(dtypes.Float64, 1, 2)
	c := b.Clone()
	c.Scale(10)
	require.Equal(t, []float64{1, 2}, b.Float64s())
	require.Equal(t, []float64{10, 20}, c.Float64s())
}

func TestMismatchesPanic(t *testing.T) {
	b := New(dtypes.Float32, 3)
	require.Panics(t, func() { b.CopyFrom(New(dtypes.Float64, 3)) })
	require.Panics(t, func() { b.CopyFrom(New(dtypes.Float32, 4)) })
	require.Panics(t, func() { b.Accumulate(New(dtypes.Float32, 2)) })
	require.Panics(t, func() { b.Slice(1, 5) })
	require.Panics(t, func() { ConstFlat[float64](b) })
	require.Panics(t, func() { New(dtypes.Int32, 3) })
	require.Panics(t, func() { New(dtypes.Float32, -1) })
}
