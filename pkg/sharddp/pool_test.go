package sharddp

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sharddp/pkg/core/params"
	"github.com/gomlx/sharddp/pkg/distributed"
	"github.com/stretchr/testify/require"
)

func TestNewBufferPool(t *testing.T) {
	ps := []*params.Parameter{
		params.New("a", dtypes.Float64, 0, 10),
		params.New("b", dtypes.Float64, 0, 30),
		params.New("c", dtypes.Float32, 1, 5),
	}
	a, err := params.NewAssignment(2, map[params.DeviceNum][][]*params.Parameter{
		0: {{ps[0]}, {ps[1]}},
		1: {{ps[2]}, nil},
	})
	require.NoError(t, err)

	pool, err := NewBufferPool(a, 16)
	require.NoError(t, err)
	for rank := 0; rank < 2; rank++ {
		// Device 0 holds 40 elements, so the ceiling wins.
		b := pool.Buffer(0, distributed.Rank(rank))
		require.Equal(t, 16, b.Len())
		require.Equal(t, dtypes.Float64, b.DType())
		// Device 1 holds only 5, smaller than the ceiling.
		b = pool.Buffer(1, distributed.Rank(rank))
		require.Equal(t, 5, b.Len())
		require.Equal(t, dtypes.Float32, b.DType())
	}

	_, err = NewBufferPool(a, 0)
	require.Error(t, err)
}
