package sharddp

import (
	"github.com/gomlx/sharddp/pkg/core/buffers"
	"github.com/gomlx/sharddp/pkg/core/params"
	"github.com/gomlx/sharddp/pkg/distributed"
	"github.com/pkg/errors"
)

// BufferPool owns one fixed-capacity reduce buffer per (device, rank) pair.
//
// Capacity is min(ceiling, total parameter element count on the device) -- never a
// bigger buffer than the parameters it may hold. The dtype is the device's parameter
// dtype. Buffers are allocated once at construction, reused across dispatch calls and
// zeroed before each reuse.
//
// A reduce buffer must not be repacked before every pending operation referencing it
// from the previous dispatch has completed; Reducer.Dispatch maintains that by waiting
// on everything it issues before returning.
type BufferPool struct {
	perDevice map[params.DeviceNum][]*buffers.Buffer
}

// NewBufferPool allocates the reduce buffers for the given assignment, with per-buffer
// capacity capped at ceiling elements.
func NewBufferPool(a *params.Assignment, ceiling int) (*BufferPool, error) {
	if ceiling <= 0 {
		return nil, errors.Errorf("reduce buffer ceiling must be positive, got %d", ceiling)
	}
	perDevice := make(map[params.DeviceNum][]*buffers.Buffer, len(a.Devices()))
	for _, device := range a.Devices() {
		capacity := min(ceiling, a.TotalSize(device))
		ranked := make([]*buffers.Buffer, a.WorldSize())
		for rank := range ranked {
			ranked[rank] = buffers.New(a.DType(device), capacity)
		}
		perDevice[device] = ranked
	}
	return &BufferPool{perDevice: perDevice}, nil
}

// Buffer returns the reduce buffer for the given device and rank.
func (p *BufferPool) Buffer(device params.DeviceNum, rank distributed.Rank) *buffers.Buffer {
	return p.perDevice[device][rank]
}
