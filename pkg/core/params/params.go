// Package params defines the Parameter type and the per-device, per-rank partition
// assignment consumed by the sharded data-parallel reducer.
//
// A Parameter is a named numeric value with dimensions, dtype and device, plus a
// gradient slot that is filled by the surrounding training system during the backward
// pass. The partition Assignment says, for every device, which rank owns each
// parameter -- the rank responsible for holding the authoritative combined gradient.
package params

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sharddp/pkg/core/buffers"
)

// DeviceNum identifies a device holding parameters. It's up to the surrounding system
// to interpret it, usually an index into the local accelerators.
type DeviceNum int

// Parameter is a named numeric buffer with shape, dtype, device and an associated
// gradient slot. The gradient slot may be nil before the backward pass runs.
//
// Parameters are owned by the surrounding model and outlive the reducer.
type Parameter struct {
	name       string
	dimensions []int
	dtype      dtypes.DType
	device     DeviceNum

	value *buffers.Buffer
	grad  *buffers.Buffer

	// gradRequiresGrad marks the gradient slot as itself requiring differentiation.
	// That is an invalid state for a leaf gradient at reduction time.
	gradRequiresGrad bool
}

// New creates a Parameter with the given name, dimensions, dtype and device.
// Its value buffer is allocated zero-initialized; the gradient slot starts empty.
// It panics if the dtype is not supported by buffers.
func New(name string, dtype dtypes.DType, device DeviceNum, dimensions ...int) *Parameter {
	size := 1
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("params.New(%q): dimensions must be positive, got %v", name, dimensions)
		}
		size *= dim
	}
	return &Parameter{
		name:       name,
		dimensions: append([]int(nil), dimensions...),
		dtype:      dtype,
		device:     device,
		value:      buffers.New(dtype, size),
	}
}

// Name of the parameter.
func (p *Parameter) Name() string { return p.name }

// Dimensions returns a copy of the parameter dimensions.
func (p *Parameter) Dimensions() []int { return append([]int(nil), p.dimensions...) }

// DType of the parameter elements.
func (p *Parameter) DType() dtypes.DType { return p.dtype }

// Device holding the parameter.
func (p *Parameter) Device() DeviceNum { return p.device }

// Size returns the element count of the parameter.
func (p *Parameter) Size() int { return p.value.Len() }

// Value returns the parameter value buffer (flattened).
func (p *Parameter) Value() *buffers.Buffer { return p.value }

// Grad returns the gradient slot, or nil if no gradient has been produced yet.
func (p *Parameter) Grad() *buffers.Buffer { return p.grad }

// SetGrad sets the gradient slot. It panics if the buffer dtype or element count
// doesn't match the parameter.
// Passing nil clears the slot.
func (p *Parameter) SetGrad(grad *buffers.Buffer) {
	if grad != nil && (grad.DType() != p.dtype || grad.Len() != p.Size()) {
		exceptions.Panicf("params.SetGrad(%q): gradient %s[%d] doesn't match parameter %s[%d]",
			p.name, grad.DType(), grad.Len(), p.dtype, p.Size())
	}
	p.grad = grad
}

// EnsureGrad returns the gradient slot, allocating it filled with zeros if it is
// still empty. An absent gradient is not an error: it is treated as zero so that
// every rank constructs the same bucket layout.
func (p *Parameter) EnsureGrad() *buffers.Buffer {
	if p.grad == nil {
		p.grad = buffers.New(p.dtype, p.Size())
	}
	return p.grad
}

// SetGradRequiresGrad marks (or clears) the gradient slot as requiring further
// differentiation. A gradient in that state at reduction time is a fatal error.
func (p *Parameter) SetGradRequiresGrad(requires bool) { p.gradRequiresGrad = requires }

// GradRequiresGrad reports whether the gradient slot is marked as requiring further
// differentiation.
func (p *Parameter) GradRequiresGrad() bool { return p.gradRequiresGrad }

// String implements fmt.Stringer.
func (p *Parameter) String() string {
	return fmt.Sprintf("Parameter(%q, %s%v, device=%d)", p.name, p.dtype, p.dimensions, p.device)
}
