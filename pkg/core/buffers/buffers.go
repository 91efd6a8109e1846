// Package buffers implements flat numeric host buffers: the substrate for gradient
// slots and for the fixed-capacity reduce buffers used by the sharded data-parallel
// reducer.
//
// A Buffer is always a flat (1D) slice of one of the supported floating point types,
// paired with its dtypes.DType. Buffers can alias each other through Buffer.Slice,
// which is how gradients are packed into and unpacked from reduce buffers without
// extra copies.
//
// To simplify error handling, functions here panic with a stack trace in case of
// programming errors (dtype or size mismatches). See package github.com/gomlx/exceptions.
package buffers

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// Supported lists the Go types a Buffer can hold.
// Gradients are floating point, so only the float dtypes are supported.
type Supported interface {
	float16.Float16 | bfloat16.BFloat16 | float32 | float64
}

// Buffer is a flat numeric host buffer: a 1D slice of one of the Supported types.
//
// The zero value is not usable, create one with New, FromFlat or Buffer.Slice.
type Buffer struct {
	dtype dtypes.DType
	flat  any // []T, where T is one of Supported.
}

// DTypeOf returns the DType of the given Supported Go type.
func DTypeOf[T Supported]() dtypes.DType {
	var t T
	switch any(t).(type) {
	case float16.Float16:
		return dtypes.Float16
	case bfloat16.BFloat16:
		return dtypes.BFloat16
	case float32:
		return dtypes.Float32
	case float64:
		return dtypes.Float64
	}
	exceptions.Panicf("buffers: unsupported Go type %T", t)
	panic("unreachable")
}

// IsSupported returns whether dtype is one of the dtypes a Buffer can hold.
func IsSupported(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64:
		return true
	}
	return false
}

// New returns a zero-initialized Buffer with the given dtype and element count.
// It panics if dtype is not supported or count is negative.
func New(dtype dtypes.DType, count int) *Buffer {
	if count < 0 {
		exceptions.Panicf("buffers.New: count must be non-negative, got %d", count)
	}
	var flat any
	switch dtype {
	case dtypes.Float16:
		flat = make([]float16.Float16, count)
	case dtypes.BFloat16:
		flat = make([]bfloat16.BFloat16, count)
	case dtypes.Float32:
		flat = make([]float32, count)
	case dtypes.Float64:
		flat = make([]float64, count)
	default:
		exceptions.Panicf("buffers.New: dtype %s not supported", dtype)
	}
	return &Buffer{dtype: dtype, flat: flat}
}

// FromFlat creates a Buffer that aliases the given flat data: no copy is made, and
// changes to the Buffer are visible in flat (and vice versa).
func FromFlat[T Supported](flat []T) *Buffer {
	return &Buffer{dtype: DTypeOf[T](), flat: flat}
}

// FromValues creates a Buffer of the given dtype with the given values converted from float64.
func FromValues(dtype dtypes.DType, values ...float64) *Buffer {
	b := New(dtype, len(values))
	b.assign(values)
	return b
}

// DType of the buffer elements.
func (b *Buffer) DType() dtypes.DType { return b.dtype }

// Len returns the number of elements in the buffer.
func (b *Buffer) Len() int {
	switch flat := b.flat.(type) {
	case []float16.Float16:
		return len(flat)
	case []bfloat16.BFloat16:
		return len(flat)
	case []float32:
		return len(flat)
	case []float64:
		return len(flat)
	}
	exceptions.Panicf("buffers: invalid Buffer, use New or FromFlat to create one")
	panic("unreachable")
}

// Memory returns the number of bytes used by the buffer data.
func (b *Buffer) Memory() uintptr {
	return b.dtype.Memory() * uintptr(b.Len())
}

// ConstFlat returns the flat data of the buffer as a slice of T.
// The returned slice aliases the buffer storage and must not be modified -- use
// MutableFlat for that.
// It panics if T does not match the buffer dtype.
func ConstFlat[T Supported](b *Buffer) []T {
	flat, ok := b.flat.([]T)
	if !ok {
		exceptions.Panicf("buffers.ConstFlat[%s]: buffer holds dtype %s", DTypeOf[T](), b.dtype)
	}
	return flat
}

// MutableFlat returns the flat data of the buffer as a mutable slice of T, aliasing
// the buffer storage.
// It panics if T does not match the buffer dtype.
func MutableFlat[T Supported](b *Buffer) []T {
	return ConstFlat[T](b)
}

// Slice returns a view over the elements [begin, end) of the buffer.
// The view aliases the same storage: writes through either are visible in both.
func (b *Buffer) Slice(begin, end int) *Buffer {
	if begin < 0 || end < begin || end > b.Len() {
		exceptions.Panicf("buffers.Slice(%d, %d): out of range for buffer of %d elements", begin, end, b.Len())
	}
	switch flat := b.flat.(type) {
	case []float16.Float16:
		return &Buffer{dtype: b.dtype, flat: flat[begin:end]}
	case []bfloat16.BFloat16:
		return &Buffer{dtype: b.dtype, flat: flat[begin:end]}
	case []float32:
		return &Buffer{dtype: b.dtype, flat: flat[begin:end]}
	case []float64:
		return &Buffer{dtype: b.dtype, flat: flat[begin:end]}
	}
	panic("unreachable")
}

// Clone returns a deep copy of the buffer.
func (b *Buffer) Clone() *Buffer {
	c := New(b.dtype, b.Len())
	c.CopyFrom(b)
	return c
}

// Zero sets all elements to zero.
func (b *Buffer) Zero() {
	switch flat := b.flat.(type) {
	case []float16.Float16:
		clear(flat)
	case []bfloat16.BFloat16:
		clear(flat)
	case []float32:
		clear(flat)
	case []float64:
		clear(flat)
	}
}

// CopyFrom copies the elements of src into b.
// It panics if the dtypes or lengths differ.
func (b *Buffer) CopyFrom(src *Buffer) {
	b.check("CopyFrom", src)
	switch flat := b.flat.(type) {
	case []float16.Float16:
		copy(flat, src.flat.([]float16.Float16))
	case []bfloat16.BFloat16:
		copy(flat, src.flat.([]bfloat16.BFloat16))
	case []float32:
		copy(flat, src.flat.([]float32))
	case []float64:
		copy(flat, src.flat.([]float64))
	}
}

// Scale multiplies every element by factor, in place.
//
// This is how gradients are turned into running averages: each rank scales its
// contribution by 1/worldSize before the values are combined across ranks.
func (b *Buffer) Scale(factor float64) {
	switch flat := b.flat.(type) {
	case []float16.Float16:
		f := float32(factor)
		for i, v := range flat {
			flat[i] = float16.Fromfloat32(v.Float32() * f)
		}
	case []bfloat16.BFloat16:
		f := float32(factor)
		for i, v := range flat {
			flat[i] = bfloat16.FromFloat32(v.Float32() * f)
		}
	case []float32:
		f := float32(factor)
		for i := range flat {
			flat[i] *= f
		}
	case []float64:
		for i := range flat {
			flat[i] *= factor
		}
	}
}

// Accumulate adds src to b elementwise, in place: b[i] += src[i].
// It panics if the dtypes or lengths differ.
func (b *Buffer) Accumulate(src *Buffer) {
	b.check("Accumulate", src)
	switch flat := b.flat.(type) {
	case []float16.Float16:
		srcFlat := src.flat.([]float16.Float16)
		for i, v := range flat {
			flat[i] = float16.Fromfloat32(v.Float32() + srcFlat[i].Float32())
		}
	case []bfloat16.BFloat16:
		srcFlat := src.flat.([]bfloat16.BFloat16)
		for i, v := range flat {
			flat[i] = bfloat16.FromFloat32(v.Float32() + srcFlat[i].Float32())
		}
	case []float32:
		srcFlat := src.flat.([]float32)
		for i := range flat {
			flat[i] += srcFlat[i]
		}
	case []float64:
		srcFlat := src.flat.([]float64)
		for i := range flat {
			flat[i] += srcFlat[i]
		}
	}
}

// Float64s returns a copy of the buffer contents converted to float64, whatever the
// dtype. Meant for logging, tests and debugging.
func (b *Buffer) Float64s() []float64 {
	out := make([]float64, b.Len())
	switch flat := b.flat.(type) {
	case []float16.Float16:
		for i, v := range flat {
			out[i] = float64(v.Float32())
		}
	case []bfloat16.BFloat16:
		for i, v := range flat {
			out[i] = float64(v.Float32())
		}
	case []float32:
		for i, v := range flat {
			out[i] = float64(v)
		}
	case []float64:
		copy(out, flat)
	}
	return out
}

func (b *Buffer) assign(values []float64) {
	switch flat := b.flat.(type) {
	case []float16.Float16:
		for i, v := range values {
			flat[i] = float16.Fromfloat32(float32(v))
		}
	case []bfloat16.BFloat16:
		for i, v := range values {
			flat[i] = bfloat16.FromFloat32(float32(v))
		}
	case []float32:
		for i, v := range values {
			flat[i] = float32(v)
		}
	case []float64:
		copy(flat, values)
	}
}

func (b *Buffer) check(op string, other *Buffer) {
	if b.dtype != other.dtype {
		exceptions.Panicf("buffers.%s: inconsistent dtypes %s vs %s", op, b.dtype, other.dtype)
	}
	if b.Len() != other.Len() {
		exceptions.Panicf("buffers.%s: inconsistent lengths %d vs %d", op, b.Len(), other.Len())
	}
}
