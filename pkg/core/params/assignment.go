package params

import (
	"sort"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sharddp/pkg/support/sets"
	"github.com/gomlx/sharddp/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Assignment is the partition map consumed by the reducer: for each device, an ordered
// sequence (length = worldSize) of parameter lists. List r is owned by rank r, and each
// list is sorted ascending by element count.
//
// The ascending order is load-bearing: the reducer's one-pass greedy packing is only
// valid because the first parameter that doesn't fit guarantees none of the following
// ones fit either.
//
// An Assignment is created once from the current parameter set and never resized.
type Assignment struct {
	worldSize int
	perDevice map[DeviceNum][][]*Parameter

	devices     []DeviceNum // Sorted, so all ranks traverse devices in the same order.
	totalSize   map[DeviceNum]int
	deviceDType map[DeviceNum]dtypes.DType
}

// NewAssignment validates and wraps a per-device partition of parameters.
//
// For every device, perDevice must hold exactly worldSize lists (one per rank, possibly
// empty), each sorted ascending by element count. Every parameter must appear in exactly
// one rank's list, on exactly one device, and all parameters on a device must share one
// dtype -- mixing dtypes on a device is a configuration error.
func NewAssignment(worldSize int, perDevice map[DeviceNum][][]*Parameter) (*Assignment, error) {
	if worldSize <= 0 {
		return nil, errors.Errorf("worldSize must be positive, got %d", worldSize)
	}
	if len(perDevice) == 0 {
		return nil, errors.New("assignment must cover at least one device")
	}
	seen := sets.Make[*Parameter]()
	totalSize := make(map[DeviceNum]int, len(perDevice))
	deviceDType := make(map[DeviceNum]dtypes.DType, len(perDevice))
	for device, perRank := range perDevice {
		if len(perRank) != worldSize {
			return nil, errors.Errorf("device %d: got %d rank lists, want worldSize=%d",
				device, len(perRank), worldSize)
		}
		for rank, list := range perRank {
			for i, p := range list {
				if p == nil {
					return nil, errors.Errorf("device %d, rank %d: nil parameter at index %d", device, rank, i)
				}
				if p.Device() != device {
					return nil, errors.Errorf("parameter %q is on device %d but assigned to device %d",
						p.Name(), p.Device(), device)
				}
				if seen.Has(p) {
					return nil, errors.Errorf("parameter %q appears more than once in the assignment", p.Name())
				}
				seen.Insert(p)
				if dtype, found := deviceDType[device]; !found {
					deviceDType[device] = p.DType()
				} else if dtype != p.DType() {
					return nil, errors.Errorf("device %d mixes dtypes %s and %s: all parameters on a "+
						"device must share one dtype", device, dtype, p.DType())
				}
				if i > 0 && list[i-1].Size() > p.Size() {
					return nil, errors.Errorf("device %d, rank %d: parameters not sorted ascending by "+
						"size (%q has %d elements after %q with %d)",
						device, rank, p.Name(), p.Size(), list[i-1].Name(), list[i-1].Size())
				}
				totalSize[device] += p.Size()
			}
		}
		if totalSize[device] == 0 {
			return nil, errors.Errorf("device %d has no parameters assigned", device)
		}
	}
	return &Assignment{
		worldSize:   worldSize,
		perDevice:   perDevice,
		devices:     xslices.SortedKeys(perDevice),
		totalSize:   totalSize,
		deviceDType: deviceDType,
	}, nil
}

// Partition builds an Assignment from a flat list of parameters: a reference
// partitioner that greedily assigns each parameter (largest first) to the least loaded
// rank of its device, then sorts each rank's list ascending by size.
//
// It is deterministic for a given parameter list, so every rank running it over a
// structurally identical model produces the same assignment.
func Partition(worldSize int, parameters []*Parameter) (*Assignment, error) {
	if len(parameters) == 0 {
		return nil, errors.New("no parameters to partition")
	}
	byDevice := make(map[DeviceNum][]*Parameter)
	for _, p := range parameters {
		byDevice[p.Device()] = append(byDevice[p.Device()], p)
	}
	perDevice := make(map[DeviceNum][][]*Parameter, len(byDevice))
	for device, list := range byDevice {
		// Largest first, name as tie-breaker for determinism.
		sorted := append([]*Parameter(nil), list...)
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Size() != sorted[j].Size() {
				return sorted[i].Size() > sorted[j].Size()
			}
			return sorted[i].Name() < sorted[j].Name()
		})
		perRank := make([][]*Parameter, worldSize)
		loads := make([]int, worldSize)
		for _, p := range sorted {
			lightest := 0
			for rank := 1; rank < worldSize; rank++ {
				if loads[rank] < loads[lightest] {
					lightest = rank
				}
			}
			perRank[lightest] = append(perRank[lightest], p)
			loads[lightest] += p.Size()
		}
		for _, list := range perRank {
			sort.SliceStable(list, func(i, j int) bool { return list[i].Size() < list[j].Size() })
		}
		perDevice[device] = perRank
	}
	return NewAssignment(worldSize, perDevice)
}

// WorldSize returns the number of ranks the assignment partitions over.
func (a *Assignment) WorldSize() int { return a.worldSize }

// Devices returns the devices covered by the assignment, in sorted order.
// All ranks must traverse devices in this order so their communication schedules agree.
func (a *Assignment) Devices() []DeviceNum { return a.devices }

// PerRank returns the per-rank parameter lists for a device. List r is owned by rank r.
// The returned slices are the assignment's own, callers must not modify them.
func (a *Assignment) PerRank(device DeviceNum) [][]*Parameter { return a.perDevice[device] }

// TotalSize returns the total element count of all parameters on the device.
func (a *Assignment) TotalSize(device DeviceNum) int { return a.totalSize[device] }

// DType returns the (single) dtype of the parameters on the device.
func (a *Assignment) DType(device DeviceNum) dtypes.DType { return a.deviceDType[device] }
