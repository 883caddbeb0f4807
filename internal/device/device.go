// Package device models the compute devices available to the blocked
// kernel engine: the host plus zero or more accelerators with bounded,
// tracked memory. A Topology is an explicit value passed into the
// orchestrator at call time; nothing in this package is process-global.
package device

import (
	"fmt"
	"sync"

	"github.com/mfkiwl/falkon/internal/logger"
	"github.com/mfkiwl/falkon/internal/tensor"
)

// DefaultSlack is the fraction of device memory reserved against
// fragmentation when sizing blocks.
const DefaultSlack = 0.1

// fallbackHostMemory is used when the OS free-memory query is
// unavailable: 4 GiB, small enough to force blocking on big problems.
const fallbackHostMemory = 4 << 30

// ErrDeviceOOM is returned when an allocation exceeds an accelerator's
// remaining capacity.
type ErrDeviceOOM struct {
	Dev       tensor.Device
	Requested int64
	Free      int64
}

func (e ErrDeviceOOM) Error() string {
	return fmt.Sprintf("device %s out of memory: requested %d bytes, %d free",
		e.Dev, e.Requested, e.Free)
}

// Accel is one accelerator device with a fixed memory capacity. Buffers
// staged on an accelerator are charged against its capacity so that
// exhaustion surfaces as ErrDeviceOOM rather than unbounded host growth.
type Accel struct {
	id    tensor.Device
	name  string
	total int64

	mu   sync.Mutex
	used int64
}

// ID returns the device tag used by tensors resident on this accelerator.
func (a *Accel) ID() tensor.Device { return a.id }

// Name returns the accelerator's display name.
func (a *Accel) Name() string { return a.name }

// TotalMemory returns the configured capacity in bytes.
func (a *Accel) TotalMemory() int64 { return a.total }

// FreeMemory returns capacity minus current allocations.
func (a *Accel) FreeMemory() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total - a.used
}

// UsableMemory returns free memory minus the safety slack fraction.
func (a *Accel) UsableMemory(slack float64) int64 {
	free := a.FreeMemory()
	return int64(float64(free) * (1 - slack))
}

func (a *Accel) alloc(bytes int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.used+bytes > a.total {
		return ErrDeviceOOM{Dev: a.id, Requested: bytes, Free: a.total - a.used}
	}
	a.used += bytes
	return nil
}

func (a *Accel) free(bytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used -= bytes
	if a.used < 0 {
		a.used = 0
	}
}

// Topology enumerates the devices available to one solve. The host is
// always present; accelerators are registered explicitly.
type Topology struct {
	log     logger.Logger
	hostMem int64
	accels  []*Accel
}

// NewTopology builds a host-only topology, querying free host memory
// from the operating system.
func NewTopology(log logger.Logger) *Topology {
	if log == nil {
		log = logger.Discard()
	}
	return &Topology{log: log, hostMem: hostFreeMemory()}
}

// WithHostMemory overrides the detected host memory budget, e.g. from a
// configured limit.
func (t *Topology) WithHostMemory(bytes int64) *Topology {
	t.hostMem = bytes
	return t
}

// HostMemory returns the host memory budget in bytes.
func (t *Topology) HostMemory() int64 { return t.hostMem }

// RegisterAccel adds an accelerator with the given capacity and returns
// its device tag.
func (t *Topology) RegisterAccel(name string, capacity int64) tensor.Device {
	id := tensor.Device(len(t.accels))
	t.accels = append(t.accels, &Accel{id: id, name: name, total: capacity})
	t.log.Debug("registered accelerator", "device", id, "name", name, "capacity", capacity)
	return id
}

// Accels returns the registered accelerators in registration order.
func (t *Topology) Accels() []*Accel { return t.accels }

// HasAccels reports whether any accelerator is registered.
func (t *Topology) HasAccels() bool { return len(t.accels) > 0 }

// Accel returns the accelerator with the given device tag.
func (t *Topology) Accel(dev tensor.Device) (*Accel, error) {
	if dev.IsHost() || int(dev) >= len(t.accels) {
		return nil, fmt.Errorf("device: no accelerator %s in topology", dev)
	}
	return t.accels[dev], nil
}

// Alloc charges bytes against dev. Host allocations are not tracked.
func (t *Topology) Alloc(dev tensor.Device, bytes int64) error {
	if dev.IsHost() {
		return nil
	}
	a, err := t.Accel(dev)
	if err != nil {
		return err
	}
	return a.alloc(bytes)
}

// Free releases a previous Alloc charge.
func (t *Topology) Free(dev tensor.Device, bytes int64) {
	if dev.IsHost() {
		return
	}
	if a, err := t.Accel(dev); err == nil {
		a.free(bytes)
	}
}

// BlockSizes partitions [0, N) into contiguous blocks proportional to
// the given per-device usable memory. The result has len(usable)+1
// cumulative boundaries: device i owns rows [out[i], out[i+1]). Devices
// whose proportional share rounds to nothing receive an empty range.
// The partition is deterministic in its inputs.
func BlockSizes(usable []int64, n int) []int {
	bounds := make([]int, len(usable)+1)
	var total int64
	for _, u := range usable {
		if u > 0 {
			total += u
		}
	}
	if total == 0 {
		// Degenerate readings: fall back to an even split.
		for i := range usable {
			bounds[i+1] = (n * (i + 1)) / len(usable)
		}
		bounds[len(usable)] = n
		return bounds
	}
	var cum int64
	for i, u := range usable {
		if u > 0 {
			cum += u
		}
		b := int(int64(n) * cum / total)
		if b > n {
			b = n
		}
		bounds[i+1] = b
	}
	bounds[len(usable)] = n
	return bounds
}
