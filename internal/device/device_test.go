package device

import (
	"errors"
	"testing"

	"github.com/mfkiwl/falkon/internal/tensor"
)

func TestBlockSizesExactCover(t *testing.T) {
	cases := []struct {
		name   string
		usable []int64
		n      int
	}{
		{"proportional", []int64{1 << 30, 2 << 30, 1 << 30}, 1000},
		{"single", []int64{512 << 20}, 37},
		{"zero readings", []int64{0, 0}, 10},
		{"one dead device", []int64{1 << 30, 0}, 100},
		{"more devices than rows", []int64{1 << 30, 1 << 30, 1 << 30}, 2},
	}
	for _, tc := range cases {
		bounds := BlockSizes(tc.usable, tc.n)
		if len(bounds) != len(tc.usable)+1 {
			t.Fatalf("%s: %d boundaries for %d devices", tc.name, len(bounds), len(tc.usable))
		}
		if bounds[0] != 0 || bounds[len(bounds)-1] != tc.n {
			t.Fatalf("%s: bounds %v do not cover [0,%d)", tc.name, bounds, tc.n)
		}
		for i := 1; i < len(bounds); i++ {
			if bounds[i] < bounds[i-1] {
				t.Fatalf("%s: bounds %v not monotone", tc.name, bounds)
			}
		}
	}
}

func TestBlockSizesProportional(t *testing.T) {
	bounds := BlockSizes([]int64{1 << 30, 3 << 30}, 400)
	if w := bounds[1] - bounds[0]; w != 100 {
		t.Fatalf("first device got %d rows, want 100", w)
	}
	if w := bounds[2] - bounds[1]; w != 300 {
		t.Fatalf("second device got %d rows, want 300", w)
	}
}

func TestTopologyAllocTracksCapacity(t *testing.T) {
	topo := NewTopology(nil).WithHostMemory(1 << 30)
	dev := topo.RegisterAccel("fake0", 1024)

	if err := topo.Alloc(dev, 1000); err != nil {
		t.Fatalf("alloc within capacity: %v", err)
	}
	err := topo.Alloc(dev, 100)
	var oom ErrDeviceOOM
	if !errors.As(err, &oom) {
		t.Fatalf("expected device OOM, got %v", err)
	}
	if oom.Free != 24 {
		t.Fatalf("OOM reports %d free, want 24", oom.Free)
	}
	topo.Free(dev, 1000)
	if err := topo.Alloc(dev, 1024); err != nil {
		t.Fatalf("alloc after free: %v", err)
	}

	// Host allocations are untracked and never fail.
	if err := topo.Alloc(tensor.Host, 1<<40); err != nil {
		t.Fatalf("host alloc: %v", err)
	}
}

func TestTopologyUnknownAccel(t *testing.T) {
	topo := NewTopology(nil)
	if _, err := topo.Accel(tensor.Device(3)); err == nil {
		t.Fatal("unknown device must error")
	}
	if topo.HasAccels() {
		t.Fatal("fresh topology has no accelerators")
	}
}

func TestStreamOrdering(t *testing.T) {
	s := NewStream(tensor.Device(0))
	defer s.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		s.enqueue(func() { got = append(got, i) })
	}
	s.Synchronize()

	if len(got) != 100 {
		t.Fatalf("ran %d ops, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("op %d ran out of order as %d", i, v)
		}
	}
}
