package tensor

import (
	"fmt"
	"unsafe"
)

// DType describes the element type of a matrix.
type DType int

const (
	F32 DType = iota
	F64
)

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case F32:
		return 4
	case F64:
		return 8
	default:
		panic("unknown dtype")
	}
}

func (d DType) String() string {
	switch d {
	case F32:
		return "float32"
	case F64:
		return "float64"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Layout describes the memory order of a matrix.
type Layout int

const (
	RowMajor Layout = iota
	ColMajor
)

func (l Layout) String() string {
	if l == ColMajor {
		return "col-major"
	}
	return "row-major"
}

// Device identifies where a matrix logically resides. Host is negative,
// accelerators are numbered from zero.
type Device int

// Host is the CPU memory device.
const Host Device = -1

// IsHost reports whether the device is host memory.
func (d Device) IsHost() bool { return d < 0 }

func (d Device) String() string {
	if d.IsHost() {
		return "host"
	}
	return fmt.Sprintf("accel:%d", int(d))
}

// Mat is a dense matrix of float32 or float64 values in row-major or
// column-major order.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows (row-major) or
// columns (column-major). Views created by Narrow and NarrowCols share
// storage with the parent matrix.
//
// Mat does not perform any memory safety beyond the checks performed by
// Go's slice types; out-of-range indices will panic.
type Mat struct {
	R, C   int
	Stride int
	Layout Layout
	DType  DType
	Dev    Device

	f32 []float32
	f64 []float64
}

// New allocates a zeroed row-major host matrix.
func New(r, c int, dtype DType) *Mat {
	return NewOnDevice(r, c, dtype, RowMajor, Host)
}

// NewColMajor allocates a zeroed column-major host matrix.
func NewColMajor(r, c int, dtype DType) *Mat {
	return NewOnDevice(r, c, dtype, ColMajor, Host)
}

// NewOnDevice allocates a zeroed matrix with the given layout, tagged as
// residing on dev. The caller is responsible for charging the allocation
// against the device's memory budget.
func NewOnDevice(r, c int, dtype DType, layout Layout, dev Device) *Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	stride := c
	if layout == ColMajor {
		stride = r
	}
	m := &Mat{R: r, C: c, Stride: stride, Layout: layout, DType: dtype, Dev: dev}
	switch dtype {
	case F32:
		m.f32 = make([]float32, r*c)
	case F64:
		m.f64 = make([]float64, r*c)
	default:
		panic("unknown dtype")
	}
	return m
}

// SameStride allocates a (r, c) matrix with the same layout as other, in
// the given dtype, tagged with dev.
func SameStride(r, c int, other *Mat, dtype DType, dev Device) *Mat {
	return NewOnDevice(r, c, dtype, other.Layout, dev)
}

// FromSlice32 wraps data in a row-major float32 host matrix. The slice
// must hold exactly r*c elements.
func FromSlice32(r, c int, data []float32) *Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return &Mat{R: r, C: c, Stride: c, Layout: RowMajor, DType: F32, Dev: Host, f32: data}
}

// FromSlice64 wraps data in a row-major float64 host matrix. The slice
// must hold exactly r*c elements.
func FromSlice64(r, c int, data []float64) *Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return &Mat{R: r, C: c, Stride: c, Layout: RowMajor, DType: F64, Dev: Host, f64: data}
}

// Bytes returns the storage size of the matrix in bytes.
func (m *Mat) Bytes() int64 {
	return int64(m.R) * int64(m.C) * int64(m.DType.Size())
}

// Data32 returns the float32 backing slice. Panics if the matrix holds
// float64 data.
func (m *Mat) Data32() []float32 {
	if m.DType != F32 {
		panic("Data32 on " + m.DType.String() + " matrix")
	}
	return m.f32
}

// Data64 returns the float64 backing slice. Panics if the matrix holds
// float32 data.
func (m *Mat) Data64() []float64 {
	if m.DType != F64 {
		panic("Data64 on " + m.DType.String() + " matrix")
	}
	return m.f64
}

// DataPtr returns the address of the first backing element. Two matrices
// with equal DataPtr share storage starting at the same offset.
func (m *Mat) DataPtr() unsafe.Pointer {
	switch m.DType {
	case F32:
		if len(m.f32) == 0 {
			return nil
		}
		return unsafe.Pointer(&m.f32[0])
	default:
		if len(m.f64) == 0 {
			return nil
		}
		return unsafe.Pointer(&m.f64[0])
	}
}

func (m *Mat) index(i, j int) int {
	if m.Layout == ColMajor {
		return j*m.Stride + i
	}
	return i*m.Stride + j
}

// At returns element (i, j) as float64 regardless of the storage dtype.
func (m *Mat) At(i, j int) float64 {
	if i < 0 || i >= m.R || j < 0 || j >= m.C {
		panic("matrix index out of range")
	}
	idx := m.index(i, j)
	if m.DType == F32 {
		return float64(m.f32[idx])
	}
	return m.f64[idx]
}

// Set stores v at element (i, j), truncating to float32 when needed.
func (m *Mat) Set(i, j int, v float64) {
	if i < 0 || i >= m.R || j < 0 || j >= m.C {
		panic("matrix index out of range")
	}
	idx := m.index(i, j)
	if m.DType == F32 {
		m.f32[idx] = float32(v)
	} else {
		m.f64[idx] = v
	}
}

// Narrow returns a view of length rows starting at row start. The view
// shares storage with m.
func (m *Mat) Narrow(start, length int) *Mat {
	if start < 0 || length < 0 || start+length > m.R {
		panic("narrow out of range")
	}
	v := *m
	v.R = length
	off := start
	if m.Layout == RowMajor {
		off = start * m.Stride
	}
	if m.DType == F32 {
		v.f32 = m.f32[off:]
	} else {
		v.f64 = m.f64[off:]
	}
	return &v
}

// NarrowCols returns a view of length columns starting at column start.
func (m *Mat) NarrowCols(start, length int) *Mat {
	if start < 0 || length < 0 || start+length > m.C {
		panic("narrow out of range")
	}
	v := *m
	v.C = length
	off := start
	if m.Layout == ColMajor {
		off = start * m.Stride
	}
	if m.DType == F32 {
		v.f32 = m.f32[off:]
	} else {
		v.f64 = m.f64[off:]
	}
	return &v
}

// CarveView returns an (r, c) view with tight strides into flat's
// storage starting at element offset, along with the offset past the
// view. flat must be a contiguous buffer of the requested dtype. Used to
// split one staging arena into per-tile buffers.
func CarveView(flat *Mat, offset, r, c int, layout Layout) (*Mat, int) {
	need := r * c
	v := &Mat{R: r, C: c, Layout: layout, DType: flat.DType, Dev: flat.Dev}
	v.Stride = c
	if layout == ColMajor {
		v.Stride = r
	}
	if flat.DType == F32 {
		v.f32 = flat.f32[offset : offset+need]
	} else {
		v.f64 = flat.f64[offset : offset+need]
	}
	return v, offset + need
}

// IsRowContig reports whether the matrix rows are singly contiguous.
func (m *Mat) IsRowContig() bool {
	return m.Layout == RowMajor && (m.Stride == m.C || m.R <= 1)
}

// IsColContig reports whether the matrix columns are singly contiguous.
func (m *Mat) IsColContig() bool {
	return m.Layout == ColMajor && (m.Stride == m.R || m.C <= 1)
}

// Contiguous reports whether the matrix is singly contiguous in either
// row-major or column-major order.
func (m *Mat) Contiguous() bool {
	return m.IsRowContig() || m.IsColContig()
}

// Row32 returns a view of the i-th row of a row-major float32 matrix.
func (m *Mat) Row32(i int) []float32 {
	if m.Layout != RowMajor {
		panic("Row32 on column-major matrix")
	}
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data32()[start : start+m.C]
}

// Row64 returns a view of the i-th row of a row-major float64 matrix.
func (m *Mat) Row64(i int) []float64 {
	if m.Layout != RowMajor {
		panic("Row64 on column-major matrix")
	}
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data64()[start : start+m.C]
}

// Fill sets every element to v.
func (m *Mat) Fill(v float64) {
	for i := 0; i < m.R; i++ {
		for j := 0; j < m.C; j++ {
			m.Set(i, j, v)
		}
	}
}

// Clone returns a deep copy of the matrix with tight strides.
func (m *Mat) Clone() *Mat {
	out := NewOnDevice(m.R, m.C, m.DType, m.Layout, m.Dev)
	CopyValues(out, m)
	return out
}

// AsType returns m converted to dtype. When the dtype already matches,
// m itself is returned.
func (m *Mat) AsType(dtype DType) *Mat {
	if m.DType == dtype {
		return m
	}
	out := NewOnDevice(m.R, m.C, dtype, m.Layout, m.Dev)
	CopyValues(out, m)
	return out
}

// CopyValues copies src into dst element by element, honoring strides and
// converting between dtypes. Shapes must match.
func CopyValues(dst, src *Mat) {
	if dst.R != src.R || dst.C != src.C {
		panic("copy shape mismatch")
	}
	if dst.DType == src.DType && dst.Layout == src.Layout {
		// Fast path over whole rows (or columns) of identical layout.
		major, minor := dst.R, dst.C
		if dst.Layout == ColMajor {
			major, minor = dst.C, dst.R
		}
		for i := 0; i < major; i++ {
			do, so := i*dst.Stride, i*src.Stride
			if dst.DType == F32 {
				copy(dst.f32[do:do+minor], src.f32[so:so+minor])
			} else {
				copy(dst.f64[do:do+minor], src.f64[so:so+minor])
			}
		}
		return
	}
	for i := 0; i < dst.R; i++ {
		for j := 0; j < dst.C; j++ {
			dst.Set(i, j, src.At(i, j))
		}
	}
}
