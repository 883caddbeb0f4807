// Package sparse provides a compressed-row / compressed-column wrapper
// for 2D sparse matrices. It only supports the structural operations the
// blocked kernel engine needs (row slicing, transposition by metadata
// flip, dtype and device transfer); arithmetic on sparse data is defined
// by the kernel implementations.
package sparse

import (
	"errors"
	"fmt"

	"github.com/mfkiwl/falkon/internal/tensor"
)

// Format says whether a Matrix is row-compressed or column-compressed.
type Format int

const (
	CSR Format = iota
	CSC
)

func (f Format) String() string {
	if f == CSC {
		return "csc"
	}
	return "csr"
}

var (
	ErrBadIndexPtr  = errors.New("sparse: index pointer length does not match shape")
	ErrBadIndexData = errors.New("sparse: index and value lengths differ")
)

// Matrix is a sparse 2D matrix in CSR or CSC format.
//
// Ptr holds the row (CSR) or column (CSC) pointers, Ind the column (CSR)
// or row (CSC) indices of the stored values. Values are held in either
// float32 or float64 according to DType.
type Matrix struct {
	Ptr []int
	Ind []int

	DType tensor.DType
	Dev   tensor.Device

	f32 []float32
	f64 []float64

	rows, cols int
	format     Format
}

// New validates the compressed representation and wraps it in a Matrix.
func New(ptr, ind []int, vals32 []float32, vals64 []float64, rows, cols int, format Format) (*Matrix, error) {
	compressed := rows
	if format == CSC {
		compressed = cols
	}
	if len(ptr) != compressed+1 {
		return nil, fmt.Errorf("%w: got %d pointers for %d %s slots",
			ErrBadIndexPtr, len(ptr), compressed, format)
	}
	nnz := len(ind)
	dtype := tensor.F64
	if vals32 != nil {
		dtype = tensor.F32
		if len(vals32) != nnz {
			return nil, ErrBadIndexData
		}
	} else if len(vals64) != nnz {
		return nil, ErrBadIndexData
	}
	return &Matrix{
		Ptr: ptr, Ind: ind, f32: vals32, f64: vals64,
		DType: dtype, Dev: tensor.Host,
		rows: rows, cols: cols, format: format,
	}, nil
}

// NewCSR wraps float64 data in a CSR matrix, panicking on malformed input.
// Intended for construction sites that control their inputs.
func NewCSR(ptr, ind []int, vals []float64, rows, cols int) *Matrix {
	m, err := New(ptr, ind, nil, vals, rows, cols, CSR)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Matrix) Rows() int      { return m.rows }
func (m *Matrix) Cols() int      { return m.cols }
func (m *Matrix) Format() Format { return m.format }
func (m *Matrix) IsCSR() bool    { return m.format == CSR }
func (m *Matrix) IsCSC() bool    { return m.format == CSC }
func (m *Matrix) NNZ() int       { return len(m.Ind) }

// Density is the fraction of stored elements over the full shape.
func (m *Matrix) Density() float64 {
	if m.rows == 0 || m.cols == 0 {
		return 0
	}
	return float64(m.NNZ()) / (float64(m.rows) * float64(m.cols))
}

// Val returns the k-th stored value as float64.
func (m *Matrix) Val(k int) float64 {
	if m.DType == tensor.F32 {
		return float64(m.f32[k])
	}
	return m.f64[k]
}

// Vals32 returns the float32 value slice; panics on float64 data.
func (m *Matrix) Vals32() []float32 {
	if m.DType != tensor.F32 {
		panic("Vals32 on float64 sparse matrix")
	}
	return m.f32
}

// Vals64 returns the float64 value slice; panics on float32 data.
func (m *Matrix) Vals64() []float64 {
	if m.DType != tensor.F64 {
		panic("Vals64 on float32 sparse matrix")
	}
	return m.f64
}

// NarrowRows selects length contiguous rows starting at start. Only CSR
// data can be row-sliced; the pointer array indexes columns in CSC form.
// Storage is shared with the original whenever start is zero; otherwise
// the pointer array is rebased into a fresh slice.
func (m *Matrix) NarrowRows(start, length int) (*Matrix, error) {
	if m.IsCSC() {
		panic("sparse: NarrowRows on csc matrix")
	}
	if start < 0 || start > m.rows {
		return nil, fmt.Errorf("sparse: narrow start %d outside %d rows", start, m.rows)
	}
	if start+length > m.rows {
		return nil, fmt.Errorf("sparse: narrow end %d outside %d rows", start+length, m.rows)
	}
	end := start + length
	startPtr := m.Ptr[start]
	endPtr := m.Ptr[end]

	newPtr := m.Ptr[start : end+1]
	if start > 0 {
		rebased := make([]int, length+1)
		for i, p := range newPtr {
			rebased[i] = p - startPtr
		}
		newPtr = rebased
	}
	out := &Matrix{
		Ptr: newPtr, Ind: m.Ind[startPtr:endPtr],
		DType: m.DType, Dev: m.Dev,
		rows: length, cols: m.cols, format: m.format,
	}
	if m.DType == tensor.F32 {
		out.f32 = m.f32[startPtr:endPtr]
	} else {
		out.f64 = m.f64[startPtr:endPtr]
	}
	return out, nil
}

// TransposeCSC reinterprets a CSR matrix as the CSC representation of
// its transpose. No data moves.
func (m *Matrix) TransposeCSC() *Matrix {
	if m.IsCSC() {
		panic("sparse: TransposeCSC on matrix already in csc format")
	}
	out := *m
	out.rows, out.cols = m.cols, m.rows
	out.format = CSC
	return &out
}

// TransposeCSR reinterprets a CSC matrix as the CSR representation of
// its transpose. No data moves.
func (m *Matrix) TransposeCSR() *Matrix {
	if m.IsCSR() {
		panic("sparse: TransposeCSR on matrix already in csr format")
	}
	out := *m
	out.rows, out.cols = m.cols, m.rows
	out.format = CSR
	return &out
}

// ConvertToCSR re-compresses a CSC matrix into a true CSR layout of the
// same logical matrix. Device sparse-by-sparse products require both
// operands row-compressed, so staged column blocks go through this before
// transfer.
func (m *Matrix) ConvertToCSR() *Matrix {
	if m.IsCSR() {
		return m
	}
	nnz := m.NNZ()
	ptr := make([]int, m.rows+1)
	// Count entries per row, then prefix-sum into pointers.
	for _, r := range m.Ind {
		ptr[r+1]++
	}
	for i := 0; i < m.rows; i++ {
		ptr[i+1] += ptr[i]
	}
	ind := make([]int, nnz)
	next := make([]int, m.rows)
	copy(next, ptr[:m.rows])
	out := &Matrix{
		Ptr: ptr, Ind: ind,
		DType: m.DType, Dev: m.Dev,
		rows: m.rows, cols: m.cols, format: CSR,
	}
	if m.DType == tensor.F32 {
		out.f32 = make([]float32, nnz)
	} else {
		out.f64 = make([]float64, nnz)
	}
	for col := 0; col < m.cols; col++ {
		for k := m.Ptr[col]; k < m.Ptr[col+1]; k++ {
			row := m.Ind[k]
			dst := next[row]
			next[row]++
			ind[dst] = col
			if m.DType == tensor.F32 {
				out.f32[dst] = m.f32[k]
			} else {
				out.f64[dst] = m.f64[k]
			}
		}
	}
	return out
}

// To returns the matrix converted to dtype and tagged as residing on dev.
// When nothing changes, the receiver is returned unmodified.
func (m *Matrix) To(dtype tensor.DType, dev tensor.Device) *Matrix {
	if dtype == m.DType && dev == m.Dev {
		return m
	}
	out := *m
	out.Dev = dev
	if dtype != m.DType {
		out.DType = dtype
		if dtype == tensor.F32 {
			out.f32 = make([]float32, m.NNZ())
			out.f64 = nil
			for k := range out.f32 {
				out.f32[k] = float32(m.f64[k])
			}
		} else {
			out.f64 = make([]float64, m.NNZ())
			out.f32 = nil
			for k := range out.f64 {
				out.f64[k] = float64(m.f32[k])
			}
		}
	}
	return &out
}

// Bytes estimates the storage footprint of the matrix.
func (m *Matrix) Bytes() int64 {
	idxBytes := int64(len(m.Ptr)+len(m.Ind)) * 8
	return idxBytes + int64(m.NNZ())*int64(m.DType.Size())
}

// ToDense materializes the matrix into a dense row-major tensor of the
// given dtype. Used by tests and by the densified reference paths.
func (m *Matrix) ToDense(dtype tensor.DType) *tensor.Mat {
	out := tensor.New(m.rows, m.cols, dtype)
	if m.IsCSR() {
		for i := 0; i < m.rows; i++ {
			for k := m.Ptr[i]; k < m.Ptr[i+1]; k++ {
				out.Set(i, m.Ind[k], m.Val(k))
			}
		}
	} else {
		for j := 0; j < m.cols; j++ {
			for k := m.Ptr[j]; k < m.Ptr[j+1]; k++ {
				out.Set(m.Ind[k], j, m.Val(k))
			}
		}
	}
	return out
}

// FromDense compresses a dense row-major matrix into CSR form, dropping
// exact zeros.
func FromDense(m *tensor.Mat) *Matrix {
	ptr := make([]int, m.R+1)
	var ind []int
	var vals []float64
	for i := 0; i < m.R; i++ {
		for j := 0; j < m.C; j++ {
			if v := m.At(i, j); v != 0 {
				ind = append(ind, j)
				vals = append(vals, v)
			}
		}
		ptr[i+1] = len(ind)
	}
	out := NewCSR(ptr, ind, vals, m.R, m.C)
	if m.DType == tensor.F32 {
		return out.To(tensor.F32, m.Dev)
	}
	out.Dev = m.Dev
	return out
}
