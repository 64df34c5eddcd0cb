// Copyright 2024 The zaku Authors
// This file is part of the zaku library.
//
// The zaku library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The zaku library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the zaku library. If not, see <http://www.gnu.org/licenses/>.

package codec

import "fmt"

// DType identifies the element type of an NDArray.
type DType string

const (
	F16  DType = "f16"
	F32  DType = "f32"
	F64  DType = "f64"
	I8   DType = "i8"
	I16  DType = "i16"
	I32  DType = "i32"
	I64  DType = "i64"
	U8   DType = "u8"
	U16  DType = "u16"
	U32  DType = "u32"
	U64  DType = "u64"
	Bool DType = "bool"
)

var dtypeSize = map[DType]int{
	F16: 2, F32: 4, F64: 8,
	I8: 1, I16: 2, I32: 4, I64: 8,
	U8: 1, U16: 2, U32: 4, U64: 8,
	Bool: 1,
}

// Size returns the width of one element in bytes, or zero for an
// unknown dtype.
func (d DType) Size() int { return dtypeSize[d] }

// NDArray is a dense row-major numeric array. Data holds the raw
// element bytes in the platform-independent little-endian layout the
// producer wrote them in; the codec never reinterprets them.
type NDArray struct {
	DType DType
	Shape []int
	Data  []byte
}

// Elems returns the element count implied by the shape.
func (a *NDArray) Elems() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

func (a *NDArray) validate() error {
	size := a.DType.Size()
	if size == 0 {
		return fmt.Errorf("codec: unsupported dtype %q", a.DType)
	}
	for _, d := range a.Shape {
		if d < 0 {
			return fmt.Errorf("codec: negative dimension in shape %v", a.Shape)
		}
	}
	if want := a.Elems() * size; want != len(a.Data) {
		return fmt.Errorf("codec: ndarray data is %d bytes, shape %v of %s requires %d", len(a.Data), a.Shape, a.DType, want)
	}
	return nil
}

// Image is an encoded image blob. Format names the container ("png",
// "jpeg", ...). Shape is optional decoded-pixel metadata carried for
// the consumer's benefit; the codec does not inspect Data.
type Image struct {
	Format string
	Data   []byte
	Shape  []int
}
