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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeScalars(t *testing.T) {
	doc := map[string]any{
		"null":  nil,
		"bool":  true,
		"int":   int64(-42),
		"float": 3.25,
		"str":   "hello",
		"bin":   []byte{0x00, 0x01, 0xff},
		"list":  []any{int64(1), "two", 3.0},
		"nested": map[string]any{
			"x": int64(7),
		},
	}
	enc, err := Encode(doc)
	require.NoError(t, err)

	got, err := Decode(enc)
	require.NoError(t, err)
	require.Equal(t, doc, got)
}

func TestEncodeNormalizesNumericTypes(t *testing.T) {
	enc, err := Encode(map[string]any{"a": 1, "b": uint16(2), "c": float32(0.5)})
	require.NoError(t, err)

	got, err := Decode(enc)
	require.NoError(t, err)
	require.Equal(t, int64(1), got["a"])
	require.Equal(t, int64(2), got["b"])
	require.Equal(t, 0.5, got["c"])
}

func TestNDArrayRoundTrip(t *testing.T) {
	arr := &NDArray{
		DType: F32,
		Shape: []int{2, 3},
		Data:  make([]byte, 2*3*4),
	}
	for i := range arr.Data {
		arr.Data[i] = byte(i)
	}

	enc, err := Encode(map[string]any{"x": arr})
	require.NoError(t, err)

	got, err := Decode(enc)
	require.NoError(t, err)
	require.Equal(t, arr, got["x"])
}

func TestNDArrayShapeMismatch(t *testing.T) {
	arr := &NDArray{DType: F64, Shape: []int{4}, Data: make([]byte, 7)}
	_, err := Encode(map[string]any{"x": arr})
	require.Error(t, err)
}

func TestNDArrayUnknownDType(t *testing.T) {
	arr := &NDArray{DType: "complex128", Shape: []int{1}, Data: make([]byte, 16)}
	_, err := Encode(map[string]any{"x": arr})
	require.Error(t, err)
}

func TestImageRoundTrip(t *testing.T) {
	img := &Image{Format: "png", Data: []byte("not-really-a-png"), Shape: []int{32, 32, 3}}
	enc, err := Encode(map[string]any{"frame": img, "step": int64(9)})
	require.NoError(t, err)

	got, err := Decode(enc)
	require.NoError(t, err)
	require.Equal(t, img, got["frame"])
	require.Equal(t, int64(9), got["step"])
}

// Re-encoding a decoded document must reproduce the original bytes.
func TestReEncodeIsByteStable(t *testing.T) {
	doc := map[string]any{
		"z":   "last",
		"a":   "first",
		"arr": &NDArray{DType: U8, Shape: []int{3}, Data: []byte{1, 2, 3}},
		"img": &Image{Format: "jpeg", Data: []byte{0xde, 0xad}},
		"m":   map[string]any{"k2": int64(2), "k1": int64(1)},
	}
	first, err := Encode(doc)
	require.NoError(t, err)

	decoded, err := Decode(first)
	require.NoError(t, err)

	second, err := Encode(decoded)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestDecodeRejectsUnknownZType(t *testing.T) {
	enc, err := marshal(map[string]any{"v": map[string]any{"ztype": "quaternion", "b": []byte{1}}})
	require.NoError(t, err)
	_, err = Decode(enc)
	require.Error(t, err)
}

func TestEncodeRejectsReservedKey(t *testing.T) {
	_, err := Encode(map[string]any{"v": map[string]any{"ztype": "ndarray"}})
	require.Error(t, err)
}

func TestEncodeRejectsForeignTypes(t *testing.T) {
	type opaque struct{ n int }
	_, err := Encode(map[string]any{"v": opaque{1}})
	require.Error(t, err)
}

func TestDecodeValueScalar(t *testing.T) {
	enc, err := EncodeValue("ok")
	require.NoError(t, err)
	v, err := DecodeValue(enc)
	require.NoError(t, err)
	require.Equal(t, "ok", v)
}
