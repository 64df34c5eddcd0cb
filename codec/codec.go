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

// Package codec implements the self-describing binary payload format.
//
// Payloads are heterogeneous documents: string-keyed maps whose values
// are nil, bool, int64, float64, string, []byte, []any lists, nested
// maps, or the typed extensions *NDArray and *Image. On the wire a
// document is a msgpack map; extensions travel as maps tagged with a
// "ztype" key so that any msgpack implementation can carry them.
//
// Encode is deterministic (map keys are sorted), so re-encoding a
// decoded document reproduces the original bytes.
package codec

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const ztypeKey = "ztype"

const (
	ztypeNDArray = "ndarray"
	ztypeImage   = "image"
)

// Encode serializes a payload document.
func Encode(doc map[string]any) ([]byte, error) {
	lowered, err := lower(doc)
	if err != nil {
		return nil, err
	}
	return marshal(lowered)
}

// Decode deserializes a payload document, materializing ztype-tagged
// maps back into *NDArray and *Image values.
func Decode(data []byte) (map[string]any, error) {
	v, err := DecodeValue(data)
	if err != nil {
		return nil, err
	}
	doc, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("codec: payload is %T, not a document", v)
	}
	return doc, nil
}

// EncodeValue serializes a single value from the codec domain. Most
// callers want Encode; this exists for envelope fields that carry bare
// scalars, such as publish receipts and auth credentials.
func EncodeValue(v any) ([]byte, error) {
	lowered, err := lower(v)
	if err != nil {
		return nil, err
	}
	return marshal(lowered)
}

// DecodeValue is the inverse of EncodeValue.
func DecodeValue(data []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	v, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	return raise(v)
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	return buf.Bytes(), nil
}

// lower rewrites extension values into their tagged wire form and
// rejects values outside the codec domain.
func lower(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string, []byte:
		return v, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	case float32:
		return float64(t), nil
	case float64:
		return t, nil
	case *NDArray:
		if err := t.validate(); err != nil {
			return nil, err
		}
		return map[string]any{
			ztypeKey: ztypeNDArray,
			"dtype":  string(t.DType),
			"shape":  intsToAny(t.Shape),
			"b":      t.Data,
		}, nil
	case *Image:
		m := map[string]any{
			ztypeKey: ztypeImage,
			"format": t.Format,
			"b":      t.Data,
		}
		if len(t.Shape) > 0 {
			m["shape"] = intsToAny(t.Shape)
		}
		return m, nil
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			lowered, err := lower(el)
			if err != nil {
				return nil, err
			}
			out[i] = lowered
		}
		return out, nil
	case map[string]any:
		if _, tagged := t[ztypeKey]; tagged {
			return nil, fmt.Errorf("codec: document key %q is reserved", ztypeKey)
		}
		out := make(map[string]any, len(t))
		for k, el := range t {
			lowered, err := lower(el)
			if err != nil {
				return nil, err
			}
			out[k] = lowered
		}
		return out, nil
	default:
		return nil, fmt.Errorf("codec: unsupported value type %T", v)
	}
}

// raise is the inverse of lower, converting tagged maps back into
// extension values.
func raise(v any) (any, error) {
	switch t := v.(type) {
	case []any:
		for i, el := range t {
			raised, err := raise(el)
			if err != nil {
				return nil, err
			}
			t[i] = raised
		}
		return t, nil
	case map[string]any:
		tag, _ := t[ztypeKey].(string)
		switch tag {
		case ztypeNDArray:
			return raiseNDArray(t)
		case ztypeImage:
			return raiseImage(t)
		case "":
			for k, el := range t {
				raised, err := raise(el)
				if err != nil {
					return nil, err
				}
				t[k] = raised
			}
			return t, nil
		default:
			return nil, fmt.Errorf("codec: unknown ztype %q", tag)
		}
	case map[any]any:
		// Foreign encoders may emit non-string map keys; the codec
		// domain forbids them.
		return nil, fmt.Errorf("codec: map keys must be strings")
	default:
		return v, nil
	}
}

func raiseNDArray(m map[string]any) (*NDArray, error) {
	dtype, _ := m["dtype"].(string)
	data, _ := m["b"].([]byte)
	shape, err := anyToInts(m["shape"])
	if err != nil {
		return nil, err
	}
	arr := &NDArray{DType: DType(dtype), Shape: shape, Data: data}
	if err := arr.validate(); err != nil {
		return nil, err
	}
	return arr, nil
}

func raiseImage(m map[string]any) (*Image, error) {
	format, _ := m["format"].(string)
	data, _ := m["b"].([]byte)
	if format == "" {
		return nil, fmt.Errorf("codec: image without format")
	}
	img := &Image{Format: format, Data: data}
	if raw, ok := m["shape"]; ok {
		shape, err := anyToInts(raw)
		if err != nil {
			return nil, err
		}
		img.Shape = shape
	}
	return img, nil
}

func intsToAny(in []int) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

func anyToInts(raw any) ([]int, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("codec: shape is %T, not a list", raw)
	}
	out := make([]int, len(list))
	for i, v := range list {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("codec: shape element is %T, not an integer", v)
		}
		out[i] = int(n)
	}
	return out, nil
}
