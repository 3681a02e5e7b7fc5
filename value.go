package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// ValueKind tags the union held by a Value.
type ValueKind byte

const (
	ValueNone ValueKind = iota
	ValueInt
	ValueDouble
	ValueString
)

func (k ValueKind) String() string {
	switch k {
	case ValueNone:
		return "none"
	case ValueInt:
		return "int"
	case ValueDouble:
		return "double"
	case ValueString:
		return "string"
	default:
		return "unknown"
	}
}

// Value is Tio's tagged union: a container entry is always key, value and
// metadata, and each of those three slots holds one Value. Only one of the
// typed fields is meaningful for a given Kind.
type Value struct {
	Kind ValueKind
	I    int64
	D    float64
	S    []byte
}

func NoneValue() Value               { return Value{Kind: ValueNone} }
func IntValue(v int64) Value         { return Value{Kind: ValueInt, I: v} }
func DoubleValue(v float64) Value    { return Value{Kind: ValueDouble, D: v} }
func StringValue(v []byte) Value     { return Value{Kind: ValueString, S: v} }
func StringValueStr(v string) Value  { return Value{Kind: ValueString, S: []byte(v)} }

func (v Value) IsNone() bool { return v.Kind == ValueNone }

func (v Value) String() string {
	switch v.Kind {
	case ValueNone:
		return ""
	case ValueInt:
		return fmt.Sprintf("%d", v.I)
	case ValueDouble:
		return fmt.Sprintf("%g", v.D)
	case ValueString:
		return string(v.S)
	default:
		return ""
	}
}

// Compare orders two values of the same kind. Values of differing kind are
// ordered by Kind, so range scans stay total-order even over a mixed
// container (a discipline meta-containers rely on).
func (v Value) Compare(other Value) int {
	if v.Kind != other.Kind {
		if v.Kind < other.Kind {
			return -1
		}
		return 1
	}
	switch v.Kind {
	case ValueInt:
		switch {
		case v.I < other.I:
			return -1
		case v.I > other.I:
			return 1
		default:
			return 0
		}
	case ValueDouble:
		switch {
		case v.D < other.D:
			return -1
		case v.D > other.D:
			return 1
		default:
			return 0
		}
	case ValueString:
		return bytes.Compare(v.S, other.S)
	default:
		return 0
	}
}

func (v Value) Equal(other Value) bool { return v.Compare(other) == 0 }

// EncodeBinary writes the wire form used by the binary protocol and the
// bbolt-backed containers: a one-byte kind tag followed by the type's fixed/variable
// payload (see SPEC_FULL.md §3.4 / Codec).
func (v Value) EncodeBinary(buf *bytes.Buffer) {
	buf.WriteByte(byte(v.Kind))
	switch v.Kind {
	case ValueNone:
	case ValueInt:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v.I))
		buf.Write(b[:])
	case ValueDouble:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v.D))
		buf.Write(b[:])
	case ValueString:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(len(v.S)))
		buf.Write(b[:])
		buf.Write(v.S)
	}
}

// DecodeValue reads a Value encoded by EncodeBinary, returning the number of
// bytes consumed.
func DecodeValue(data []byte) (Value, int, error) {
	if len(data) < 1 {
		return Value{}, 0, fmt.Errorf("tio: short value frame")
	}
	kind := ValueKind(data[0])
	switch kind {
	case ValueNone:
		return NoneValue(), 1, nil
	case ValueInt:
		if len(data) < 9 {
			return Value{}, 0, fmt.Errorf("tio: short int value frame")
		}
		return IntValue(int64(binary.LittleEndian.Uint64(data[1:9]))), 9, nil
	case ValueDouble:
		if len(data) < 9 {
			return Value{}, 0, fmt.Errorf("tio: short double value frame")
		}
		bits := binary.LittleEndian.Uint64(data[1:9])
		return DoubleValue(math.Float64frombits(bits)), 9, nil
	case ValueString:
		if len(data) < 5 {
			return Value{}, 0, fmt.Errorf("tio: short string value header")
		}
		n := int(binary.LittleEndian.Uint32(data[1:5]))
		if len(data) < 5+n {
			return Value{}, 0, fmt.Errorf("tio: short string value payload")
		}
		s := make([]byte, n)
		copy(s, data[5:5+n])
		return StringValue(s), 5 + n, nil
	default:
		return Value{}, 0, fmt.Errorf("tio: unknown value kind %d", kind)
	}
}

// Record is a single container entry: key, value and metadata, each a Value.
// Lists use an implicit, positional key: volatile_list entries carry a
// ValueNone Key, while persistent_list stores each entry's position in Key.
// Maps always carry an explicit Key.
type Record struct {
	Key      Value
	Data     Value
	Metadata Value
}
