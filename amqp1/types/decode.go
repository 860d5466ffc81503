// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"encoding/binary"
	"fmt"
	"math"
)

// maxDepth bounds nesting of compound values to keep hostile input from
// exhausting the stack.
const maxDepth = 32

// decoder walks an encoded buffer. Every read is bounds checked so malformed
// input yields an error instead of a panic or an oversized allocation.
type decoder struct {
	buf   []byte
	off   int
	depth int
}

// Decode decodes the first value in b and returns it together with the
// number of bytes consumed.
func Decode(b []byte) (any, int, error) {
	d := &decoder{buf: b}
	v, err := d.value()
	if err != nil {
		return nil, 0, err
	}
	return v, d.off, nil
}

// ReadListFields decodes a described list and returns the descriptor code
// and list fields. Performatives and SASL frames are all encoded this way.
func ReadListFields(b []byte) (uint64, []any, error) {
	v, _, err := Decode(b)
	if err != nil {
		return 0, nil, err
	}
	desc, ok := v.(*Described)
	if !ok {
		return 0, nil, fmt.Errorf("%w: got %T", ErrNotDescribed, v)
	}
	fields, ok := desc.Value.([]any)
	if !ok {
		return 0, nil, fmt.Errorf("%w: descriptor 0x%02x carries %T", ErrNotDescribed, desc.Descriptor, desc.Value)
	}
	return desc.Descriptor, fields, nil
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}

func (d *decoder) next(n int) ([]byte, error) {
	if n < 0 || n > d.remaining() {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, d.remaining())
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) u8() (uint8, error) {
	b, err := d.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u16() (uint16, error) {
	b, err := d.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.next(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *decoder) value() (any, error) {
	code, err := d.u8()
	if err != nil {
		return nil, err
	}
	return d.valueOf(code)
}

func (d *decoder) valueOf(code byte) (any, error) {
	switch code {
	case TypeNull:
		return nil, nil
	case TypeBoolTrue:
		return true, nil
	case TypeBoolFalse:
		return false, nil
	case TypeBool:
		b, err := d.u8()
		return b != 0, err
	case TypeUbyte:
		return d.u8()
	case TypeUshort:
		return d.u16()
	case TypeUint:
		return d.u32()
	case TypeUintSmall:
		b, err := d.u8()
		return uint32(b), err
	case TypeUint0:
		return uint32(0), nil
	case TypeUlong:
		return d.u64()
	case TypeUlongSmall:
		b, err := d.u8()
		return uint64(b), err
	case TypeUlong0:
		return uint64(0), nil
	case TypeByte:
		b, err := d.u8()
		return int8(b), err
	case TypeShort:
		v, err := d.u16()
		return int16(v), err
	case TypeInt:
		v, err := d.u32()
		return int32(v), err
	case TypeIntSmall:
		b, err := d.u8()
		return int32(int8(b)), err
	case TypeLong:
		v, err := d.u64()
		return int64(v), err
	case TypeLongSmall:
		b, err := d.u8()
		return int64(int8(b)), err
	case TypeFloat:
		v, err := d.u32()
		return math.Float32frombits(v), err
	case TypeDouble:
		v, err := d.u64()
		return math.Float64frombits(v), err
	case TypeTimestamp:
		v, err := d.u64()
		return TimestampFromMillis(int64(v)), err
	case TypeUUID:
		var u UUID
		b, err := d.next(16)
		if err != nil {
			return u, err
		}
		copy(u[:], b)
		return u, nil
	case TypeBinaryShort, TypeBinaryLong:
		b, err := d.variable(code == TypeBinaryLong)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), b...), nil
	case TypeStringShort, TypeStringLong:
		b, err := d.variable(code == TypeStringLong)
		return string(b), err
	case TypeSymbolShort, TypeSymbolLong:
		b, err := d.variable(code == TypeSymbolLong)
		return Symbol(b), err
	case TypeList0:
		return []any{}, nil
	case TypeList8, TypeList32:
		return d.list(code == TypeList32)
	case TypeMap8, TypeMap32:
		return d.mapValue(code == TypeMap32)
	case TypeArray8, TypeArray32:
		return d.array(code == TypeArray32)
	case TypeDescriptor:
		return d.described()
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, code)
	}
}

func (d *decoder) variable(long bool) ([]byte, error) {
	var n int
	if long {
		v, err := d.u32()
		if err != nil {
			return nil, err
		}
		n = int(v)
	} else {
		v, err := d.u8()
		if err != nil {
			return nil, err
		}
		n = int(v)
	}
	return d.next(n)
}

// header reads the size and count of a compound value and checks that the
// declared size is present in the buffer.
func (d *decoder) header(wide bool) (int, error) {
	var size, count int
	if wide {
		s, err := d.u32()
		if err != nil {
			return 0, err
		}
		c, err := d.u32()
		if err != nil {
			return 0, err
		}
		size, count = int(s), int(c)
		size -= 4
	} else {
		s, err := d.u8()
		if err != nil {
			return 0, err
		}
		c, err := d.u8()
		if err != nil {
			return 0, err
		}
		size, count = int(s), int(c)
		size--
	}
	if size < 0 || size > d.remaining() {
		return 0, fmt.Errorf("%w: compound size %d exceeds %d remaining", ErrTruncated, size, d.remaining())
	}
	// Every element takes at least one byte.
	if count > size+1 {
		return 0, fmt.Errorf("%w: count %d does not fit in %d bytes", ErrInvalidEncoding, count, size)
	}
	return count, nil
}

func (d *decoder) enter() error {
	d.depth++
	if d.depth > maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrInvalidEncoding, maxDepth)
	}
	return nil
}

func (d *decoder) list(wide bool) ([]any, error) {
	count, err := d.header(wide)
	if err != nil {
		return nil, err
	}
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer func() { d.depth-- }()

	items := make([]any, count)
	for i := range items {
		if items[i], err = d.value(); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (d *decoder) mapValue(wide bool) (map[any]any, error) {
	count, err := d.header(wide)
	if err != nil {
		return nil, err
	}
	if count%2 != 0 {
		return nil, fmt.Errorf("%w: map with odd element count %d", ErrInvalidEncoding, count)
	}
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer func() { d.depth-- }()

	m := make(map[any]any, count/2)
	for i := 0; i < count/2; i++ {
		key, err := d.value()
		if err != nil {
			return nil, err
		}
		val, err := d.value()
		if err != nil {
			return nil, err
		}
		switch key.(type) {
		case []any, map[any]any, []byte, *Described:
			return nil, fmt.Errorf("%w: unhashable map key %T", ErrInvalidEncoding, key)
		}
		m[key] = val
	}
	return m, nil
}

func (d *decoder) array(wide bool) ([]any, error) {
	count, err := d.header(wide)
	if err != nil {
		return nil, err
	}
	code, err := d.u8()
	if err != nil {
		return nil, err
	}
	if code == TypeDescriptor {
		return nil, fmt.Errorf("%w: described arrays are not supported", ErrInvalidEncoding)
	}
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer func() { d.depth-- }()

	items := make([]any, count)
	for i := range items {
		if items[i], err = d.valueOf(code); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (d *decoder) described() (*Described, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer func() { d.depth-- }()

	descVal, err := d.value()
	if err != nil {
		return nil, err
	}

	var descriptor uint64
	switch v := descVal.(type) {
	case uint64:
		descriptor = v
	case uint32:
		descriptor = uint64(v)
	case Symbol:
		// Symbolic descriptors are legal but unused by the connection layer.
		descriptor = 0
	default:
		return nil, fmt.Errorf("%w: descriptor of type %T", ErrInvalidEncoding, descVal)
	}

	value, err := d.value()
	if err != nil {
		return nil, err
	}
	return &Described{Descriptor: descriptor, Value: value}, nil
}
