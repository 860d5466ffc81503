// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Encoder accumulates AMQP encoded values. Writes to the underlying buffer
// cannot fail, so only values of unsupported Go types produce errors.
type Encoder struct {
	buf bytes.Buffer
}

// Bytes returns the encoded bytes.
func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

// Len returns the number of encoded bytes.
func (e *Encoder) Len() int {
	return e.buf.Len()
}

// Null writes a null value.
func (e *Encoder) Null() {
	e.buf.WriteByte(TypeNull)
}

// Bool writes a boolean value using compact encoding.
func (e *Encoder) Bool(v bool) {
	if v {
		e.buf.WriteByte(TypeBoolTrue)
		return
	}
	e.buf.WriteByte(TypeBoolFalse)
}

// Ubyte writes an unsigned byte.
func (e *Encoder) Ubyte(v uint8) {
	e.buf.Write([]byte{TypeUbyte, v})
}

// Ushort writes an unsigned 16-bit integer.
func (e *Encoder) Ushort(v uint16) {
	e.buf.WriteByte(TypeUshort)
	e.buf.Write(binary.BigEndian.AppendUint16(nil, v))
}

// Uint writes an unsigned 32-bit integer with small-encoding optimization.
func (e *Encoder) Uint(v uint32) {
	switch {
	case v == 0:
		e.buf.WriteByte(TypeUint0)
	case v <= math.MaxUint8:
		e.buf.Write([]byte{TypeUintSmall, byte(v)})
	default:
		e.buf.WriteByte(TypeUint)
		e.buf.Write(binary.BigEndian.AppendUint32(nil, v))
	}
}

// Ulong writes an unsigned 64-bit integer with small-encoding optimization.
func (e *Encoder) Ulong(v uint64) {
	switch {
	case v == 0:
		e.buf.WriteByte(TypeUlong0)
	case v <= math.MaxUint8:
		e.buf.Write([]byte{TypeUlongSmall, byte(v)})
	default:
		e.buf.WriteByte(TypeUlong)
		e.buf.Write(binary.BigEndian.AppendUint64(nil, v))
	}
}

// Byte writes a signed byte.
func (e *Encoder) Byte(v int8) {
	e.buf.Write([]byte{TypeByte, byte(v)})
}

// Short writes a signed 16-bit integer.
func (e *Encoder) Short(v int16) {
	e.buf.WriteByte(TypeShort)
	e.buf.Write(binary.BigEndian.AppendUint16(nil, uint16(v)))
}

// Int writes a signed 32-bit integer with small-encoding optimization.
func (e *Encoder) Int(v int32) {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		e.buf.Write([]byte{TypeIntSmall, byte(v)})
		return
	}
	e.buf.WriteByte(TypeInt)
	e.buf.Write(binary.BigEndian.AppendUint32(nil, uint32(v)))
}

// Long writes a signed 64-bit integer with small-encoding optimization.
func (e *Encoder) Long(v int64) {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		e.buf.Write([]byte{TypeLongSmall, byte(v)})
		return
	}
	e.buf.WriteByte(TypeLong)
	e.buf.Write(binary.BigEndian.AppendUint64(nil, uint64(v)))
}

// Float writes a 32-bit IEEE 754 float.
func (e *Encoder) Float(v float32) {
	e.buf.WriteByte(TypeFloat)
	e.buf.Write(binary.BigEndian.AppendUint32(nil, math.Float32bits(v)))
}

// Double writes a 64-bit IEEE 754 double.
func (e *Encoder) Double(v float64) {
	e.buf.WriteByte(TypeDouble)
	e.buf.Write(binary.BigEndian.AppendUint64(nil, math.Float64bits(v)))
}

// Timestamp writes a timestamp (milliseconds since Unix epoch).
func (e *Encoder) Timestamp(v Timestamp) {
	e.buf.WriteByte(TypeTimestamp)
	e.buf.Write(binary.BigEndian.AppendUint64(nil, uint64(v.Milliseconds())))
}

// UUID writes a 16-byte UUID.
func (e *Encoder) UUID(v UUID) {
	e.buf.WriteByte(TypeUUID)
	e.buf.Write(v[:])
}

// Binary writes a binary value.
func (e *Encoder) Binary(v []byte) {
	e.variable(TypeBinaryShort, TypeBinaryLong, v)
}

// String writes a UTF-8 string.
func (e *Encoder) String(v string) {
	e.variable(TypeStringShort, TypeStringLong, []byte(v))
}

// Symbol writes a symbolic value.
func (e *Encoder) Symbol(v Symbol) {
	e.variable(TypeSymbolShort, TypeSymbolLong, []byte(v))
}

func (e *Encoder) variable(short, long byte, v []byte) {
	if len(v) <= math.MaxUint8 {
		e.buf.Write([]byte{short, byte(len(v))})
	} else {
		e.buf.WriteByte(long)
		e.buf.Write(binary.BigEndian.AppendUint32(nil, uint32(len(v))))
	}
	e.buf.Write(v)
}

// Multiple writes an AMQP "multiple" symbol field: null when empty, a bare
// symbol for a single value and a symbol array otherwise.
func (e *Encoder) Multiple(symbols []Symbol) {
	switch len(symbols) {
	case 0:
		e.Null()
	case 1:
		e.Symbol(symbols[0])
	default:
		e.SymbolArray(symbols)
	}
}

// SymbolArray writes an array of symbols, using sym8 elements when every
// symbol fits and sym32 otherwise.
func (e *Encoder) SymbolArray(symbols []Symbol) {
	elemType := TypeSymbolShort
	for _, s := range symbols {
		if len(s) > math.MaxUint8 {
			elemType = TypeSymbolLong
			break
		}
	}

	var elems bytes.Buffer
	for _, s := range symbols {
		if elemType == TypeSymbolShort {
			elems.WriteByte(byte(len(s)))
		} else {
			elems.Write(binary.BigEndian.AppendUint32(nil, uint32(len(s))))
		}
		elems.WriteString(string(s))
	}

	// array32: constructor + size + count + element constructor + data
	e.buf.WriteByte(TypeArray32)
	e.buf.Write(binary.BigEndian.AppendUint32(nil, uint32(elems.Len()+5)))
	e.buf.Write(binary.BigEndian.AppendUint32(nil, uint32(len(symbols))))
	e.buf.WriteByte(elemType)
	e.buf.Write(elems.Bytes())
}

// SymbolMap writes a map with symbol keys. Keys are written in sorted order
// so encodings are deterministic.
func (e *Encoder) SymbolMap(m map[Symbol]any) error {
	keys := make([]Symbol, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var pairs Encoder
	for _, k := range keys {
		pairs.Symbol(k)
		if err := pairs.Any(m[k]); err != nil {
			return fmt.Errorf("map key %q: %w", k, err)
		}
	}
	e.compound(TypeMap8, TypeMap32, pairs.Bytes(), len(m)*2)
	return nil
}

// List writes a list of values.
func (e *Encoder) List(items []any) error {
	if len(items) == 0 {
		e.buf.WriteByte(TypeList0)
		return nil
	}
	var fields Encoder
	for i, v := range items {
		if err := fields.Any(v); err != nil {
			return fmt.Errorf("list item %d: %w", i, err)
		}
	}
	e.compound(TypeList8, TypeList32, fields.Bytes(), len(items))
	return nil
}

// compound writes a list or map header followed by the pre-encoded body.
// The 8-bit form is used when both size and count fit.
func (e *Encoder) compound(small, large byte, body []byte, count int) {
	if len(body)+1 <= math.MaxUint8 && count <= math.MaxUint8 {
		e.buf.Write([]byte{small, byte(len(body) + 1), byte(count)})
		e.buf.Write(body)
		return
	}
	e.buf.WriteByte(large)
	e.buf.Write(binary.BigEndian.AppendUint32(nil, uint32(len(body)+4)))
	e.buf.Write(binary.BigEndian.AppendUint32(nil, uint32(count)))
	e.buf.Write(body)
}

// Composite writes a described list: the descriptor code followed by the
// fields. Trailing null fields are omitted.
func (e *Encoder) Composite(descriptor uint64, fields ...any) error {
	n := len(fields)
	for n > 0 && isNull(fields[n-1]) {
		n--
	}
	e.buf.WriteByte(TypeDescriptor)
	e.Ulong(descriptor)
	return e.List(fields[:n])
}

// Any writes a Go value as the matching AMQP type.
func (e *Encoder) Any(v any) error {
	if isNull(v) {
		e.Null()
		return nil
	}
	switch val := v.(type) {
	case bool:
		e.Bool(val)
	case uint8:
		e.Ubyte(val)
	case uint16:
		e.Ushort(val)
	case uint32:
		e.Uint(val)
	case uint64:
		e.Ulong(val)
	case int8:
		e.Byte(val)
	case int16:
		e.Short(val)
	case int32:
		e.Int(val)
	case int64:
		e.Long(val)
	case int:
		e.Long(int64(val))
	case float32:
		e.Float(val)
	case float64:
		e.Double(val)
	case string:
		e.String(val)
	case Symbol:
		e.Symbol(val)
	case []byte:
		e.Binary(val)
	case UUID:
		e.UUID(val)
	case Timestamp:
		e.Timestamp(val)
	case []Symbol:
		e.Multiple(val)
	case map[Symbol]any:
		return e.SymbolMap(val)
	case map[string]any:
		m := make(map[Symbol]any, len(val))
		for k, v := range val {
			m[Symbol(k)] = v
		}
		return e.SymbolMap(m)
	case []any:
		return e.List(val)
	case *Described:
		return e.described(val)
	case Described:
		return e.described(&val)
	default:
		return fmt.Errorf("%w: unsupported Go type %T", ErrInvalidEncoding, v)
	}
	return nil
}

func (e *Encoder) described(d *Described) error {
	if fields, ok := d.Value.([]any); ok {
		return e.Composite(d.Descriptor, fields...)
	}
	e.buf.WriteByte(TypeDescriptor)
	e.Ulong(d.Descriptor)
	return e.Any(d.Value)
}

// isNull reports whether v encodes as AMQP null.
func isNull(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case *Described:
		return val == nil
	case []Symbol:
		return len(val) == 0
	case []byte:
		return val == nil
	case map[Symbol]any:
		return val == nil
	case map[string]any:
		return val == nil
	default:
		return false
	}
}

// EncodeComposite encodes a described list into a new byte slice.
func EncodeComposite(descriptor uint64, fields ...any) ([]byte, error) {
	var e Encoder
	if err := e.Composite(descriptor, fields...); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}
