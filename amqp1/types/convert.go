// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import "math"

// Field returns fields[i], or nil when the list is shorter than i+1.
// Absent trailing fields are equivalent to null.
func Field(fields []any, i int) any {
	if i < 0 || i >= len(fields) {
		return nil
	}
	return fields[i]
}

// AsUint32 converts any unsigned integer value to uint32.
func AsUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case uint8:
		return uint32(n), true
	case uint16:
		return uint32(n), true
	case uint32:
		return n, true
	case uint64:
		if n > math.MaxUint32 {
			return 0, false
		}
		return uint32(n), true
	default:
		return 0, false
	}
}

// AsUint16 converts any unsigned integer value to uint16.
func AsUint16(v any) (uint16, bool) {
	n, ok := AsUint32(v)
	if !ok || n > math.MaxUint16 {
		return 0, false
	}
	return uint16(n), true
}

// AsUint64 converts any unsigned integer value to uint64.
func AsUint64(v any) (uint64, bool) {
	if n, ok := v.(uint64); ok {
		return n, true
	}
	n, ok := AsUint32(v)
	return uint64(n), ok
}

// AsString accepts strings and symbols.
func AsString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case Symbol:
		return string(s), true
	default:
		return "", false
	}
}

// AsSymbol accepts symbols and strings.
func AsSymbol(v any) (Symbol, bool) {
	s, ok := AsString(v)
	return Symbol(s), ok
}

// AsSymbols decodes a "multiple" symbol field, which peers send either as a
// single symbol or as an array.
func AsSymbols(v any) []Symbol {
	switch s := v.(type) {
	case nil:
		return nil
	case Symbol:
		return []Symbol{s}
	case string:
		return []Symbol{Symbol(s)}
	case []Symbol:
		return s
	case []any:
		out := make([]Symbol, 0, len(s))
		for _, item := range s {
			if sym, ok := AsSymbol(item); ok {
				out = append(out, sym)
			}
		}
		return out
	default:
		return nil
	}
}

// AsSymbolMap converts a decoded map to one keyed by symbols. Entries with
// non-symbol keys are dropped.
func AsSymbolMap(v any) map[Symbol]any {
	switch m := v.(type) {
	case map[Symbol]any:
		return m
	case map[any]any:
		out := make(map[Symbol]any, len(m))
		for k, val := range m {
			if sym, ok := AsSymbol(k); ok {
				out[sym] = val
			}
		}
		return out
	default:
		return nil
	}
}

// AsBinary returns v as bytes when it is binary.
func AsBinary(v any) ([]byte, bool) {
	b, ok := v.([]byte)
	return b, ok
}
