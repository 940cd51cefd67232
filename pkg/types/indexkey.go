package types

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Order-preserving index key encoding. Values compare first by type tag
// (undefined < null < bool < number < string < array < object), then by
// value. Encoded keys compare bytewise in the same order as the source
// values, which lets storage order realize index order.
const (
	tagUndefined byte = 0x02
	tagNull      byte = 0x03
	tagFalse     byte = 0x04
	tagTrue      byte = 0x05
	tagNumber    byte = 0x06
	tagString    byte = 0x07
	tagArray     byte = 0x08
	tagObject    byte = 0x09
	tagID        byte = 0x0a

	terminator byte = 0x00
	escaped    byte = 0xff
)

// AppendIndexValue appends the order-preserving encoding of one JSON value.
func AppendIndexValue(buf []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(buf, tagNull), nil
	case bool:
		if x {
			return append(buf, tagTrue), nil
		}
		return append(buf, tagFalse), nil
	case float64:
		buf = append(buf, tagNumber)
		return appendOrderedFloat(buf, x), nil
	case int:
		buf = append(buf, tagNumber)
		return appendOrderedFloat(buf, float64(x)), nil
	case int64:
		buf = append(buf, tagNumber)
		return appendOrderedFloat(buf, float64(x)), nil
	case string:
		buf = append(buf, tagString)
		buf = appendEscaped(buf, []byte(x))
		return append(buf, terminator, terminator), nil
	case []any:
		buf = append(buf, tagArray)
		for _, el := range x {
			var err error
			buf, err = AppendIndexValue(buf, el)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, terminator, terminator), nil
	case Object:
		return appendIndexObject(buf, x)
	case map[string]any:
		return appendIndexObject(buf, x)
	default:
		return nil, fmt.Errorf("value of type %T is not indexable", v)
	}
}

func appendIndexObject(buf []byte, o map[string]any) ([]byte, error) {
	buf = append(buf, tagObject)
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf = appendEscaped(buf, []byte(k))
		buf = append(buf, terminator, terminator)
		var err error
		buf, err = AppendIndexValue(buf, o[k])
		if err != nil {
			return nil, err
		}
	}
	return append(buf, terminator, terminator), nil
}

// appendOrderedFloat encodes a float64 so byte order matches numeric order:
// flip the sign bit for non-negatives, flip every bit for negatives.
func appendOrderedFloat(buf []byte, f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], bits)
	return append(buf, raw[:]...)
}

// appendEscaped writes b with 0x00 escaped as 0x00 0xff so a 0x00 0x00
// terminator sorts below any continuation.
func appendEscaped(buf, b []byte) []byte {
	for _, c := range b {
		if c == terminator {
			buf = append(buf, terminator, escaped)
		} else {
			buf = append(buf, c)
		}
	}
	return buf
}

// IndexKeyForDocument computes the full index key of a document under the
// given indexed fields: the encoded field values followed by the internal id
// as the uniqueness tiebreak. The by_id index has no fields and reduces to
// the id alone.
func IndexKeyForDocument(fields []string, value Object, id InternalID) (IndexKey, error) {
	buf := make([]byte, 0, 64)
	for _, field := range fields {
		v, ok := lookupFieldPath(value, field)
		if !ok {
			v = undefinedValue{}
		}
		var err error
		if _, isUndef := v.(undefinedValue); isUndef {
			buf = append(buf, tagUndefined)
		} else {
			buf, err = AppendIndexValue(buf, v)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", field, err)
			}
		}
	}
	buf = append(buf, tagID)
	buf = append(buf, id[:]...)
	return IndexKey(buf), nil
}

type undefinedValue struct{}

// lookupFieldPath resolves a dotted field path inside a document.
func lookupFieldPath(value Object, path string) (any, bool) {
	var cur any = map[string]any(value)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			m, ok := cur.(map[string]any)
			if !ok {
				if o, isObj := cur.(Object); isObj {
					m = map[string]any(o)
				} else {
					return nil, false
				}
			}
			v, ok := m[path[start:i]]
			if !ok {
				return nil, false
			}
			cur = v
			start = i + 1
		}
	}
	return cur, true
}

// PrefixSuccessor returns the smallest key strictly greater than every key
// with the given prefix, or nil when no such key exists.
func PrefixSuccessor(prefix IndexKey) IndexKey {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xff {
			succ := append(IndexKey(nil), prefix[:i+1]...)
			succ[len(succ)-1]++
			return succ
		}
	}
	return nil
}

// IntervalForValuePrefix returns the interval of index keys whose encoded
// field values start with the given values (an equality scan on a field
// prefix of the index).
func IntervalForValuePrefix(values []any) (Interval, error) {
	buf := make([]byte, 0, 32)
	for _, v := range values {
		var err error
		buf, err = AppendIndexValue(buf, v)
		if err != nil {
			return Interval{}, err
		}
	}
	return Interval{Start: IndexKey(buf), End: PrefixSuccessor(IndexKey(buf))}, nil
}
