// Package canonical normalizes arbitrary JSON-shaped values into a
// deterministic byte form (RFC 8785 JSON Canonicalization Scheme) and hashes
// them with a versioned SHA-256 algorithm tag.
//
// Every row, config, and call payload recorded in the Landscape is hashed
// through this package. Two processes, on two machines, given the same
// logical value, must produce byte-identical canonical forms and identical
// digests.
package canonical

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
	"unicode/utf16"
)

// Version is the algorithm tag stored on every Run. Bump it whenever the
// normalization rules or serializer change.
const Version = "sha256-rfc8785-v1"

// ErrNonFinite is returned when a float value is NaN or ±Infinity anywhere
// in the value being canonicalized.
var ErrNonFinite = errors.New("canonical: non-finite float is not hashable")

// ErrUnsupportedType is returned when a value cannot be normalized into a
// JSON-shaped form.
var ErrUnsupportedType = errors.New("canonical: unsupported value type")

// Normalize recursively converts v into a tree of the primitive Go types
// that Marshal knows how to serialize: nil, bool, string, float64, int64,
// []any and map[string]any (the map always gets re-serialized with sorted
// keys by Marshal, so insertion order carries no meaning here).
//
// Supported inputs beyond the JSON primitives:
//   - time.Time: converted to UTC, emitted as ISO-8601 with a "+00:00" suffix.
//   - []byte: wrapped as {"__bytes__": "<base64>"}.
//   - int, int8..int64, uint..uint64: coerced to int64.
//   - float32: coerced to float64.
//   - map[string]any, []any, []string, []int, []float64: recursed.
//
// A nil interface, and the typed-nil sentinels Go callers sometimes pass for
// "intentionally missing" (a nil *time.Time, a nil []byte), normalize to
// JSON null.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return x, nil
	case string:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return int64(x), nil
	case float32:
		return normalizeFloat(float64(x))
	case float64:
		return normalizeFloat(x)
	case []byte:
		if x == nil {
			return nil, nil
		}
		return map[string]any{"__bytes__": base64.StdEncoding.EncodeToString(x)}, nil
	case time.Time:
		return x.UTC().Format("2006-01-02T15:04:05.999999999+00:00"), nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return x.UTC().Format("2006-01-02T15:04:05.999999999+00:00"), nil
	case []any:
		return normalizeSlice(x)
	case []string:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = e
		}
		return normalizeSlice(s)
	case []int:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = e
		}
		return normalizeSlice(s)
	case []float64:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = e
		}
		return normalizeSlice(s)
	case map[string]any:
		return normalizeMap(x)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, ErrNonFinite
	}
	return f, nil
}

func normalizeSlice(in []any) ([]any, error) {
	out := make([]any, len(in))
	for i, e := range in {
		n, err := Normalize(e)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func normalizeMap(in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for k, e := range in {
		n, err := Normalize(e)
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, nil
}

// Marshal normalizes v and serializes it per RFC 8785: object keys sorted
// lexicographically by their UTF-16 code units, no insignificant
// whitespace, shortest round-trippable number representation.
func Marshal(v any) ([]byte, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		encodeString(buf, x)
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	case float64:
		s, err := encodeFloat(x)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			a, b := utf16.Encode([]rune(keys[i])), utf16.Encode([]rune(keys[j]))
			for k := 0; k < len(a) && k < len(b); k++ {
				if a[k] != b[k] {
					return a[k] < b[k]
				}
			}
			return len(a) < len(b)
		})
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encode(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// encodeFloat renders f per JCS number rules: integral floats drop the
// fractional part, everything else uses the shortest decimal that
// round-trips (Go's strconv 'g' format with -1 precision already computes
// this).
func encodeFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", ErrNonFinite
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}
