// Package canonical produces the deterministic byte encoding that audit
// entries are hashed over, and the digest functions applied to it.
//
// The encoding follows RFC 8785 (JSON Canonicalization Scheme) closely:
// object keys are ordered by UTF-16 code units, strings are hashed byte for
// byte and only minimally escaped, and there is no insignificant whitespace.
// Unicode normalization happens on ingest (Normalize, NFC), never inside the
// encoding, so two spellings of a string always produce different digests.
// Numbers deviate from RFC 8785 in one respect: any finite value that is an
// exact integer in the int64 range is rendered as an integer, so 5, int64(5),
// float64(5) and json.Number("5.0") all encode to the same bytes.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// Marshal returns the canonical JSON encoding of v.
//
// Supported inputs are nil, bool, string, every integer width, float32/64,
// json.Number, time.Time, []any, []string, map[string]any and
// map[string]string. Any other value is first passed through encoding/json
// and decoded back with UseNumber before being encoded.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Normalize converts v into the plain JSON value tree (map[string]any,
// []any, string, bool, json.Number, nil) that Marshal would see after a
// round trip through encoding/json, with every string and key in NFC.
// Storing the normalized form means a value read back from disk hashes
// identically to the one that was written.
func Normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalizing value: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("normalizing value: %w", err)
	}
	return nfcValue(out), nil
}

// NFC returns s in Unicode normalization form C.
func NFC(s string) string { return norm.NFC.String(s) }

func nfcValue(v any) any {
	switch val := v.(type) {
	case string:
		return NFC(val)
	case []any:
		for i, x := range val {
			val[i] = nfcValue(x)
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[NFC(k)] = nfcValue(x)
		}
		return out
	default:
		return v
	}
}

// NormalizeMap is Normalize for the common map case. A nil map normalizes to
// an empty, non-nil map so "absent" and "empty" never hash differently
// depending on how the caller spelled them.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return map[string]any{}, nil
	}
	v, err := Normalize(m)
	if err != nil {
		return nil, err
	}
	out, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("normalizing map: got %T", v)
	}
	return out, nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return encodeString(buf, val)
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case float32:
		return encodeFloat(buf, float64(val))
	case float64:
		return encodeFloat(buf, val)
	case json.Number:
		return encodeNumber(buf, val)
	case time.Time:
		// The offset is part of the value: a stored timestamp rewritten to
		// another zone must not hash the same.
		return encodeString(buf, val.Format(time.RFC3339Nano))
	case []any:
		return encodeArray(buf, len(val), func(i int) any { return val[i] })
	case []string:
		return encodeArray(buf, len(val), func(i int) any { return val[i] })
	case map[string]any:
		return encodeObject(buf, val)
	case map[string]string:
		obj := make(map[string]any, len(val))
		for k, s := range val {
			obj[k] = s
		}
		return encodeObject(buf, obj)
	default:
		plain, err := Normalize(v)
		if err != nil {
			return fmt.Errorf("unsupported type %T: %w", v, err)
		}
		return encode(buf, plain)
	}
	return nil
}

func encodeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite number %v cannot be canonicalized", f)
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", n.String(), err)
	}
	return encodeFloat(buf, f)
}

// encodeString writes s as a JSON string. HTML characters are left alone,
// and U+2028/U+2029 are emitted literally.
func encodeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	out := bytes.TrimSuffix(tmp.Bytes(), []byte("\n"))
	buf.Write(unescapeLineSeparators(out))
	return nil
}

// unescapeLineSeparators turns the \u2028 and \u2029 escapes that
// encoding/json always emits back into literal characters, leaving an
// escaped backslash followed by "u2028" untouched.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == '\\' && i+1 < len(data) {
			if i+5 < len(data) && data[i+1] == 'u' && data[i+2] == '2' && data[i+3] == '0' && data[i+4] == '2' &&
				(data[i+5] == '8' || data[i+5] == '9') {
				if data[i+5] == '8' {
					out = append(out, "\u2028"...)
				} else {
					out = append(out, "\u2029"...)
				}
				i += 5
				continue
			}
			// Any other escape: copy both bytes so an escaped backslash is
			// never mistaken for the start of a \u202x sequence.
			out = append(out, data[i], data[i+1])
			i++
			continue
		}
		out = append(out, data[i])
	}
	return out
}

func encodeArray(buf *bytes.Buffer, n int, at func(int) any) error {
	buf.WriteByte('[')
	for i := 0; i < n; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, at(i)); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		buf.WriteByte(':')
		if err := encode(buf, obj[k]); err != nil {
			return fmt.Errorf("%q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// compareUTF16 orders keys by UTF-16 code units. Go's native string
// comparison works on UTF-8 bytes, which disagrees for characters outside
// the Basic Multilingual Plane.
func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	for i := 0; i < len(a16) && i < len(b16); i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	return len(a16) - len(b16)
}
