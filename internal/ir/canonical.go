package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical encodes v as canonical JSON.
// This is the ONLY encoding used for signatures and record ids.
//
// Compared with encoding/json:
//  1. object keys are sorted by UTF-16 code units
//  2. <, > and & are not HTML-escaped
//  3. strings and keys are NFC normalized, so visually identical inputs
//     produce the same bytes
//  4. there is no whitespace
func MarshalCanonical(v IRValue) ([]byte, error) {
	return writeValue(v, true)
}

// MustMarshalCanonical is like MarshalCanonical but panics on error.
// Use only in tests or with values known to be well formed.
func MustMarshalCanonical(v IRValue) []byte {
	data, err := MarshalCanonical(v)
	if err != nil {
		panic(err)
	}
	return data
}

func writeValue(v IRValue, canonical bool) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v, canonical); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v IRValue, canonical bool) error {
	switch val := v.(type) {
	case IRNull:
		buf.WriteString("null")
	case IRString:
		return encodeString(buf, string(val), canonical)
	case IRInt:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case IRBool:
		buf.WriteString(strconv.FormatBool(bool(val)))
	case IRArray:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, elem, canonical); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case IRObject:
		buf.WriteByte('{')
		for i, k := range val.SortedKeys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k, canonical); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encodeValue(buf, val[k], canonical); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		}
		buf.WriteByte('}')
	case nil:
		return fmt.Errorf("missing value")
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string, canonical bool) error {
	if canonical {
		s = norm.NFC.String(s)
	}

	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encode appends a newline.
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}
