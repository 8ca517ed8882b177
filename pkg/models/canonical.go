package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// Fields removed at every nesting level before canonicalization. These are
// computed or advisory and must never influence the record hash.
var droppedKeys = map[string]struct{}{
	"hash":            {},
	"computed_fields": {},
	"_comment":        {},
}

// Canonicalize returns the deterministic byte form of a JSON record: keys
// sorted recursively, array order preserved, UTF-8 without escaping non-ASCII,
// no inter-token whitespace, no trailing newline, numbers in their shortest
// value-preserving form. Integer and float literals stay distinct (10000 vs
// 10000.0) but value-equal spellings of each collapse (10000.00 == 10000.0).
func Canonicalize(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v, true); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HashRecord computes the lowercase 64-hex SHA-256 of the canonical form.
func HashRecord(raw json.RawMessage) (string, error) {
	canon, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalizeValue(buf *bytes.Buffer, v interface{}, topLevel bool) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeCanonicalString(buf, t)
	case json.Number:
		s, err := canonicalNumber(t)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := canonicalizeValue(buf, vv, false); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			if _, drop := droppedKeys[k]; drop {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			writeCanonicalString(buf, k)
			buf.WriteString(":")
			if err := canonicalizeValue(buf, t[k], false); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	default:
		return errors.New("unsupported json type")
	}
	return nil
}

// canonicalNumber renders integers via big.Int and everything else in the
// shortest decimal form that round-trips, so trailing zeros and exponent
// spellings collapse to one accepted rendering.
func canonicalNumber(n json.Number) (string, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		i := new(big.Int)
		if _, ok := i.SetString(s, 10); !ok {
			return "", errors.New("invalid number")
		}
		return i.String(), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", errors.New("invalid number")
	}
	out := strconv.FormatFloat(f, 'f', -1, 64)
	// Integral floats keep a trailing .0 (10000.00 renders as 10000.0),
	// so hashes recomputed by non-Go clients match byte for byte.
	if !strings.ContainsAny(out, ".eE") {
		out += ".0"
	}
	return out, nil
}

// writeCanonicalString emits a JSON string with minimal escaping: only the
// characters JSON requires (quote, backslash, control characters) are escaped and
// non-ASCII text passes through as UTF-8.
func writeCanonicalString(buf *bytes.Buffer, s string) {
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
				buf.WriteString("\\u")
				const hexDigits = "0123456789abcdef"
				buf.WriteByte('0')
				buf.WriteByte('0')
				buf.WriteByte(hexDigits[(r>>4)&0xf])
				buf.WriteByte(hexDigits[r&0xf])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// WithoutField returns raw with one top-level field removed. Used to exclude
// the signatures array from signature payload bytes.
func WithoutField(raw json.RawMessage, field string) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	delete(m, field)
	return json.Marshal(m)
}

// WithField returns raw with one top-level string field set. Used by the
// ledger to stamp previous_record_hash into payment entries at append time.
func WithField(raw json.RawMessage, field, value string) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	enc, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	m[field] = enc
	return json.Marshal(m)
}
