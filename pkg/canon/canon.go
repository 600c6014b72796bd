// Package canon implements canonical JSON serialization and
// content-addressing for the object model. Identical logical payloads
// must hash identically across runs, platforms, and language targets
// (spec.md §4.1), so every rule here is load-bearing for cross-language
// parity with the Rust agit-core reference
// (original_source/crates/agit-core/src/hash.rs).
package canon

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the type of content-addressed object being hashed,
// framed Git-style into the hash input so a blob and a commit with
// byte-identical canonical bytes never collide.
type Kind string

const (
	KindBlob   Kind = "blob"
	KindCommit Kind = "commit"
)

// Encode serializes an arbitrary JSON value (as produced by
// encoding/json.Unmarshal into interface{}, or by json.Marshal of a typed
// value round-tripped through json.RawMessage) into canonical bytes:
// UTF-8, object keys sorted by Unicode code point, no insignificant
// whitespace, numbers without trailing zeros or '+' on exponents, '-0'
// normalized to '0', and only the mandatory escapes.
func Encode(value any) ([]byte, error) {
	var buf strings.Builder
	if err := writeCanonical(&buf, value); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

// EncodeJSON re-canonicalizes an already-marshaled JSON document. This is
// the entry point used when a caller hands the module a json.RawMessage
// (e.g. AgentState.Memory) rather than a decoded interface{} tree.
func EncodeJSON(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return Encode(nil)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("canon: decode json: %w", err)
	}
	return Encode(v)
}

func writeCanonical(buf *strings.Builder, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		return writeString(buf, v)
	case json.Number:
		return writeNumber(buf, v)
	case float64:
		return writeNumber(buf, json.Number(strconv.FormatFloat(v, 'g', -1, 64)))
	case map[string]any:
		return writeObject(buf, v)
	case []any:
		return writeArray(buf, v)
	default:
		return fmt.Errorf("canon: unsupported value type %T", value)
	}
}

func writeObject(buf *strings.Builder, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeArray(buf *strings.Builder, arr []any) error {
	buf.WriteByte('[')
	for i, item := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonical(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// writeString escapes only the mandatory JSON control characters and the
// two required escapes (" and \), per spec.md §4.1 — it deliberately does
// not escape forward slashes or non-ASCII runes the way encoding/json's
// HTML-safe mode does, since that would change the canonical byte stream.
func writeString(buf *strings.Builder, s string) error {
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
	return nil
}

// writeNumber normalizes a number into the canonical form: no trailing
// zeros, no '+' on exponents, and '-0' collapsed to '0'.
func writeNumber(buf *strings.Builder, n json.Number) error {
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canon: invalid number %q: %w", n, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canon: number %q is not finite JSON", n)
	}
	if f == 0 {
		buf.WriteByte('0')
		return nil
	}

	s := n.String()
	// Integral values round-trip through json.Number without an
	// exponent or decimal point in the common case; when they do carry
	// one (e.g. "1e3"), re-render through the float formatter so 'e+'
	// becomes 'e' and trailing zeros drop.
	if f == math.Trunc(f) && !strings.ContainsAny(s, "eE.") {
		buf.WriteString(s)
		return nil
	}

	formatted := strconv.FormatFloat(f, 'g', -1, 64)
	formatted = strings.Replace(formatted, "e+", "e", 1)
	if formatted == "-0" {
		formatted = "0"
	}
	buf.WriteString(formatted)
	return nil
}

// Hash computes the SHA-256 hash of canonical bytes framed as
// "<kind> <len>\0<content>", matching the Rust reference's compute_hash.
func Hash(kind Kind, canonicalBytes []byte) [32]byte {
	h := sha256.New()
	fmt.Fprintf(h, "%s %d\x00", kind, len(canonicalBytes))
	h.Write(canonicalBytes)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HexString renders a 32-byte hash as 64 lowercase hex characters.
func HexString(h [32]byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range h {
		out[i*2] = hexdigits[b>>4]
		out[i*2+1] = hexdigits[b&0x0f]
	}
	return string(out)
}

// HashValue canonicalizes and hashes an arbitrary JSON value in one step,
// returning the hex digest. Used by the diff/merge package to compare
// values by hash; nothing is cached, so every call re-walks its value.
func HashValue(value any) (string, error) {
	b, err := Encode(value)
	if err != nil {
		return "", err
	}
	return HexString(Hash(KindBlob, b)), nil
}
