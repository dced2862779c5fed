// Package atom implements canonical serialization and content-addressing for
// UBL atoms (C1): deterministic JSON bytes in, a BLAKE3 digest out.
package atom

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"sort"

	"golang.org/x/text/unicode/norm"
	"lukechampine.com/blake3"
)

// ErrInvalidAtom is returned when a value has no defined canonical encoding.
type ErrInvalidAtom struct {
	Path   string
	Reason string
}

func (e *ErrInvalidAtom) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("atom: invalid atom: %s", e.Reason)
	}
	return fmt.Sprintf("atom: invalid atom at %s: %s", e.Path, e.Reason)
}

// decimalPattern matches a canonical decimal string per spec §3 (used for
// any decimal-string field embedded inside an atom body; the atom transform
// itself rejects bare JSON floats outright).
var decimalPattern = regexp.MustCompile(`^[+-]?[0-9]+(\.[0-9]+)?$`)

const maxSafeInt = int64(1) << 53

// Canonicalize deterministically serializes v to its canonical bytes: object
// keys sorted lexicographically by UTF-8 code point, no insignificant
// whitespace, NFC-normalized UTF-8 strings, integer-only numbers in minimal
// decimal form, arrays left in their given order. Floats are rejected unless
// they represent an exact integer, per spec §4.1/§9 ("floats forbidden").
func Canonicalize(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("atom: pre-marshal failed: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("atom: decode failed: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic, ""); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the lowercase-hex BLAKE3 digest of canonical bytes. No domain
// tag is applied, per spec §3: "No domain separator."
func Hash(canonicalBytes []byte) string {
	sum := blake3.Sum256(canonicalBytes)
	return fmt.Sprintf("%x", sum[:])
}

// HashAtom canonicalizes v and returns (canonical_bytes, atom_hash).
func HashAtom(v any) ([]byte, string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return nil, "", err
	}
	return b, Hash(b), nil
}

func writeCanonical(buf *bytes.Buffer, v any, path string) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return writeCanonicalNumber(buf, t, path)
	case string:
		return writeCanonicalString(buf, t)
	case []any:
		return writeCanonicalArray(buf, t, path)
	case map[string]any:
		return writeCanonicalObject(buf, t, path)
	default:
		return &ErrInvalidAtom{Path: path, Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}

func writeCanonicalNumber(buf *bytes.Buffer, n json.Number, path string) error {
	s := n.String()
	if _, ok := new(big.Int).SetString(s, 10); ok {
		// Already a bare integer literal; minimal form requires no leading
		// zeros (aside from "0" itself) and no leading '+'.
		i, _ := new(big.Int).SetString(s, 10)
		buf.WriteString(i.String())
		return nil
	}

	// Non-integer literal (contains '.', 'e', or 'E'): only acceptable if it
	// represents an exact integer value, per spec's float prohibition.
	rat, ok := new(big.Rat).SetString(s)
	if !ok {
		return &ErrInvalidAtom{Path: path, Reason: fmt.Sprintf("unparseable number %q", s)}
	}
	if !rat.IsInt() {
		return &ErrInvalidAtom{Path: path, Reason: fmt.Sprintf("fractional number %q not allowed in atoms (floats forbidden)", s)}
	}
	i := rat.Num()
	if i.IsInt64() {
		v := i.Int64()
		if v > maxSafeInt || v < -maxSafeInt {
			return &ErrInvalidAtom{Path: path, Reason: fmt.Sprintf("integer %q outside safe range", s)}
		}
	}
	buf.WriteString(i.String())
	return nil
}

func writeCanonicalString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)
	enc, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("atom: string encode failed: %w", err)
	}
	buf.Write(enc)
	return nil
}

func writeCanonicalArray(buf *bytes.Buffer, arr []any, path string) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonical(buf, elem, fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func writeCanonicalObject(buf *bytes.Buffer, obj map[string]any, path string) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonicalString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, obj[k], path+"/"+k); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// ValidDecimalString reports whether s matches the canonical decimal form
// used for decimal-string fields embedded in an atom body (spec §3/§9).
func ValidDecimalString(s string) bool {
	return decimalPattern.MatchString(s)
}

// Parse decodes canonical bytes back into a generic value, for the round-trip
// law in spec §8: canonicalize(parse(canonicalize(v))) == canonicalize(v).
func Parse(canonicalBytes []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(canonicalBytes))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("atom: parse failed: %w", err)
	}
	return v, nil
}
