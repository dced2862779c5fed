package atom

import "testing"

func TestCanonicalizeKeyOrdering(t *testing.T) {
	v := map[string]any{"b": 1, "a": 2}
	b, err := Canonicalize(v)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(b) != `{"a":2,"b":1}` {
		t.Fatalf("unexpected canonical bytes: %s", b)
	}
}

func TestCanonicalizeRejectsFloats(t *testing.T) {
	v := map[string]any{"amount": 1.5}
	if _, err := Canonicalize(v); err == nil {
		t.Fatal("expected error for fractional number")
	}
}

func TestCanonicalizeAllowsIntegerFloats(t *testing.T) {
	v := map[string]any{"amount": 3.0}
	b, err := Canonicalize(v)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(b) != `{"amount":3}` {
		t.Fatalf("unexpected canonical bytes: %s", b)
	}
}

func TestCanonicalizeRoundTrip(t *testing.T) {
	v := map[string]any{"type": "entity.created", "entity_id": "E1", "n": 7}
	b1, err := Canonicalize(v)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	parsed, err := Parse(b1)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b2, err := Canonicalize(parsed)
	if err != nil {
		t.Fatalf("canonicalize(parse): %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("round-trip mismatch: %s != %s", b1, b2)
	}
}

func TestHashDeterministic(t *testing.T) {
	v := map[string]any{"a": 1}
	_, h1, err := HashAtom(v)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	_, h2, err := HashAtom(v)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s != %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestValidDecimalString(t *testing.T) {
	cases := map[string]bool{
		"0":       true,
		"-1.50":   true,
		"+3":      true,
		"1.":      false,
		"abc":     false,
		"1.2.3":   false,
		"-0.0001": true,
	}
	for in, want := range cases {
		if got := ValidDecimalString(in); got != want {
			t.Errorf("ValidDecimalString(%q) = %v, want %v", in, got, want)
		}
	}
}
