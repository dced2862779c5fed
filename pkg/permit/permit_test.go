package permit

import (
	"crypto/ed25519"
	"testing"
	"time"
)

func mustKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return pub, priv
}

func TestIssueAndVerifyHappyPath(t *testing.T) {
	pub, priv := mustKeys(t)
	issuer := NewIssuer(priv, pub)

	tok, err := issuer.Issue("runner-1", Scopes{TenantID: "t1", JobType: "build", Target: "runner-1"}, 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	tracker := NewNonceTracker()
	claims, err := Verify(pub, tracker, tok, "runner-1", time.Now())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Scopes.TenantID != "t1" {
		t.Fatalf("unexpected tenant %s", claims.Scopes.TenantID)
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	pub, priv := mustKeys(t)
	issuer := NewIssuer(priv, pub)
	tok, _ := issuer.Issue("runner-1", Scopes{}, 0)

	tracker := NewNonceTracker()
	if _, err := Verify(pub, tracker, tok, "runner-1", time.Now()); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	_, err := Verify(pub, tracker, tok, "runner-1", time.Now())
	if err == nil {
		t.Fatal("expected replay to be rejected")
	}
	if e, ok := err.(*Error); !ok || e.Code != ErrReplayed {
		t.Fatalf("expected ErrReplayed, got %v", err)
	}
}

func TestVerifyRejectsAudienceMismatch(t *testing.T) {
	pub, priv := mustKeys(t)
	issuer := NewIssuer(priv, pub)
	tok, _ := issuer.Issue("runner-1", Scopes{}, 0)

	tracker := NewNonceTracker()
	_, err := Verify(pub, tracker, tok, "runner-2", time.Now())
	if e, ok := err.(*Error); !ok || e.Code != ErrAudienceMismatch {
		t.Fatalf("expected ErrAudienceMismatch, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	pub, priv := mustKeys(t)
	issuer := NewIssuer(priv, pub)
	tok, _ := issuer.Issue("runner-1", Scopes{}, 10*time.Millisecond)

	tracker := NewNonceTracker()
	future := time.Now().Add(time.Hour)
	_, err := Verify(pub, tracker, tok, "runner-1", future)
	if e, ok := err.(*Error); !ok || e.Code != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestSubjectHashDeterministic(t *testing.T) {
	h1, err := SubjectHash(map[string]any{"a": 1, "b": "x"})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := SubjectHash(map[string]any{"b": "x", "a": 1})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatal("expected key-order-independent subject hash")
	}
}
