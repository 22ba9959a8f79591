package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	p, err := NewTokenProvider("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenProvider: %v", err)
	}
	token, err := p.Issue("alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := p.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "alice" {
		t.Fatalf("user wrong: %q", id.UserID)
	}
}

func TestVerifyRejectsForgedToken(t *testing.T) {
	p, _ := NewTokenProvider("test-secret", time.Hour)
	other, _ := NewTokenProvider("other-secret", time.Hour)

	token, _ := other.Issue("alice")
	if _, err := p.Verify(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign signature should fail, got %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	p, _ := NewTokenProvider("test-secret", time.Hour)
	token, _ := p.Issue("alice")

	parts := strings.SplitN(token, ".", 2)
	tampered := parts[0] + "x." + parts[1]
	if _, err := p.Verify(context.Background(), tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("tampered payload should fail, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	p, _ := NewTokenProvider("test-secret", time.Hour)
	p.ttl = -time.Minute
	token, _ := p.Issue("alice")
	if _, err := p.Verify(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token should fail, got %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	p, _ := NewTokenProvider("test-secret", time.Hour)
	for _, token := range []string{"", "no-dot", "a.b", "!!!.???"} {
		if _, err := p.Verify(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q should fail, got %v", token, err)
		}
	}
}

func TestIssueRejectsBadUserID(t *testing.T) {
	p, _ := NewTokenProvider("test-secret", time.Hour)
	if _, err := p.Issue(""); err == nil {
		t.Fatal("empty user id should fail")
	}
	if _, err := p.Issue("a:b"); err == nil {
		t.Fatal("user id with separator should fail")
	}
}

func TestEmptySecretRejected(t *testing.T) {
	if _, err := NewTokenProvider("", time.Hour); err == nil {
		t.Fatal("empty secret should fail")
	}
}

func TestStaticProvider(t *testing.T) {
	p := StaticProvider{"tok-1": "alice"}
	id, err := p.Verify(context.Background(), "tok-1")
	if err != nil || id.UserID != "alice" {
		t.Fatalf("got (%+v, %v)", id, err)
	}
	if _, err := p.Verify(context.Background(), "nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("unknown token should fail, got %v", err)
	}
}
