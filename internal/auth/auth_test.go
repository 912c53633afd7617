package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewManagerWithEmptySecretIsNil(t *testing.T) {
	if NewManager("") != nil {
		t.Fatal("expected nil manager for empty secret")
	}
}

func TestGenerateVerifyRoundTrip(t *testing.T) {
	m := NewManager("test-secret")
	token, err := m.Generate("user-1", time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	claims, err := m.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("got subject %q, want user-1", claims.Subject)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	m1 := NewManager("secret-a")
	m2 := NewManager("secret-b")
	token, err := m1.Generate("user-1", time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := m2.Verify(token); err == nil {
		t.Fatal("expected verification to fail with mismatched secret")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := NewManager("test-secret")
	token, err := m.Generate("user-1", -time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := m.Verify(token); err == nil {
		t.Fatal("expected verification to fail for an expired token")
	}
}

func TestExtractTokenFromHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	if got := ExtractToken(r); got != "abc.def.ghi" {
		t.Fatalf("got %q, want abc.def.ghi", got)
	}
}

func TestExtractTokenFromQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=xyz", nil)
	if got := ExtractToken(r); got != "xyz" {
		t.Fatalf("got %q, want xyz", got)
	}
}

func TestIsHighPriorityNilManagerIsAlwaysFalse(t *testing.T) {
	var m *Manager
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if m.IsHighPriority(r) {
		t.Fatal("expected nil manager to never elevate priority")
	}
}

func TestIsHighPriorityFalseOnMissingToken(t *testing.T) {
	m := NewManager("test-secret")
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if m.IsHighPriority(r) {
		t.Fatal("expected no elevation without a token")
	}
}

func TestIsHighPriorityTrueOnValidToken(t *testing.T) {
	m := NewManager("test-secret")
	token, err := m.Generate("user-1", time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	if !m.IsHighPriority(r) {
		t.Fatal("expected elevation for a valid token")
	}
}
