package shared

import (
	"testing"
)

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
	if result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedact_APIKey(t *testing.T) {
	input := `api_key=abcdef1234567890abcdef`
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_TokenUUID(t *testing.T) {
	input := "token: 01234567-89ab-cdef-0123-456789abcdef"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "math homework question about fractions"
	if result := Redact(input); result != input {
		t.Fatalf("expected no redaction, got %q", result)
	}
	if result := Redact(""); result != "" {
		t.Fatalf("empty input changed: %q", result)
	}
}

func TestRedactEnvValue(t *testing.T) {
	if got := RedactEnvValue("CLASSMESH_AUTH_TOKEN", "abc"); got != "[REDACTED]" {
		t.Fatalf("token key not redacted: %q", got)
	}
	if got := RedactEnvValue("CLASSMESH_BIND_ADDR", "127.0.0.1:18650"); got != "127.0.0.1:18650" {
		t.Fatalf("plain key redacted: %q", got)
	}
}
