package api

import (
	"testing"
)

func TestNewWorkerID(t *testing.T) {
	id := NewWorkerID()
	if !ValidateWorkerID(id) {
		t.Errorf("NewWorkerID() = %q, want valid worker ID", id)
	}
}

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	if !ValidateSessionID(id) {
		t.Errorf("NewSessionID() = %q, want valid session ID", id)
	}
}

func TestValidateWorkerID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"valid", "wrk_abcdefghijklmnopqrstuvwx", true},
		{"valid mixed case", "wrk_AbCdEfGhIjKlMnOpQrStUvWx", true},
		{"valid digits", "wrk_123456789012345678901234", true},
		{"wrong prefix", "sess_abcdefghijklmnopqrstuvwx", false},
		{"no prefix", "abcdefghijklmnopqrstuvwxyz1234", false},
		{"too short", "wrk_abc", false},
		{"too long", "wrk_abcdefghijklmnopqrstuvwxy", false},
		{"special chars", "wrk_abcdefghijklmnopqrstuv!@", false},
		{"empty", "", false},
		{"prefix only", "wrk_", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateWorkerID(tt.id); got != tt.want {
				t.Errorf("ValidateWorkerID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewWorkerID()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}
