package security

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestPasswordHasher_HashAndVerify(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost)

	hash, err := h.Hash("correct")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if hash == "correct" {
		t.Fatal("hash must not equal plaintext")
	}

	if !h.Verify("correct", hash) {
		t.Error("Verify() = false for matching password, want true")
	}
	if h.Verify("wrong", hash) {
		t.Error("Verify() = true for wrong password, want false")
	}
}

func TestPasswordHasher_SaltedHashesDiffer(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost)

	a, err := h.Hash("same-password")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	b, err := h.Hash("same-password")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if a == b {
		t.Error("two hashes of the same password should differ (salt)")
	}
}

func TestPasswordHasher_Verify_MalformedHashReturnsFalse(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost)

	tests := []struct {
		name string
		hash string
	}{
		{"空", ""},
		{"bcrypt形式でない", "not-a-hash"},
		{"途中で切れている", "$2a$04$abc"},
		{"平文と同じ", "correct"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if h.Verify("correct", tt.hash) {
				t.Errorf("Verify(%q) = true, want false", tt.hash)
			}
		})
	}
}

func TestNewPasswordHasher_ClampsCost(t *testing.T) {
	if got := NewPasswordHasher(1).Cost(); got != bcrypt.MinCost {
		t.Errorf("Cost() = %d, want %d", got, bcrypt.MinCost)
	}
	if got := NewPasswordHasher(bcrypt.MinCost + 1).Cost(); got != bcrypt.MinCost+1 {
		t.Errorf("Cost() = %d, want %d", got, bcrypt.MinCost+1)
	}
}

func TestPasswordHasher_DummyVerify_DoesNotPanic(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost)
	h.DummyVerify(strings.Repeat("x", 10))
}
