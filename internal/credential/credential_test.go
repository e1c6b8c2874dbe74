package credential

import (
	"strings"
	"testing"
)

func TestHashAndCompareSecret(t *testing.T) {
	hash, err := HashSecret("opensesame")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if hash == "opensesame" {
		t.Fatal("hash must not equal plaintext")
	}

	ok, err := CompareSecret(hash, "opensesame")
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}
	ok, err = CompareSecret(hash, "wrong")
	if err != nil || ok {
		t.Fatalf("mismatch must be (false, nil), got ok=%v err=%v", ok, err)
	}
	ok, err = CompareSecret("", "anything")
	if err != nil || ok {
		t.Fatalf("empty hash must be (false, nil), got ok=%v err=%v", ok, err)
	}
}

func TestHashSecretRejectsEmpty(t *testing.T) {
	if _, err := HashSecret(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestNewTemporarySecret(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 20; i++ {
		secret, err := NewTemporarySecret()
		if err != nil {
			t.Fatalf("NewTemporarySecret: %v", err)
		}
		if len(secret) != 10 {
			t.Fatalf("expected 10 characters, got %q", secret)
		}
		for _, r := range secret {
			if !strings.ContainsRune(temporarySecretAlphabet, r) {
				t.Fatalf("character %q outside alphabet", r)
			}
		}
		seen[secret] = struct{}{}
	}
	if len(seen) < 2 {
		t.Fatal("temporary secrets should not repeat")
	}
}
