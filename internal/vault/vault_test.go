package vault

import (
	"strings"
	"testing"
)

const testKey = "3132333435363738393031323334353637383930313233343536373839303132"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New(testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ct, err := v.Encrypt("JBSWY3DPEHPK3PXP")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ct == "JBSWY3DPEHPK3PXP" {
		t.Fatal("ciphertext equals plaintext")
	}

	pt, err := v.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if pt != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("round trip mismatch: %q", pt)
	}
}

func TestEncryptEmptyIsEmpty(t *testing.T) {
	v, err := New(testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ct, err := v.Encrypt("")
	if err != nil || ct != "" {
		t.Fatalf("expected empty round trip, got %q, %v", ct, err)
	}
	pt, err := v.Decrypt("")
	if err != nil || pt != "" {
		t.Fatalf("expected empty round trip, got %q, %v", pt, err)
	}
}

func TestDecryptTamperedFails(t *testing.T) {
	v, err := New(testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ct, err := v.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tampered := "A" + ct[1:]
	if tampered == ct {
		tampered = "B" + ct[1:]
	}
	if _, err := v.Decrypt(tampered); err == nil {
		t.Fatal("expected tampered ciphertext to fail")
	}
}

func TestNewRejectsShortKey(t *testing.T) {
	if _, err := New("abcd"); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestHashWithSaltIsDeterministic(t *testing.T) {
	a := HashWithSalt("123456", "mfa_attempt")
	b := HashWithSalt("123456", "mfa_attempt")
	if a != b {
		t.Fatal("hash not deterministic")
	}
	if a == HashWithSalt("123457", "mfa_attempt") {
		t.Fatal("different inputs hashed equal")
	}
	if len(a) != 64 {
		t.Fatalf("unexpected digest length %d", len(a))
	}
}

func TestGenerateBackupCodes(t *testing.T) {
	codes, err := GenerateBackupCodes(10)
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("expected 10 codes, got %d", len(codes))
	}
	seen := map[string]bool{}
	for _, c := range codes {
		if len(c) != 8 {
			t.Fatalf("code %q is not 8 chars", c)
		}
		if c != strings.ToUpper(c) {
			t.Fatalf("code %q is not uppercase", c)
		}
		if seen[c] {
			t.Fatalf("duplicate code %q", c)
		}
		seen[c] = true
	}
}
