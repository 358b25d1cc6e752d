package secretbox

import (
	"strings"
	"testing"
)

func testBox() *Box {
	return New(strings.Repeat("k", 32))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	b := testBox()

	plaintext := []byte("hunter2-super-secret-password")
	envelope, err := b.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := b.Decrypt(envelope)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestResolve_Plaintext(t *testing.T) {
	b := testBox()

	got, err := b.Resolve("short")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "short" {
		t.Fatalf("expected plaintext passthrough, got %q", got)
	}
}

func TestResolve_Ciphertext(t *testing.T) {
	b := testBox()

	envelope, err := b.Encrypt([]byte("p@ssw0rd!"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := b.Resolve(envelope)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "p@ssw0rd!" {
		t.Fatalf("expected decrypted value, got %q", got)
	}
}

func TestLooksLikeCiphertext(t *testing.T) {
	b := testBox()
	envelope, err := b.Encrypt([]byte("x"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if !LooksLikeCiphertext(envelope) {
		t.Fatalf("expected envelope to look like ciphertext")
	}
	if LooksLikeCiphertext("plainpassword") {
		t.Fatalf("expected short plain value not to look like ciphertext")
	}
	if LooksLikeCiphertext("not-base64!!!") {
		t.Fatalf("expected invalid base64 not to look like ciphertext")
	}
}

func TestDecrypt_RejectsNonCiphertext(t *testing.T) {
	b := testBox()
	if _, err := b.Decrypt("plaintext"); err == nil {
		t.Fatalf("expected error decrypting non-ciphertext value")
	}
}
