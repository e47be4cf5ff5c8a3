package keyring

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	plaintext := []byte("hi")
	ciphertext, err := Encrypt(kp.Public, plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if ciphertext == string(plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	decrypted, err := Decrypt(kp, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("expected %q, got %q", plaintext, decrypted)
	}
}

func TestEncryptDecrypt_MaxPayload(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	max := MaxPlaintext(kp.Public)
	if max != 190 {
		t.Fatalf("expected OAEP limit 190 for 2048-bit key, got %d", max)
	}

	plaintext := bytes.Repeat([]byte("x"), max)
	ciphertext, err := Encrypt(kp.Public, plaintext)
	if err != nil {
		t.Fatalf("Encrypt at limit failed: %v", err)
	}
	decrypted, err := Decrypt(kp, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt at limit failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("round trip at OAEP limit did not preserve plaintext")
	}
}

func TestEncrypt_PlaintextTooLarge(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	plaintext := bytes.Repeat([]byte("x"), MaxPlaintext(kp.Public)+1)
	_, err = Encrypt(kp.Public, plaintext)
	if err == nil {
		t.Fatal("expected error for oversize plaintext, got nil")
	}
	if !errors.Is(err, ErrPlaintextTooLarge) {
		t.Errorf("expected ErrPlaintextTooLarge, got %v", err)
	}
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	alice, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	bob, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// Encrypted for alice, decrypted by bob: must error, never return a
	// plausible wrong plaintext.
	ciphertext, err := Encrypt(alice.Public, []byte("for alice only"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := Decrypt(bob, ciphertext); err == nil {
		t.Fatal("expected decryption error with non-matching key, got nil")
	}
}

func TestDecrypt_InvalidBase64(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if _, err := Decrypt(kp, "not!!!base64"); err == nil {
		t.Fatal("expected error for invalid base64, got nil")
	}
}

func TestPublicKeyPEM_RoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	pemText, err := kp.PublicKeyPEM()
	if err != nil {
		t.Fatalf("PublicKeyPEM failed: %v", err)
	}
	if !strings.HasPrefix(pemText, "-----BEGIN PUBLIC KEY-----") {
		t.Fatalf("unexpected PEM header: %q", pemText[:40])
	}

	parsed, err := ParsePublicKey(pemText)
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}
	if parsed.N.Cmp(kp.Public.N) != 0 || parsed.E != kp.Public.E {
		t.Error("parsed public key does not match original")
	}

	// A key exported, parsed, and used to encrypt must still decrypt.
	ciphertext, err := Encrypt(parsed, []byte("via pem"))
	if err != nil {
		t.Fatalf("Encrypt with parsed key failed: %v", err)
	}
	decrypted, err := Decrypt(kp, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if string(decrypted) != "via pem" {
		t.Errorf("expected %q, got %q", "via pem", decrypted)
	}
}

func TestParsePublicKey_Invalid(t *testing.T) {
	tests := []struct {
		name string
		pem  string
	}{
		{"Empty", ""},
		{"NotPEM", "definitely not a key"},
		{"WrongBlockType", "-----BEGIN CERTIFICATE-----\nQUJD\n-----END CERTIFICATE-----\n"},
		{"GarbageDER", "-----BEGIN PUBLIC KEY-----\nQUJDREVG\n-----END PUBLIC KEY-----\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePublicKey(tt.pem); err == nil {
				t.Errorf("ParsePublicKey(%q) expected error, got nil", tt.name)
			}
		})
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	f1 := Fingerprint("some key text")
	f2 := Fingerprint("some key text")
	f3 := Fingerprint("other key text")

	if f1 != f2 {
		t.Errorf("fingerprint not deterministic: %s vs %s", f1, f2)
	}
	if f1 == f3 {
		t.Error("different keys produced the same fingerprint")
	}
	if len(f1) != 20 {
		t.Errorf("expected 20 hex chars, got %d", len(f1))
	}
}
