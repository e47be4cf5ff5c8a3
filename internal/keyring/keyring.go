// Package keyring implements the client side of the end-to-end encryption
// contract: per-session RSA keypair generation, SPKI-PEM public key export,
// and RSA-OAEP encryption/decryption of short messages. Private keys live
// only in process memory and are never serialized; the server sees nothing
// but the exported public key and opaque base64 ciphertext.
package keyring

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

// KeyBits is the RSA modulus size used for session keypairs.
const KeyBits = 2048

// pemBlockType is the PEM block type for SPKI-encoded public keys.
const pemBlockType = "PUBLIC KEY"

// ErrPlaintextTooLarge is returned by Encrypt when the plaintext exceeds the
// OAEP payload bound for the recipient's key (190 bytes at 2048 bits with
// SHA-256). Longer messages are a documented limitation of the protocol;
// there is no hybrid fallback.
var ErrPlaintextTooLarge = errors.New("keyring: plaintext exceeds OAEP limit for key")

// KeyPair holds one session's RSA keypair. The private key must never leave
// the process; only the PEM-exported public half is sent at registration.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// Generate creates a fresh 2048-bit RSA keypair for a session. Keypairs are
// regenerated on every connection; there is no durable identity across
// reconnects.
func Generate() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("keyring: generate keypair: %w", err)
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// PublicKeyPEM exports the public key as SPKI DER wrapped in a PEM block,
// the transmissible encoding sent in the register message.
func (kp *KeyPair) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(kp.Public)
	if err != nil {
		return "", fmt.Errorf("keyring: marshal public key: %w", err)
	}
	block := &pem.Block{Type: pemBlockType, Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// ParsePublicKey decodes an SPKI-PEM public key received in a presence
// snapshot. It rejects anything that is not an RSA public key.
func ParsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil || block.Type != pemBlockType {
		return nil, fmt.Errorf("keyring: no %q PEM block found", pemBlockType)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keyring: parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("keyring: unexpected key type %T, want RSA", key)
	}
	return rsaKey, nil
}

// MaxPlaintext returns the largest plaintext, in bytes, that can be encrypted
// under the given key with OAEP/SHA-256. For a 2048-bit key this is 190.
func MaxPlaintext(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// Encrypt encrypts plaintext directly under the recipient's public key with
// RSA-OAEP/SHA-256 and returns the ciphertext base64-encoded for the wire.
// Returns ErrPlaintextTooLarge if the plaintext exceeds the key's OAEP bound.
func Encrypt(pub *rsa.PublicKey, plaintext []byte) (string, error) {
	if len(plaintext) > MaxPlaintext(pub) {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrPlaintextTooLarge, len(plaintext), MaxPlaintext(pub))
	}
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return "", fmt.Errorf("keyring: encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decodes base64 ciphertext and decrypts it with the session's
// private key. Decryption under a non-matching key fails with an error; OAEP
// never yields a plausible wrong plaintext.
func Decrypt(kp *KeyPair, ciphertextB64 string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("keyring: decode ciphertext: %w", err)
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, kp.Private, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("keyring: decrypt: %w", err)
	}
	return plaintext, nil
}

// Fingerprint returns a short hex fingerprint of a PEM-encoded public key,
// used for logging and audit records instead of the full key text. The input
// is hashed as-is, so any opaque string yields a stable fingerprint.
func Fingerprint(pemText string) string {
	sum := sha256.Sum256([]byte(pemText))
	return hex.EncodeToString(sum[:10])
}
