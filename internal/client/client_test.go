package client

import (
	"testing"

	"github.com/securechat/relay/internal/keyring"
	"github.com/securechat/relay/internal/protocol"
)

func TestDecrypt_Roundtrip(t *testing.T) {
	keys, err := keyring.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	ciphertext, err := keyring.Encrypt(keys.Public, []byte("see you at 7"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	c := &Client{keys: keys}
	in := c.decrypt(protocol.ReceiveMessageMsg{
		From:             "s-alice",
		EncryptedMessage: ciphertext,
		Timestamp:        "12:30:00",
	})

	if in.DecryptFailed {
		t.Fatal("expected successful decryption")
	}
	if in.Text != "see you at 7" {
		t.Errorf("unexpected plaintext: %q", in.Text)
	}
	if in.From != "s-alice" || in.Timestamp != "12:30:00" {
		t.Errorf("metadata not carried through: %+v", in)
	}
}

func TestDecrypt_WrongKeyYieldsMarker(t *testing.T) {
	sender, err := keyring.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	receiver, err := keyring.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// Encrypted under the sender's own key, not the receiver's.
	ciphertext, err := keyring.Encrypt(sender.Public, []byte("misaddressed"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	c := &Client{keys: receiver}
	in := c.decrypt(protocol.ReceiveMessageMsg{From: "s1", EncryptedMessage: ciphertext})

	if !in.DecryptFailed {
		t.Fatal("expected DecryptFailed marker")
	}
	if in.Text != "" {
		t.Errorf("ciphertext must not leak into Text: %q", in.Text)
	}
}

func TestDecrypt_NoKeypairYieldsMarker(t *testing.T) {
	c := &Client{}
	in := c.decrypt(protocol.ReceiveMessageMsg{From: "s1", EncryptedMessage: "YQ=="})
	if !in.DecryptFailed {
		t.Fatal("expected DecryptFailed marker when no keypair exists")
	}
}

func TestPeers_ExcludesSelfAndSorts(t *testing.T) {
	c := &Client{
		sessionID: "s-me",
		peers: map[string]Peer{
			"s-me":    {SessionID: "s-me", Username: "me"},
			"s-carol": {SessionID: "s-carol", Username: "carol"},
			"s-bob":   {SessionID: "s-bob", Username: "bob"},
		},
	}

	peers := c.Peers()
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	if peers[0].Username != "bob" || peers[1].Username != "carol" {
		t.Errorf("expected bob then carol, got %+v", peers)
	}
}

func TestPeerByUsername(t *testing.T) {
	c := &Client{
		peers: map[string]Peer{
			"s-bob": {SessionID: "s-bob", Username: "bob", PublicKey: "pem"},
		},
	}

	p, ok := c.PeerByUsername("bob")
	if !ok || p.SessionID != "s-bob" {
		t.Errorf("expected to find bob, got %+v ok=%v", p, ok)
	}

	if _, ok := c.PeerByUsername("nobody"); ok {
		t.Error("expected lookup miss for unknown username")
	}
}
