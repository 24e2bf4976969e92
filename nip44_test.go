package zapengine

import (
	"strings"
	"testing"

	"zapengine/internal/nostr"
)

func testKeyPair(t *testing.T) (priv []byte, pub []byte) {
	t.Helper()
	priv, err := nostr.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}
	pub, err = nostr.GetPublicKey(priv)
	if err != nil {
		t.Fatalf("GetPublicKey failed: %v", err)
	}
	return priv, pub
}

func TestConversationKeyIsSymmetric(t *testing.T) {
	alicePriv, alicePub := testKeyPair(t)
	bobPriv, bobPub := testKeyPair(t)

	aliceKey, err := ConversationKey(alicePriv, bobPub)
	if err != nil {
		t.Fatalf("ConversationKey failed: %v", err)
	}
	bobKey, err := ConversationKey(bobPriv, alicePub)
	if err != nil {
		t.Fatalf("ConversationKey failed: %v", err)
	}
	if string(aliceKey) != string(bobKey) {
		t.Error("both sides must derive the same conversation key")
	}
	if len(aliceKey) != 32 {
		t.Errorf("key length = %d, want 32", len(aliceKey))
	}
}

func TestNip44RoundTrip(t *testing.T) {
	alicePriv, _ := testKeyPair(t)
	_, bobPub := testKeyPair(t)
	convKey, err := ConversationKey(alicePriv, bobPub)
	if err != nil {
		t.Fatalf("ConversationKey failed: %v", err)
	}

	messages := []string{
		"a",
		"the quick brown fox",
		strings.Repeat("x", 32),  // exact padding block
		strings.Repeat("y", 33),  // one past the block
		strings.Repeat("z", 999), // multi-block
		"emoji ⚡ and unicode éè",
	}
	for _, msg := range messages {
		payload, err := Nip44Encrypt(msg, convKey)
		if err != nil {
			t.Fatalf("encrypt %q failed: %v", msg[:min(len(msg), 10)], err)
		}
		got, err := Nip44Decrypt(payload, convKey)
		if err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if got != msg {
			t.Errorf("round trip altered a %d-byte message", len(msg))
		}
	}
}

func TestNip44RejectsTamperedPayload(t *testing.T) {
	alicePriv, _ := testKeyPair(t)
	_, bobPub := testKeyPair(t)
	convKey, _ := ConversationKey(alicePriv, bobPub)

	payload, err := Nip44Encrypt("secret message", convKey)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	// Flip one character in the middle of the base64 payload
	middle := len(payload) / 2
	flipped := byte('A')
	if payload[middle] == 'A' {
		flipped = 'B'
	}
	tampered := payload[:middle] + string(flipped) + payload[middle+1:]
	if _, err := Nip44Decrypt(tampered, convKey); err == nil {
		t.Error("tampered payload decrypted without error")
	}

	// Wrong conversation key
	otherPriv, _ := testKeyPair(t)
	otherKey, _ := ConversationKey(otherPriv, bobPub)
	if _, err := Nip44Decrypt(payload, otherKey); err == nil {
		t.Error("payload decrypted with the wrong key")
	}
}

func TestNip44DeterministicWithFixedNonce(t *testing.T) {
	alicePriv, _ := testKeyPair(t)
	_, bobPub := testKeyPair(t)
	convKey, _ := ConversationKey(alicePriv, bobPub)

	nonce := make([]byte, 32)
	for i := range nonce {
		nonce[i] = byte(i)
	}
	first, err := nip44EncryptWithNonce("same message", convKey, nonce)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	second, err := nip44EncryptWithNonce("same message", convKey, nonce)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if first != second {
		t.Error("same nonce and message produced different payloads")
	}

	random, err := Nip44Encrypt("same message", convKey)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if random == first {
		t.Error("random-nonce encryption repeated a fixed-nonce payload")
	}
}

func TestCalcPaddedLen(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{1, 32},
		{16, 32},
		{32, 32},
		{33, 64},
		{37, 64},
		{45, 64},
		{49, 64},
		{64, 64},
		{65, 96},
		{100, 128},
		{320, 320},
		{383, 384},
		{400, 448},
		{500, 512},
	}
	for _, tc := range cases {
		if got := calcPaddedLen(tc.in); got != tc.want {
			t.Errorf("calcPaddedLen(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestNip04RoundTrip(t *testing.T) {
	alicePriv, alicePub := testKeyPair(t)
	bobPriv, bobPub := testKeyPair(t)

	aliceShared, err := Nip04SharedSecret(alicePriv, bobPub)
	if err != nil {
		t.Fatalf("Nip04SharedSecret failed: %v", err)
	}
	bobShared, err := Nip04SharedSecret(bobPriv, alicePub)
	if err != nil {
		t.Fatalf("Nip04SharedSecret failed: %v", err)
	}
	if string(aliceShared) != string(bobShared) {
		t.Fatal("both sides must derive the same shared secret")
	}

	payload, err := Nip04Encrypt("legacy envelope", aliceShared)
	if err != nil {
		t.Fatalf("Nip04Encrypt failed: %v", err)
	}
	if !strings.Contains(payload, "?iv=") {
		t.Errorf("payload %q missing the ?iv= marker", payload)
	}
	got, err := Nip04Decrypt(payload, bobShared)
	if err != nil {
		t.Fatalf("Nip04Decrypt failed: %v", err)
	}
	if got != "legacy envelope" {
		t.Errorf("round trip produced %q", got)
	}
}
