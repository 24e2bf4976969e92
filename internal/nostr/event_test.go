package nostr

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"zapengine/internal/types"
)

func TestGetPublicKeyKnownVector(t *testing.T) {
	privKeyBytes, _ := hex.DecodeString("edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85")
	pub, err := GetPublicKey(privKeyBytes)
	if err != nil {
		t.Fatalf("GetPublicKey failed: %v", err)
	}
	// x-only pubkey as verified against nak
	want := "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"
	if hex.EncodeToString(pub) != want {
		t.Errorf("got %x, want %s", pub, want)
	}
}

func TestCalculateEventIDIsDeterministic(t *testing.T) {
	ev := types.UnsignedEvent{
		PubKey:    "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec",
		CreatedAt: 1700000000,
		Kind:      9734,
		Tags:      [][]string{{"p", "abcd"}, {"amount", "1000"}},
		Content:   "zap with \"quotes\" and\nnewlines",
	}

	first := CalculateEventID(&ev)
	second := CalculateEventID(&ev)
	if first != second {
		t.Error("same event produced different ids")
	}
	if len(first) != 64 {
		t.Errorf("id length = %d, want 64 hex chars", len(first))
	}

	changed := ev
	changed.Content = "different"
	if CalculateEventID(&changed) == first {
		t.Error("different content produced the same id")
	}

	changed = ev
	changed.Tags = [][]string{{"p", "abcd"}}
	if CalculateEventID(&changed) == first {
		t.Error("different tags produced the same id")
	}
}

func TestFinalizeAndValidate(t *testing.T) {
	secret, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}

	signed, err := FinalizeEvent(secret, types.UnsignedEvent{
		Kind:      1,
		CreatedAt: time.Now().Unix(),
		Tags:      [][]string{},
		Content:   "hello",
	})
	if err != nil {
		t.Fatalf("FinalizeEvent failed: %v", err)
	}

	if !ValidateEventSignature(signed) {
		t.Fatal("fresh signature did not verify")
	}

	tampered := *signed
	tampered.Content = "goodbye"
	tampered.ID = CalculateEventID(&types.UnsignedEvent{
		PubKey:    tampered.PubKey,
		CreatedAt: tampered.CreatedAt,
		Kind:      tampered.Kind,
		Tags:      tampered.Tags,
		Content:   tampered.Content,
	})
	if ValidateEventSignature(&tampered) {
		t.Error("signature verified for altered content")
	}

	wrongID := *signed
	wrongID.ID = "00" + wrongID.ID[2:]
	if ValidateEventSignature(&wrongID) {
		t.Error("signature verified for a mismatched id")
	}
}

func TestParseEventFromInterface(t *testing.T) {
	secret, _ := GeneratePrivateKey()
	signed, err := FinalizeEvent(secret, types.UnsignedEvent{
		Kind:      23195,
		CreatedAt: 1700000000,
		Tags:      [][]string{{"e", "request-id"}},
		Content:   "payload",
	})
	if err != nil {
		t.Fatalf("FinalizeEvent failed: %v", err)
	}

	// The shape the websocket layer hands over after json.Unmarshal
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(EventJSON(signed)), &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	evt, ok := ParseEventFromInterface(raw)
	if !ok {
		t.Fatal("parse failed")
	}
	if evt.Kind != 23195 || evt.CreatedAt != 1700000000 {
		t.Errorf("numbers mangled: kind=%d created_at=%d", evt.Kind, evt.CreatedAt)
	}
	if evt.TagValue("e") != "request-id" {
		t.Errorf("tags mangled: %v", evt.Tags)
	}

	// Forged signatures are dropped at the parse boundary
	raw["sig"] = strings.Repeat("00", 64)
	if _, ok := ParseEventFromInterface(raw); ok {
		t.Error("parsed an event with a signature that does not verify")
	}

	if _, ok := ParseEventFromInterface("not a map"); ok {
		t.Error("parsed a non-object")
	}
	if _, ok := ParseEventFromInterface(map[string]interface{}{"kind": float64(1)}); ok {
		t.Error("parsed an event with no id")
	}
}
