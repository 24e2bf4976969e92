// Package nostr implements NIP-01 event finalization: id computation,
// Schnorr signing and verification, and raw-message parsing.
package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"zapengine/internal/types"
)

// GeneratePrivateKey generates a new random secp256k1 private key
func GeneratePrivateKey() ([]byte, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return privKey.Serialize(), nil
}

// GetPublicKey derives the public key from a private key (x-only, 32 bytes)
func GetPublicKey(privKeyBytes []byte) ([]byte, error) {
	if len(privKeyBytes) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(privKeyBytes))
	}
	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	pubKey := privKey.PubKey()
	// x-only pubkey (32 bytes) - BIP-340 format
	return pubKey.SerializeCompressed()[1:], nil
}

// CalculateEventID computes the NIP-01 event id over the canonical
// serialization [0, pubkey, created_at, kind, tags, content].
func CalculateEventID(ev *types.UnsignedEvent) string {
	serialized := fmt.Sprintf(`[0,"%s",%d,%d,%s,"%s"]`,
		ev.PubKey,
		ev.CreatedAt,
		ev.Kind,
		mustJSON(ev.Tags),
		escapeJSON(ev.Content),
	)

	hash := sha256.Sum256([]byte(serialized))
	return hex.EncodeToString(hash[:])
}

// SignEventID produces a hex Schnorr signature over the event id.
func SignEventID(privKeyBytes []byte, eventID string) (string, error) {
	if len(privKeyBytes) != 32 {
		return "", fmt.Errorf("private key must be 32 bytes, got %d", len(privKeyBytes))
	}

	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	if privKey == nil {
		return "", fmt.Errorf("invalid private key")
	}

	eventIDBytes, err := hex.DecodeString(eventID)
	if err != nil {
		return "", fmt.Errorf("invalid event id hex: %w", err)
	}

	sig, err := schnorr.Sign(privKey, eventIDBytes)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(sig.Serialize()), nil
}

// FinalizeEvent fills in the pubkey, computes the id and signs the event.
func FinalizeEvent(privKeyBytes []byte, ev types.UnsignedEvent) (*types.Event, error) {
	pubKey, err := GetPublicKey(privKeyBytes)
	if err != nil {
		return nil, err
	}
	ev.PubKey = hex.EncodeToString(pubKey)

	id := CalculateEventID(&ev)
	sig, err := SignEventID(privKeyBytes, id)
	if err != nil {
		return nil, err
	}

	return &types.Event{
		ID:        id,
		PubKey:    ev.PubKey,
		CreatedAt: ev.CreatedAt,
		Kind:      ev.Kind,
		Tags:      ev.Tags,
		Content:   ev.Content,
		Sig:       sig,
	}, nil
}

// ValidateEventSignature verifies the Schnorr signature for an event
func ValidateEventSignature(evt *types.Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// ParseEventFromInterface converts raw websocket data to Event (avoids JSON re-encoding)
func ParseEventFromInterface(data interface{}) (types.Event, bool) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return types.Event{}, false
	}

	evt := types.Event{}

	if id, ok := m["id"].(string); ok {
		evt.ID = id
	}
	if pk, ok := m["pubkey"].(string); ok {
		evt.PubKey = pk
	}
	if createdAt, ok := m["created_at"].(float64); ok {
		evt.CreatedAt = int64(createdAt)
	}
	if kind, ok := m["kind"].(float64); ok {
		evt.Kind = int(kind)
	}
	if content, ok := m["content"].(string); ok {
		evt.Content = content
	}
	if sig, ok := m["sig"].(string); ok {
		evt.Sig = sig
	}

	if tags, ok := m["tags"].([]interface{}); ok {
		evt.Tags = make([][]string, 0, len(tags))
		for _, tag := range tags {
			if tagArr, ok := tag.([]interface{}); ok {
				strTag := make([]string, 0, len(tagArr))
				for _, elem := range tagArr {
					if s, ok := elem.(string); ok {
						strTag = append(strTag, s)
					}
				}
				evt.Tags = append(evt.Tags, strTag)
			}
		}
	}

	// Validate signature if present
	if evt.Sig != "" && !ValidateEventSignature(&evt) {
		slog.Warn("event signature validation failed", "event_id", ShortID(evt.ID))
		return types.Event{}, false
	}

	return evt, evt.ID != ""
}

// EventJSON serializes a signed event to its wire JSON form.
func EventJSON(evt *types.Event) string {
	return mustJSON(evt)
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}

func mustJSON(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func escapeJSON(s string) string {
	b, err := json.Marshal(s)
	if err != nil || len(b) < 2 {
		return s
	}
	// Remove surrounding quotes
	return string(b[1 : len(b)-1])
}
