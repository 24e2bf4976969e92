package nips

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestDecodeNpub(t *testing.T) {
	// NIP-19 reference vector
	got, err := DecodeNpub("npub10elfcs4fr0l0r8af98jlmgdh9c8tcxjvz9qkw038js35mp4dma8qzvjptg")
	if err != nil {
		t.Fatalf("DecodeNpub failed: %v", err)
	}
	want := "7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}

	// Uppercase input is accepted
	upper, err := DecodeNpub(strings.ToUpper("npub10elfcs4fr0l0r8af98jlmgdh9c8tcxjvz9qkw038js35mp4dma8qzvjptg"))
	if err != nil || upper != want {
		t.Errorf("uppercase decode: got %s, err %v", upper, err)
	}
}

func TestDecodeNsec(t *testing.T) {
	// NIP-19 reference vector
	got, err := DecodeNsec("nsec1vl029mgpspedva04g90vltkh6fvh240zqtv9k0t9af8935ke9laqsnlfe5")
	if err != nil {
		t.Fatalf("DecodeNsec failed: %v", err)
	}
	want := "67dea2ed018072d675f5415ecfaed7d2597555e202d85b3d65ea4e58d2d92ffa"
	if hex.EncodeToString(got) != want {
		t.Errorf("got %x, want %s", got, want)
	}
}

func TestDecodeRejectsWrongPrefix(t *testing.T) {
	nsec := "nsec1vl029mgpspedva04g90vltkh6fvh240zqtv9k0t9af8935ke9laqsnlfe5"
	if _, err := DecodeNpub(nsec); err == nil {
		t.Error("npub decoder accepted an nsec")
	}
	if _, err := DecodeNote(nsec); err == nil {
		t.Error("note decoder accepted an nsec")
	}
	if _, err := DecodeNsec("npub10elfcs4fr0l0r8af98jlmgdh9c8tcxjvz9qkw038js35mp4dma8qzvjptg"); err == nil {
		t.Error("nsec decoder accepted an npub")
	}
}

func TestNoteRoundTrip(t *testing.T) {
	id := make([]byte, 32)
	for i := range id {
		id[i] = byte(i * 7)
	}
	groups, err := Bech32ConvertBits(id, 8, 5, true)
	if err != nil {
		t.Fatalf("convert bits failed: %v", err)
	}
	note, err := Bech32Encode("note", groups)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := DecodeNote(note)
	if err != nil {
		t.Fatalf("DecodeNote failed: %v", err)
	}
	if got != hex.EncodeToString(id) {
		t.Errorf("round trip produced %s", got)
	}
}

func TestDecodeLNURL(t *testing.T) {
	rawURL := "https://service.example/.well-known/lnurlp/alice"
	groups, err := Bech32ConvertBits([]byte(rawURL), 8, 5, true)
	if err != nil {
		t.Fatalf("convert bits failed: %v", err)
	}
	encoded, err := Bech32Encode("lnurl", groups)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	got, err := DecodeLNURL(encoded)
	if err != nil {
		t.Fatalf("DecodeLNURL failed: %v", err)
	}
	if got != rawURL {
		t.Errorf("got %s, want %s", got, rawURL)
	}

	if _, err := DecodeLNURL("npub10elfcs4fr0l0r8af98jlmgdh9c8tcxjvz9qkw038js35mp4dma8qzvjptg"); err == nil {
		t.Error("lnurl decoder accepted an npub")
	}
}

func TestBech32DecodeRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "short", "noseparator", "lnurl1b!ad", "1qqqqqqq"} {
		if _, _, err := Bech32Decode(input); err == nil {
			t.Errorf("decoded %q without error", input)
		}
	}
}
