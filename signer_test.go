package zapengine

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"zapengine/internal/nostr"
	"zapengine/internal/types"
)

func unsignedTestEvent() types.UnsignedEvent {
	return types.UnsignedEvent{
		Kind:      zapRequestKind,
		CreatedAt: time.Now().Unix(),
		Tags:      [][]string{{"p", strings.Repeat("ab", 32)}, {"amount", "21000"}},
		Content:   "test zap",
	}
}

func TestLocalSignerSignsValidEvents(t *testing.T) {
	secret, _ := nostr.GeneratePrivateKey()
	signer, err := NewLocalSigner(hex.EncodeToString(secret))
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}

	signed, err := signer.Sign(context.Background(), unsignedTestEvent())
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !nostr.ValidateEventSignature(signed) {
		t.Error("signature did not verify")
	}

	pub, err := signer.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey failed: %v", err)
	}
	if signed.PubKey != pub {
		t.Errorf("event signed by %s, signer key is %s", signed.PubKey, pub)
	}
}

func TestLocalSignerAcceptsNsec(t *testing.T) {
	nsec := "nsec1vl029mgpspedva04g90vltkh6fvh240zqtv9k0t9af8935ke9laqsnlfe5"
	wantHex := "67dea2ed018072d675f5415ecfaed7d2597555e202d85b3d65ea4e58d2d92ffa"

	fromNsec, err := NewLocalSigner(nsec)
	if err != nil {
		t.Fatalf("nsec rejected: %v", err)
	}
	fromHex, err := NewLocalSigner(wantHex)
	if err != nil {
		t.Fatalf("hex rejected: %v", err)
	}

	nsecPub, _ := fromNsec.PublicKey()
	hexPub, _ := fromHex.PublicKey()
	if nsecPub != hexPub {
		t.Error("nsec and hex forms of the same key derive different pubkeys")
	}
}

func TestLocalSignerRejectsGarbage(t *testing.T) {
	for _, key := range []string{"", "tooshort", strings.Repeat("zz", 32), "nsec1notakey"} {
		if _, err := NewLocalSigner(key); err == nil {
			t.Errorf("key %q accepted", key)
		}
	}
}

func TestEncryptedKeyRoundTrip(t *testing.T) {
	secret, _ := nostr.GeneratePrivateKey()

	blob, err := EncryptPrivateKey(secret, "correct horse battery")
	if err != nil {
		t.Fatalf("EncryptPrivateKey failed: %v", err)
	}
	if strings.Contains(blob, hex.EncodeToString(secret)) {
		t.Fatal("blob leaks the plaintext secret")
	}

	signer, err := NewEncryptedLocalSigner(blob, "correct horse battery")
	if err != nil {
		t.Fatalf("decryption with the right password failed: %v", err)
	}
	signed, err := signer.Sign(context.Background(), unsignedTestEvent())
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !nostr.ValidateEventSignature(signed) {
		t.Error("signature did not verify after decryption round trip")
	}

	_, err = NewEncryptedLocalSigner(blob, "wrong password")
	if err == nil {
		t.Fatal("wrong password accepted")
	}
	if !IsKind(err, KindSigningFailed) {
		t.Errorf("wrong password kind = %v", KindOf(err))
	}
}

func TestAnonymousSignerUsesThrowawayKeys(t *testing.T) {
	signer := AnonymousSigner{}

	first, err := signer.Sign(context.Background(), unsignedTestEvent())
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	second, err := signer.Sign(context.Background(), unsignedTestEvent())
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if !nostr.ValidateEventSignature(first) || !nostr.ValidateEventSignature(second) {
		t.Error("anonymous signatures did not verify")
	}
	if first.PubKey == second.PubKey {
		t.Error("two anonymous zaps signed with the same key are linkable")
	}
}

type fakeCapability struct {
	secret []byte
	fail   bool
	mangle bool
}

func (c *fakeCapability) SignEvent(ev types.UnsignedEvent) (*types.Event, error) {
	if c.fail {
		return nil, errors.New("user rejected")
	}
	signed, err := nostr.FinalizeEvent(c.secret, ev)
	if err != nil {
		return nil, err
	}
	if c.mangle {
		signed.Sig = strings.Repeat("00", 64)
	}
	return signed, nil
}

func TestExtensionSigner(t *testing.T) {
	secret, _ := nostr.GeneratePrivateKey()

	signer := NewExtensionSigner(&fakeCapability{secret: secret})
	signed, err := signer.Sign(context.Background(), unsignedTestEvent())
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !nostr.ValidateEventSignature(signed) {
		t.Error("signature did not verify")
	}

	// A refusing capability surfaces as a signing failure
	signer = NewExtensionSigner(&fakeCapability{secret: secret, fail: true})
	if _, err := signer.Sign(context.Background(), unsignedTestEvent()); !IsKind(err, KindSigningFailed) {
		t.Errorf("refusal kind = %v", KindOf(err))
	}

	// A bad signature from the capability is caught, not forwarded
	signer = NewExtensionSigner(&fakeCapability{secret: secret, mangle: true})
	if _, err := signer.Sign(context.Background(), unsignedTestEvent()); !IsKind(err, KindSigningFailed) {
		t.Errorf("mangled signature kind = %v", KindOf(err))
	}
}

func TestExternalSignerCollectsClipboardSignature(t *testing.T) {
	secret, _ := nostr.GeneratePrivateKey()
	pub, _ := nostr.GetPublicKey(secret)
	store := NewMemoryKeyStore()
	defer store.Close()

	// The fake external app signs whatever was handed off and puts the
	// signature on the clipboard.
	var clipMu sync.Mutex
	clipboard := ""
	var signer *ExternalSigner
	launch := func(uri string) error {
		if !strings.HasPrefix(uri, "nostrsigner:") {
			t.Errorf("handoff uri = %q", uri)
		}
		go func() {
			blob, ok := store.PendingSignRequest(context.Background())
			if !ok {
				t.Error("pending request not persisted before handoff")
				return
			}
			idStart := strings.Index(blob, `"event_id":"`)
			if idStart < 0 {
				t.Errorf("pending blob missing event id: %s", blob)
				return
			}
			idStart += len(`"event_id":"`)
			eventID := blob[idStart : idStart+64]
			sig, err := nostr.SignEventID(secret, eventID)
			if err != nil {
				t.Errorf("SignEventID failed: %v", err)
				return
			}
			clipMu.Lock()
			clipboard = sig
			clipMu.Unlock()
			signer.NotifyForeground()
		}()
		return nil
	}
	readClipboard := func() (string, error) {
		clipMu.Lock()
		defer clipMu.Unlock()
		return clipboard, nil
	}

	signer = NewExternalSigner(store, hex.EncodeToString(pub), launch, readClipboard)
	signer.SetWaitTimeout(5 * time.Second)

	signed, err := signer.Sign(context.Background(), unsignedTestEvent())
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !nostr.ValidateEventSignature(signed) {
		t.Error("collected signature did not verify")
	}
	if signed.PubKey != hex.EncodeToString(pub) {
		t.Errorf("signed as %s, want the user's key", signed.PubKey)
	}
	if _, ok := store.PendingSignRequest(context.Background()); ok {
		t.Error("pending request not cleared after success")
	}
}

func TestExternalSignerBoundedWait(t *testing.T) {
	secret, _ := nostr.GeneratePrivateKey()
	pub, _ := nostr.GetPublicKey(secret)
	store := NewMemoryKeyStore()
	defer store.Close()

	signer := NewExternalSigner(store, hex.EncodeToString(pub),
		func(string) error { return nil },
		func() (string, error) { return "", nil })
	signer.SetWaitTimeout(60 * time.Millisecond)

	start := time.Now()
	_, err := signer.Sign(context.Background(), unsignedTestEvent())
	if !IsKind(err, KindSigningPendingExternally) {
		t.Fatalf("kind = %v (%v), want signing pending externally", KindOf(err), err)
	}
	if time.Since(start) < 60*time.Millisecond {
		t.Error("gave up before the bounded wait elapsed")
	}

	// The pending request survives so a later launch can resume it
	if _, ok := store.PendingSignRequest(context.Background()); !ok {
		t.Error("pending request dropped on timeout")
	}
}

func TestExternalSignerIgnoresUnusableClipboard(t *testing.T) {
	secret, _ := nostr.GeneratePrivateKey()
	pub, _ := nostr.GetPublicKey(secret)
	store := NewMemoryKeyStore()
	defer store.Close()

	var signer *ExternalSigner
	launch := func(string) error {
		go func() {
			// Garbage on the clipboard, then a foreground ping
			signer.NotifyForeground()
		}()
		return nil
	}
	signer = NewExternalSigner(store, hex.EncodeToString(pub), launch,
		func() (string, error) { return "not a signature", nil })
	signer.SetWaitTimeout(80 * time.Millisecond)

	_, err := signer.Sign(context.Background(), unsignedTestEvent())
	if !IsKind(err, KindSigningPendingExternally) {
		t.Fatalf("kind = %v, want signing pending externally after unusable clipboard", KindOf(err))
	}
}

func TestExternalSignerCancellation(t *testing.T) {
	secret, _ := nostr.GeneratePrivateKey()
	pub, _ := nostr.GetPublicKey(secret)
	store := NewMemoryKeyStore()
	defer store.Close()

	signer := NewExternalSigner(store, hex.EncodeToString(pub),
		func(string) error { return nil },
		func() (string, error) { return "", nil })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := signer.Sign(ctx, unsignedTestEvent())
	if !IsKind(err, KindSigningPendingExternally) {
		t.Fatalf("kind = %v (%v)", KindOf(err), err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cancellation cause lost: %v", err)
	}
}

func TestSelectSignerFallsBackToAnonymous(t *testing.T) {
	ctx := context.Background()

	// Local without a key cannot sign as the user; the documented
	// policy is to proceed anonymously.
	signer := SelectSigner(ctx, MethodLocal, SignerDeps{})
	if _, ok := signer.(AnonymousSigner); !ok {
		t.Errorf("local with no key selected %T, want anonymous", signer)
	}

	signer = SelectSigner(ctx, "bogus-method", SignerDeps{})
	if _, ok := signer.(AnonymousSigner); !ok {
		t.Errorf("unknown method selected %T, want anonymous", signer)
	}

	signer = SelectSigner(ctx, MethodExtension, SignerDeps{})
	if _, ok := signer.(AnonymousSigner); !ok {
		t.Errorf("extension with no capability selected %T, want anonymous", signer)
	}
}

func TestSelectSignerHonorsConfiguredMethods(t *testing.T) {
	ctx := context.Background()
	secret, _ := nostr.GeneratePrivateKey()

	signer := SelectSigner(ctx, MethodLocal, SignerDeps{SecretKey: hex.EncodeToString(secret)})
	if _, ok := signer.(*LocalSigner); !ok {
		t.Errorf("selected %T, want local", signer)
	}

	// Local key can also come from the store
	store := NewMemoryKeyStore()
	defer store.Close()
	if err := store.SetPrivateKey(ctx, hex.EncodeToString(secret)); err != nil {
		t.Fatalf("SetPrivateKey failed: %v", err)
	}
	signer = SelectSigner(ctx, MethodLocal, SignerDeps{Store: store})
	if _, ok := signer.(*LocalSigner); !ok {
		t.Errorf("selected %T, want local from store", signer)
	}

	signer = SelectSigner(ctx, MethodExtension, SignerDeps{Capability: &fakeCapability{secret: secret}})
	if _, ok := signer.(*ExtensionSigner); !ok {
		t.Errorf("selected %T, want extension", signer)
	}

	signer = SelectSigner(ctx, MethodAnonymous, SignerDeps{})
	if _, ok := signer.(AnonymousSigner); !ok {
		t.Errorf("selected %T, want anonymous", signer)
	}
}
