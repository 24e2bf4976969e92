package zapengine

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/scrypt"

	"zapengine/internal/nips"
	"zapengine/internal/nostr"
	"zapengine/internal/types"
)

// Signer finalizes an unsigned event: fills in the pubkey, computes
// the id and produces the signature. Implementations are constructed
// once by the caller and injected into the dispatcher; business logic
// never reaches into ambient storage to pick a key.
type Signer interface {
	Sign(ctx context.Context, ev types.UnsignedEvent) (*types.Event, error)
}

// Signing method names as persisted in the key-value store.
const (
	MethodExtension = "extension"
	MethodExternal  = "external"
	MethodLocal     = "local"
	MethodAnonymous = "anonymous"
)

// SigningCapability is an in-process signer provided by the host
// application (the browser-extension equivalent). It signs
// synchronously or fails immediately.
type SigningCapability interface {
	SignEvent(ev types.UnsignedEvent) (*types.Event, error)
}

// ExtensionSigner delegates to an injected in-process capability.
type ExtensionSigner struct {
	capability SigningCapability
}

// NewExtensionSigner wraps a host-provided signing capability.
func NewExtensionSigner(capability SigningCapability) *ExtensionSigner {
	return &ExtensionSigner{capability: capability}
}

func (s *ExtensionSigner) Sign(ctx context.Context, ev types.UnsignedEvent) (*types.Event, error) {
	signed, err := s.capability.SignEvent(ev)
	if err != nil {
		return nil, wrapError(KindSigningFailed, "extension signer failed", err)
	}
	if !nostr.ValidateEventSignature(signed) {
		return nil, newError(KindSigningFailed, "extension returned an invalid signature")
	}
	return signed, nil
}

// LocalSigner signs with a locally held secret key. The decrypted
// secret stays inside this value and is never logged or transmitted.
type LocalSigner struct {
	secret []byte
}

// NewLocalSigner accepts a 64-hex or nsec1... secret key.
func NewLocalSigner(secretKey string) (*LocalSigner, error) {
	secret, err := normalizeSecretKey(secretKey)
	if err != nil {
		return nil, wrapError(KindSigningFailed, "invalid secret key", err)
	}
	return &LocalSigner{secret: secret}, nil
}

// NewEncryptedLocalSigner decrypts a password-protected secret key
// blob produced by EncryptPrivateKey.
func NewEncryptedLocalSigner(blob, password string) (*LocalSigner, error) {
	secret, err := decryptPrivateKey(blob, password)
	if err != nil {
		return nil, wrapError(KindSigningFailed, "failed to decrypt secret key", err)
	}
	return &LocalSigner{secret: secret}, nil
}

func (s *LocalSigner) Sign(ctx context.Context, ev types.UnsignedEvent) (*types.Event, error) {
	signed, err := nostr.FinalizeEvent(s.secret, ev)
	if err != nil {
		return nil, wrapError(KindSigningFailed, "local signing failed", err)
	}
	return signed, nil
}

// PublicKey returns the hex public key for the held secret.
func (s *LocalSigner) PublicKey() (string, error) {
	pub, err := nostr.GetPublicKey(s.secret)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pub), nil
}

// AnonymousSigner generates a throwaway keypair per call and discards
// it, so zaps from the same payer cannot be linked to each other.
type AnonymousSigner struct{}

func (AnonymousSigner) Sign(ctx context.Context, ev types.UnsignedEvent) (*types.Event, error) {
	secret, err := nostr.GeneratePrivateKey()
	if err != nil {
		return nil, wrapError(KindSigningFailed, "failed to generate throwaway key", err)
	}
	signed, err := nostr.FinalizeEvent(secret, ev)
	if err != nil {
		return nil, wrapError(KindSigningFailed, "anonymous signing failed", err)
	}
	return signed, nil
}

// ExternalSigner hands the unsigned event to an out-of-process signer
// app via a URI launch and reads the signature back from the OS
// clipboard once the application returns to the foreground. The
// pending request is persisted to the key-value store before the
// handoff so the flow survives the round trip.
type ExternalSigner struct {
	store         *KeyStore
	userPubkey    string
	launchURI     func(uri string) error
	readClipboard func() (string, error)
	foreground    chan struct{}
	waitTimeout   time.Duration
}

// pendingSignRequest is the record persisted across the external handoff.
type pendingSignRequest struct {
	Event     types.UnsignedEvent `json:"event"`
	EventID   string              `json:"event_id"`
	CreatedAt int64               `json:"created_at"`
}

// NewExternalSigner builds the external handoff signer. userPubkey is
// the hex pubkey the external app signs as; launchURI opens the
// handoff URI; readClipboard reads the OS clipboard.
func NewExternalSigner(store *KeyStore, userPubkey string, launchURI func(string) error, readClipboard func() (string, error)) *ExternalSigner {
	return &ExternalSigner{
		store:         store,
		userPubkey:    userPubkey,
		launchURI:     launchURI,
		readClipboard: readClipboard,
		foreground:    make(chan struct{}, 1),
		waitTimeout:   2 * time.Minute,
	}
}

// SetWaitTimeout overrides the bounded wait for the external app.
func (s *ExternalSigner) SetWaitTimeout(d time.Duration) {
	s.waitTimeout = d
}

// NotifyForeground reports an application-visibility transition: the
// external app (probably) returned control. Safe to call from any
// goroutine; extra notifications are dropped.
func (s *ExternalSigner) NotifyForeground() {
	select {
	case s.foreground <- struct{}{}:
	default:
	}
}

func (s *ExternalSigner) Sign(ctx context.Context, ev types.UnsignedEvent) (*types.Event, error) {
	ev.PubKey = s.userPubkey
	eventID := nostr.CalculateEventID(&ev)

	pending := pendingSignRequest{
		Event:     ev,
		EventID:   eventID,
		CreatedAt: time.Now().Unix(),
	}
	blob, err := json.Marshal(&pending)
	if err != nil {
		return nil, wrapError(KindSigningFailed, "failed to encode pending request", err)
	}
	if err := s.store.SetPendingSignRequest(ctx, string(blob), 10*time.Minute); err != nil {
		return nil, wrapError(KindSigningFailed, "failed to persist pending request", err)
	}

	eventJSON, err := json.Marshal(&ev)
	if err != nil {
		return nil, wrapError(KindSigningFailed, "failed to encode event", err)
	}
	handoff := "nostrsigner:" + url.QueryEscape(string(eventJSON)) +
		"?compressionType=none&returnType=signature&type=sign_event"
	if err := s.launchURI(handoff); err != nil {
		return nil, wrapError(KindSigningFailed, "failed to launch external signer", err)
	}

	slog.Debug("external signer: handoff launched", "event_id", nostr.ShortID(eventID))

	// The external app may never return; wait is bounded and the
	// caller can cancel through ctx.
	timer := time.NewTimer(s.waitTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, wrapError(KindSigningPendingExternally, "signing cancelled while awaiting external signer", ctx.Err())
		case <-timer.C:
			return nil, newError(KindSigningPendingExternally, "external signer did not return within %s", s.waitTimeout)
		case <-s.foreground:
			signed, ok := s.tryCollect(ev, eventID)
			if !ok {
				// Foreground transition without a usable signature;
				// keep waiting until the timer fires.
				continue
			}
			if err := s.store.RemovePendingSignRequest(ctx); err != nil {
				slog.Warn("external signer: failed to clear pending request", "error", err)
			}
			return signed, nil
		}
	}
}

// tryCollect reads the clipboard and reassembles the signed event.
func (s *ExternalSigner) tryCollect(ev types.UnsignedEvent, eventID string) (*types.Event, bool) {
	sig, err := s.readClipboard()
	if err != nil {
		slog.Debug("external signer: clipboard read failed", "error", err)
		return nil, false
	}
	sig = strings.TrimSpace(sig)
	if len(sig) != 128 {
		return nil, false
	}
	if _, err := hex.DecodeString(sig); err != nil {
		return nil, false
	}

	signed := &types.Event{
		ID:        eventID,
		PubKey:    ev.PubKey,
		CreatedAt: ev.CreatedAt,
		Kind:      ev.Kind,
		Tags:      ev.Tags,
		Content:   ev.Content,
		Sig:       sig,
	}
	if !nostr.ValidateEventSignature(signed) {
		slog.Debug("external signer: clipboard signature did not verify", "event_id", nostr.ShortID(eventID))
		return nil, false
	}
	return signed, true
}

// SignerDeps carries the collaborators the concrete strategies need.
type SignerDeps struct {
	Capability    SigningCapability
	Store         *KeyStore
	SecretKey     string // hex or nsec, for the local method
	Password      string // for an encrypted local secret
	UserPubkey    string // for the external method
	LaunchURI     func(string) error
	ReadClipboard func() (string, error)
}

// SelectSigner returns the signer for the requested method. An
// unknown or unusable method falls back to anonymous; the fallback is
// an explicit logged policy decision, and payment proceeds.
func SelectSigner(ctx context.Context, method string, deps SignerDeps) Signer {
	switch method {
	case MethodExtension:
		if deps.Capability != nil {
			return NewExtensionSigner(deps.Capability)
		}
	case MethodLocal:
		secretKey := deps.SecretKey
		if secretKey == "" && deps.Store != nil {
			if blob, ok := deps.Store.EncryptedPrivateKey(ctx); ok {
				if signer, err := NewEncryptedLocalSigner(blob, deps.Password); err == nil {
					return signer
				} else {
					slog.Warn("signer: encrypted key unusable", "error", err)
				}
			} else if key, ok := deps.Store.PrivateKey(ctx); ok {
				secretKey = key
			}
		}
		if secretKey != "" {
			if signer, err := NewLocalSigner(secretKey); err == nil {
				return signer
			} else {
				slog.Warn("signer: local key unusable", "error", err)
			}
		}
	case MethodExternal:
		if deps.Store != nil && deps.UserPubkey != "" && deps.LaunchURI != nil && deps.ReadClipboard != nil {
			return NewExternalSigner(deps.Store, deps.UserPubkey, deps.LaunchURI, deps.ReadClipboard)
		}
	case MethodAnonymous:
		return AnonymousSigner{}
	}

	slog.Info("signer: falling back to anonymous", "requested", method)
	return AnonymousSigner{}
}

// normalizeSecretKey accepts a 64-hex or nsec1... key and returns the
// 32 raw bytes.
func normalizeSecretKey(secretKey string) ([]byte, error) {
	secretKey = strings.TrimSpace(secretKey)
	if strings.HasPrefix(strings.ToLower(secretKey), "nsec1") {
		return nips.DecodeNsec(secretKey)
	}
	if len(secretKey) != 64 {
		return nil, fmt.Errorf("secret key must be 64 hex characters or nsec, got %d characters", len(secretKey))
	}
	raw, err := hex.DecodeString(secretKey)
	if err != nil {
		return nil, errors.New("secret key is not valid hex")
	}
	return raw, nil
}

// Password-protected secret storage: scrypt KDF + AES-256-GCM.
// Blob layout: base64(salt[16] || nonce[12] || ciphertext).

const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// EncryptPrivateKey protects a 32-byte secret key with a password.
func EncryptPrivateKey(secret []byte, password string) (string, error) {
	if len(secret) != 32 {
		return "", errors.New("secret must be 32 bytes")
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, secret, nil)

	blob := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

func decryptPrivateKey(blob, password string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, errors.New("invalid key blob encoding")
	}
	if len(raw) < 16+12+16 {
		return nil, errors.New("key blob too short")
	}

	salt := raw[:16]
	nonce := raw[16:28]
	sealed := raw[28:]

	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	secret, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.New("wrong password or corrupted key blob")
	}
	return secret, nil
}
