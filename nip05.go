package zapengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"zapengine/internal/nostr"
)

// NIP-05 recipient addressing: resolves name@domain identifiers to a
// pubkey plus relay hints via /.well-known/nostr.json, so zaps can be
// addressed by a human-readable name instead of a raw key.

const nip05CacheTTL = 24 * time.Hour

var nip05HTTPClient = &http.Client{
	Timeout: 5 * time.Second,
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		if len(via) >= 3 {
			return fmt.Errorf("too many redirects")
		}
		return nil
	},
}

// NostrAddressResult is a resolved name@domain identifier.
type NostrAddressResult struct {
	Pubkey    string   `json:"pubkey"` // hex
	Domain    string   `json:"domain"` // display domain
	Relays    []string `json:"relays,omitempty"`
	CheckedAt int64    `json:"checked_at"`
}

// AddressBook resolves and verifies NIP-05 identifiers. Results are
// cached in the key store with a long TTL; identifier ownership does
// not change often.
type AddressBook struct {
	httpClient *http.Client
	store      *KeyStore
}

// NewAddressBook creates an address book backed by the given store.
// A nil store disables caching.
func NewAddressBook(store *KeyStore) *AddressBook {
	return &AddressBook{
		httpClient: nip05HTTPClient,
		store:      store,
	}
}

// ResolveRecipient resolves a name@domain identifier to its pubkey and
// relay hints.
func (b *AddressBook) ResolveRecipient(ctx context.Context, identifier string) (*NostrAddressResult, error) {
	key := strings.ToLower(strings.TrimSpace(identifier))

	if b.store != nil {
		if raw, ok := b.store.NostrAddressCacheGet(ctx, key); ok {
			var cached NostrAddressResult
			if err := json.Unmarshal(raw, &cached); err == nil && cached.Pubkey != "" {
				return &cached, nil
			}
		}
	}

	result, err := b.fetch(ctx, key)
	if err != nil {
		return nil, err
	}

	if b.store != nil {
		if raw, err := json.Marshal(result); err == nil {
			if err := b.store.NostrAddressCacheSet(ctx, key, raw, nip05CacheTTL); err != nil {
				slog.Warn("addressbook: failed to cache resolution", "error", err)
			}
		}
	}
	return result, nil
}

// Verify reports whether the identifier currently maps to the given
// pubkey. Comparison is case-insensitive on the hex.
func (b *AddressBook) Verify(ctx context.Context, identifier, pubkey string) bool {
	result, err := b.ResolveRecipient(ctx, identifier)
	if err != nil {
		return false
	}
	return strings.EqualFold(result.Pubkey, pubkey)
}

func (b *AddressBook) fetch(ctx context.Context, identifier string) (*NostrAddressResult, error) {
	parts := strings.SplitN(identifier, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, newError(KindMalformedAddress, "expected name@domain, got %q", identifier)
	}
	name := parts[0]
	domain := parts[1]
	if strings.ContainsAny(domain, "/\\") {
		return nil, newError(KindMalformedAddress, "invalid domain %q", domain)
	}

	wellKnownURL := fmt.Sprintf("https://%s/.well-known/nostr.json?name=%s", domain, name)
	if err := validateExternalURL(wellKnownURL); err != nil {
		return nil, wrapError(KindMalformedAddress, "unsafe identifier domain", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", wellKnownURL, nil)
	if err != nil {
		return nil, wrapError(KindDiscoveryUnreachable, "failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, wrapError(KindDiscoveryUnreachable, "identifier lookup failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newError(KindDiscoveryUnreachable, "identifier lookup returned status %d", resp.StatusCode)
	}

	var data struct {
		Names  map[string]string   `json:"names"`
		Relays map[string][]string `json:"relays"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&data); err != nil {
		return nil, wrapError(KindDiscoveryUnreachable, "failed to parse nostr.json", err)
	}

	pubkey, ok := data.Names[name]
	if !ok {
		return nil, newError(KindNoAddress, "name %q not listed at %s", name, domain)
	}
	pubkey = strings.ToLower(pubkey)

	result := &NostrAddressResult{
		Pubkey:    pubkey,
		CheckedAt: time.Now().Unix(),
	}
	// "_@domain" displays as the bare domain
	if name == "_" {
		result.Domain = domain
	} else {
		result.Domain = identifier
	}

	for _, relay := range data.Relays[pubkey] {
		if isRelayURLSafe(relay) {
			result.Relays = append(result.Relays, relay)
		}
	}

	slog.Debug("addressbook: identifier resolved",
		"identifier", identifier,
		"pubkey", nostr.ShortID(pubkey),
		"relays", len(result.Relays))
	return result, nil
}
