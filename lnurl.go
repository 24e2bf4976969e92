package zapengine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"zapengine/internal/nips"
)

// LNURL-pay endpoint resolution and invoice acquisition (LUD-16 /
// LUD-06 / NIP-57).

const (
	lnurlHTTPTimeout   = 10 * time.Second
	validationCacheTTL = 5 * time.Minute
)

// PaymentEndpoint describes a recipient's resolved Lightning payment
// endpoint. Derived once per payment attempt; not persisted beyond the
// validation cache.
type PaymentEndpoint struct {
	Address                  string `json:"address"`
	CallbackURL              string `json:"callback_url"`
	MinSendable              int64  `json:"min_sendable"` // millisats
	MaxSendable              int64  `json:"max_sendable"` // millisats
	SupportsProtocolPayments bool   `json:"supports_protocol_payments"`
	ReceiptPubkey            string `json:"receipt_pubkey,omitempty"` // signs zap receipts
	CommentAllowed           int    `json:"comment_allowed,omitempty"`
}

// Invoice is a Lightning invoice obtained from the endpoint callback.
type Invoice struct {
	PaymentRequest  string `json:"payment_request"` // bolt11
	AmountMilliSats int64  `json:"amount_msats"`
	PaymentHash     string `json:"payment_hash,omitempty"`
}

// ValidationCacheEntry records a prior resolution outcome. Entries are
// advisory: a cache miss means re-check, never "invalid".
type ValidationCacheEntry struct {
	Key                    string           `json:"key"`
	Valid                  bool             `json:"valid"`
	Timestamp              int64            `json:"timestamp"`
	ResolvedIdentityPubkey string           `json:"resolved_identity_pubkey,omitempty"`
	Endpoint               *PaymentEndpoint `json:"endpoint,omitempty"`
	FailureKind            string           `json:"failure_kind,omitempty"`
}

// lnurlPayInfo is the discovery document served at
// /.well-known/lnurlp/<name>.
type lnurlPayInfo struct {
	Callback       string `json:"callback"`
	MinSendable    int64  `json:"minSendable"` // millisats
	MaxSendable    int64  `json:"maxSendable"` // millisats
	Metadata       string `json:"metadata"`
	Tag            string `json:"tag"` // should be "payRequest"
	AllowsNostr    bool   `json:"allowsNostr"`
	NostrPubkey    string `json:"nostrPubkey"`
	CommentAllowed int    `json:"commentAllowed"`
}

// lnurlPayResponse contains the invoice from the callback
type lnurlPayResponse struct {
	PR     string `json:"pr"` // BOLT11 invoice
	Routes []any  `json:"routes"`
}

// lnurlErrorBody is returned by LNURL services on error
type lnurlErrorBody struct {
	Status string `json:"status"` // "ERROR"
	Reason string `json:"reason"`
}

// profileMetadata is the subset of kind-0 profile content the resolver
// reads. Malformed profile JSON is treated as an empty object.
type profileMetadata struct {
	Lud16 string `json:"lud16"`
	Lud06 string `json:"lud06"`
}

// Resolver resolves Lightning addresses to payment endpoints. Safe for
// concurrent use; duplicate in-flight discoveries for one address
// coalesce, and outcomes are cached with a short TTL.
type Resolver struct {
	httpClient *http.Client
	store      *KeyStore
	group      singleflight.Group
}

// NewResolver creates a resolver that caches validation results in the
// given store. A nil store disables caching.
func NewResolver(store *KeyStore) *Resolver {
	return &Resolver{
		httpClient: &http.Client{Timeout: lnurlHTTPTimeout},
		store:      store,
	}
}

// Resolve determines the recipient's payment endpoint. The override
// address (from the target post's zap tag) wins over the profile's
// lud16/lud06. profileJSON may be malformed and is then ignored.
func (r *Resolver) Resolve(ctx context.Context, profileJSON []byte, overrideAddress string) (*PaymentEndpoint, error) {
	address := strings.TrimSpace(overrideAddress)
	if address == "" {
		var meta profileMetadata
		if len(profileJSON) > 0 {
			if err := json.Unmarshal(profileJSON, &meta); err != nil {
				slog.Debug("resolver: malformed profile metadata, treating as empty", "error", err)
				meta = profileMetadata{}
			}
		}
		if meta.Lud16 != "" {
			address = meta.Lud16
		} else if meta.Lud06 != "" {
			address = meta.Lud06
		}
	}

	if address == "" {
		return nil, newError(KindNoAddress, "recipient has no Lightning address configured")
	}

	return r.ResolveAddress(ctx, address)
}

// ResolveAddress resolves a single Lightning address (user@domain) or
// bech32 lnurl to a payment endpoint.
func (r *Resolver) ResolveAddress(ctx context.Context, address string) (*PaymentEndpoint, error) {
	key := strings.ToLower(strings.TrimSpace(address))

	if cached, err, hit := r.cachedOutcome(ctx, key); hit {
		resolverCacheHitsTotal.Add(1)
		return cached, err
	}
	resolverCacheMissesTotal.Add(1)

	// Coalesce concurrent discoveries for the same address
	result, err, shared := r.group.Do(key, func() (interface{}, error) {
		endpoint, err := r.discover(ctx, key)
		r.writeCache(ctx, key, endpoint, err)
		return endpoint, err
	})
	if shared {
		slog.Debug("resolver: shared discovery", "address", key)
	}
	if err != nil {
		return nil, err
	}
	return result.(*PaymentEndpoint), nil
}

// cachedOutcome replays a fresh cache entry. Only discovery outcomes
// are cached; the bool result reports whether a fresh entry existed.
func (r *Resolver) cachedOutcome(ctx context.Context, key string) (*PaymentEndpoint, error, bool) {
	if r.store == nil {
		return nil, nil, false
	}
	raw, found := r.store.ValidationCacheGet(ctx, key)
	if !found {
		return nil, nil, false
	}
	var entry ValidationCacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, nil, false
	}
	if time.Since(time.Unix(entry.Timestamp, 0)) > validationCacheTTL {
		return nil, nil, false
	}
	if entry.Valid && entry.Endpoint != nil {
		endpoint := *entry.Endpoint
		return &endpoint, nil, true
	}
	if !entry.Valid && entry.FailureKind != "" {
		return nil, newError(ErrorKind(entry.FailureKind), "cached discovery failure for %s", key), true
	}
	return nil, nil, false
}

// writeCache records a discovery outcome. Local address-shape failures
// are not cached; they cost nothing to recompute.
func (r *Resolver) writeCache(ctx context.Context, key string, endpoint *PaymentEndpoint, resErr error) {
	if r.store == nil {
		return
	}
	entry := ValidationCacheEntry{
		Key:       key,
		Timestamp: time.Now().Unix(),
	}
	switch {
	case resErr == nil:
		entry.Valid = true
		entry.Endpoint = endpoint
		entry.ResolvedIdentityPubkey = endpoint.ReceiptPubkey
	case IsKind(resErr, KindDiscoveryUnreachable) || IsKind(resErr, KindProtocolUnsupported):
		entry.Valid = false
		entry.FailureKind = string(KindOf(resErr))
	default:
		return
	}

	raw, err := json.Marshal(&entry)
	if err != nil {
		return
	}
	if err := r.store.ValidationCacheSet(ctx, key, raw, validationCacheTTL); err != nil {
		slog.Warn("resolver: failed to write validation cache", "error", err)
	}
}

// discover performs the well-known discovery fetch for an address.
func (r *Resolver) discover(ctx context.Context, address string) (*PaymentEndpoint, error) {
	discoveryURL, err := discoveryURLFor(address)
	if err != nil {
		return nil, err
	}

	info, err := r.fetchPayInfo(ctx, discoveryURL)
	if err != nil {
		return nil, err
	}

	endpoint := &PaymentEndpoint{
		Address:                  address,
		CallbackURL:              info.Callback,
		MinSendable:              info.MinSendable,
		MaxSendable:              info.MaxSendable,
		SupportsProtocolPayments: info.AllowsNostr,
		ReceiptPubkey:            info.NostrPubkey,
		CommentAllowed:           info.CommentAllowed,
	}

	// A payment without the protocol receipt cannot be correlated back
	// to the post, so an endpoint without allowsNostr is unusable here.
	if !endpoint.SupportsProtocolPayments {
		return nil, newError(KindProtocolUnsupported, "endpoint for %s does not accept nostr payment requests", address)
	}

	return endpoint, nil
}

// discoveryURLFor maps an address to its well-known discovery URL.
// Accepts user@domain (LUD-16) and bech32 lnurl1... (LUD-06).
func discoveryURLFor(address string) (string, error) {
	if strings.HasPrefix(strings.ToLower(address), "lnurl1") {
		decoded, err := nips.DecodeLNURL(address)
		if err != nil {
			return "", wrapError(KindMalformedAddress, "invalid lnurl", err)
		}
		return decoded, nil
	}

	parts := strings.SplitN(address, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", newError(KindMalformedAddress, "expected user@domain, got %q", address)
	}
	return fmt.Sprintf("https://%s/.well-known/lnurlp/%s", parts[1], strings.ToLower(parts[0])), nil
}

func (r *Resolver) fetchPayInfo(ctx context.Context, discoveryURL string) (*lnurlPayInfo, error) {
	if err := validateExternalURL(discoveryURL); err != nil {
		return nil, wrapError(KindMalformedAddress, "unsafe discovery URL", err)
	}

	ctx, cancel := context.WithTimeout(ctx, lnurlHTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", discoveryURL, nil)
	if err != nil {
		return nil, wrapError(KindDiscoveryUnreachable, "failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, wrapError(KindDiscoveryUnreachable, "discovery fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newError(KindDiscoveryUnreachable, "discovery returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, wrapError(KindDiscoveryUnreachable, "failed to read discovery response", err)
	}

	var lnurlErr lnurlErrorBody
	if err := json.Unmarshal(body, &lnurlErr); err == nil && lnurlErr.Status == "ERROR" {
		return nil, newError(KindProtocolUnsupported, "discovery error: %s", lnurlErr.Reason)
	}

	var info lnurlPayInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, wrapError(KindProtocolUnsupported, "failed to parse discovery response", err)
	}

	if info.Tag != "payRequest" {
		return nil, newError(KindProtocolUnsupported, "unexpected tag %q (expected payRequest)", info.Tag)
	}
	if info.Callback == "" {
		return nil, newError(KindProtocolUnsupported, "discovery document missing callback")
	}
	if info.MinSendable <= 0 || info.MaxSendable <= 0 {
		return nil, newError(KindProtocolUnsupported, "discovery document missing amount limits")
	}

	return &info, nil
}

// RequestInvoice submits the signed zap request to the endpoint's
// callback URL and returns the bolt11 invoice it answers with.
func (r *Resolver) RequestInvoice(ctx context.Context, endpoint *PaymentEndpoint, amountMsats int64, signedZapRequestJSON string) (*Invoice, error) {
	if err := validateExternalURL(endpoint.CallbackURL); err != nil {
		return nil, wrapError(KindNoInvoiceReturned, "unsafe callback URL", err)
	}

	callbackURL, err := url.Parse(endpoint.CallbackURL)
	if err != nil {
		return nil, wrapError(KindNoInvoiceReturned, "invalid callback URL", err)
	}

	query := callbackURL.Query()
	query.Set("amount", fmt.Sprintf("%d", amountMsats))
	if signedZapRequestJSON != "" {
		query.Set("nostr", signedZapRequestJSON)
		query.Set("lnurl", endpoint.Address)
	}
	callbackURL.RawQuery = query.Encode()

	ctx, cancel := context.WithTimeout(ctx, lnurlHTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", callbackURL.String(), nil)
	if err != nil {
		return nil, wrapError(KindNoInvoiceReturned, "failed to create callback request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, wrapError(KindNoInvoiceReturned, "callback fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newError(KindNoInvoiceReturned, "callback returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, wrapError(KindNoInvoiceReturned, "failed to read callback response", err)
	}

	var lnurlErr lnurlErrorBody
	if err := json.Unmarshal(body, &lnurlErr); err == nil && lnurlErr.Status == "ERROR" {
		return nil, newError(KindNoInvoiceReturned, "callback error: %s", lnurlErr.Reason)
	}

	var payResp lnurlPayResponse
	if err := json.Unmarshal(body, &payResp); err != nil {
		return nil, wrapError(KindNoInvoiceReturned, "failed to parse callback response", err)
	}

	if payResp.PR == "" {
		return nil, newError(KindNoInvoiceReturned, "callback returned no payment request")
	}

	return &Invoice{
		PaymentRequest:  payResp.PR,
		AmountMilliSats: amountMsats,
		PaymentHash:     paymentHashFromBolt11(payResp.PR),
	}, nil
}

// paymentHashFromBolt11 extracts the payment hash (tagged field 'p')
// from a bolt11 invoice. Returns "" when the invoice cannot be
// decoded; the hash is informational here, not load-bearing.
func paymentHashFromBolt11(bolt11 string) string {
	_, data, err := nips.Bech32Decode(strings.ToLower(bolt11))
	if err != nil {
		return ""
	}

	// 7 groups of timestamp up front, 104 groups of signature at the
	// end; tagged fields live in between.
	if len(data) < 7+104 {
		return ""
	}
	tagged := data[7 : len(data)-104]

	for i := 0; i+3 <= len(tagged); {
		tagType := tagged[i]
		tagLen := int(tagged[i+1])<<5 | int(tagged[i+2])
		i += 3
		if i+tagLen > len(tagged) {
			return ""
		}
		// 'p' = 1: payment hash, 52 five-bit groups
		if tagType == 1 && tagLen == 52 {
			raw, err := nips.Bech32ConvertBits(tagged[i:i+tagLen], 5, 8, true)
			if err != nil || len(raw) < 32 {
				return ""
			}
			return hex.EncodeToString(raw[:32])
		}
		i += tagLen
	}
	return ""
}

// validateExternalURL validates that a URL is safe to fetch (SSRF prevention)
func validateExternalURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}

	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("invalid scheme: %s (expected https)", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "0.0.0.0" ||
		strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return errors.New("internal hosts not allowed")
	}

	// Loopback is allowed for development; other private ranges are not.
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return errors.New("private addresses not allowed")
		}
	}

	return nil
}

// SatsToMsats converts satoshis to millisatoshis
func SatsToMsats(sats int64) int64 {
	return sats * 1000
}

// MsatsToSats converts millisatoshis to satoshis (rounds down)
func MsatsToSats(msats int64) int64 {
	return msats / 1000
}
