package zapengine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"zapengine/internal/nostr"
	"zapengine/internal/types"
)

// NWC (Nostr Wallet Connect) client - NIP-47. One encrypted JSON-RPC
// exchange per request event, correlated strictly by request id.

const (
	nwcRequestKind  = 23194 // client request to wallet
	nwcResponseKind = 23195 // wallet response to client
	nwcInfoKind     = 13194 // wallet capability advertisement

	defaultExchangeTimeout = 60 * time.Second
	infoLookupTimeout      = 10 * time.Second
)

// WalletConnectSession holds the parsed connection parameters for one
// wallet. The client secret never leaves this package.
type WalletConnectSession struct {
	WalletPubkey string // hex
	Relays       []string
	ClientPubkey string // hex, derived from the secret

	clientSecret    []byte
	conversationKey []byte // NIP-44
	nip04SharedKey  []byte // NIP-04
}

// ParseWalletConnectURI parses a wallet connection string.
// Format: nostr+walletconnect://<wallet-pubkey>?relay=<wss://...>&secret=<hex|nsec>
// The relay parameter may repeat. Every field is required; nothing is
// defaulted.
func ParseWalletConnectURI(uri string) (*WalletConnectSession, error) {
	var rest string
	switch {
	case strings.HasPrefix(uri, "nostr+walletconnect://"):
		rest = strings.TrimPrefix(uri, "nostr+walletconnect://")
	case strings.HasPrefix(uri, "nostrwalletconnect://"):
		rest = strings.TrimPrefix(uri, "nostrwalletconnect://")
	default:
		return nil, fmt.Errorf("invalid wallet connection string: unrecognized scheme")
	}

	// Re-shape so url.Parse accepts it
	u, err := url.Parse("https://" + rest)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet connection string: %v", err)
	}

	walletPubkey := strings.ToLower(u.Host)
	if len(walletPubkey) != 64 {
		return nil, fmt.Errorf("invalid wallet pubkey: must be 64 hex characters")
	}
	if _, err := hex.DecodeString(walletPubkey); err != nil {
		return nil, fmt.Errorf("invalid wallet pubkey: not valid hex")
	}

	relays := u.Query()["relay"]
	if len(relays) == 0 {
		return nil, fmt.Errorf("wallet connection string must include at least one relay parameter")
	}
	for _, relay := range relays {
		if !strings.HasPrefix(relay, "wss://") && !strings.HasPrefix(relay, "ws://") {
			return nil, fmt.Errorf("invalid relay URL %q: must start with wss:// or ws://", relay)
		}
	}

	secretParam := u.Query().Get("secret")
	if secretParam == "" {
		return nil, fmt.Errorf("wallet connection string must include a secret parameter")
	}
	secret, err := normalizeSecretKey(secretParam)
	if err != nil {
		return nil, fmt.Errorf("invalid secret: %v", err)
	}

	return newWalletConnectSession(walletPubkey, relays, secret)
}

func newWalletConnectSession(walletPubkey string, relays []string, secret []byte) (*WalletConnectSession, error) {
	clientPub, err := nostr.GetPublicKey(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to derive client pubkey: %v", err)
	}

	walletPubBytes, _ := hex.DecodeString(walletPubkey)

	conversationKey, err := ConversationKey(secret, walletPubBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to compute conversation key: %v", err)
	}

	nip04Key, err := Nip04SharedSecret(secret, walletPubBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to compute NIP-04 shared key: %v", err)
	}

	return &WalletConnectSession{
		WalletPubkey:    walletPubkey,
		Relays:          relays,
		ClientPubkey:    hex.EncodeToString(clientPub),
		clientSecret:    secret,
		conversationKey: conversationKey,
		nip04SharedKey:  nip04Key,
	}, nil
}

// relayBus is the pub/sub surface the client exchanges run over.
// *RelayPool implements it; tests substitute an in-process fake.
type relayBus interface {
	Subscribe(ctx context.Context, relayURL string, subID string, filter types.Filter) (*Subscription, error)
	Unsubscribe(relayURL string, sub *Subscription)
	PublishEvent(ctx context.Context, relayURL string, event *types.Event) error
}

// walletRequest is the plaintext JSON-RPC request body
type walletRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// walletResponse is the plaintext JSON-RPC response body
type walletResponse struct {
	ResultType string          `json:"result_type"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *WalletError    `json:"error,omitempty"`
}

// WalletClient instructs a remote Lightning wallet over the relay bus.
// Safe for concurrent use; concurrent exchanges on one session never
// interfere with each other.
type WalletClient struct {
	session *WalletConnectSession
	bus     relayBus
	timeout time.Duration
	nip04   atomic.Bool // fall back to NIP-04 envelopes
}

// NewWalletClient builds a client for one parsed session over the
// shared relay pool (or any other bus).
func NewWalletClient(session *WalletConnectSession, bus relayBus) *WalletClient {
	return &WalletClient{
		session: session,
		bus:     bus,
		timeout: defaultExchangeTimeout,
	}
}

// SetTimeout overrides the default per-exchange timeout.
func (c *WalletClient) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// UseNip04 switches the request envelope to NIP-04 for wallets that
// do not advertise NIP-44 support.
func (c *WalletClient) UseNip04(enable bool) {
	c.nip04.Store(enable)
}

// rpcExchange tracks one request/response pair. Exactly one terminal
// outcome per exchange; the guard is shared by the response, closed
// and timeout paths.
type rpcExchange struct {
	requestID string
	method    string
	createdAt time.Time

	resolveOnce sync.Once
	result      chan exchangeOutcome
}

type exchangeOutcome struct {
	response *walletResponse
	err      error
}

func newExchange(requestID, method string) *rpcExchange {
	return &rpcExchange{
		requestID: requestID,
		method:    method,
		createdAt: time.Now(),
		result:    make(chan exchangeOutcome, 1),
	}
}

// resolve records the terminal outcome. A second resolution is a no-op.
func (x *rpcExchange) resolve(outcome exchangeOutcome) {
	x.resolveOnce.Do(func() {
		x.result <- outcome
	})
}

// call runs one full exchange: encrypt, publish, await the correlated
// response, time out otherwise.
func (c *WalletClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	request := walletRequest{Method: method, Params: params}
	requestJSON, err := json.Marshal(&request)
	if err != nil {
		return nil, wrapError(KindSigningFailed, "failed to encode request", err)
	}

	event, err := c.buildRequestEvent(string(requestJSON))
	if err != nil {
		return nil, err
	}

	x := newExchange(event.ID, method)
	walletExchangesTotal.Add(1)
	slog.Debug("nwc: exchange created", "method", method, "request_id", nostr.ShortID(x.requestID))

	// Subscribe before publishing so the response cannot slip past.
	// Filter: response kind, wallet as author, p-tagged to us and
	// e-tagged to exactly this request.
	filter := types.Filter{
		Kinds:   []int{nwcResponseKind},
		Authors: []string{c.session.WalletPubkey},
		PTags:   []string{c.session.ClientPubkey},
		ETags:   []string{x.requestID},
	}

	var subs []*Subscription
	var subsMu sync.Mutex
	var closedCount atomic.Int32

	teardown := func() {
		subsMu.Lock()
		defer subsMu.Unlock()
		for _, sub := range subs {
			c.bus.Unsubscribe(sub.Relay, sub)
		}
	}
	defer teardown()

	for i, relay := range c.session.Relays {
		subID := fmt.Sprintf("nwc-%s-%d", nostr.ShortID(x.requestID), i)
		sub, err := c.bus.Subscribe(ctx, relay, subID, filter)
		if err != nil {
			slog.Debug("nwc: subscribe failed", "relay", relay, "error", err)
			closedCount.Add(1)
			continue
		}
		subsMu.Lock()
		subs = append(subs, sub)
		subsMu.Unlock()

		go c.awaitResponse(x, sub, &closedCount, int32(len(c.session.Relays)))
	}

	subsMu.Lock()
	liveSubs := len(subs)
	subsMu.Unlock()
	if liveSubs == 0 {
		return nil, newError(KindSubscriptionSetupFailed, "could not open a response subscription on any relay")
	}

	// Publish to all session relays; one acceptance is enough.
	published := 0
	var lastPublishErr error
	for _, relay := range c.session.Relays {
		if err := c.bus.PublishEvent(ctx, relay, event); err != nil {
			slog.Debug("nwc: publish failed", "relay", relay, "error", err)
			lastPublishErr = err
			continue
		}
		published++
	}
	if published == 0 {
		return nil, wrapError(KindPublishFailed, "request not accepted by any relay", lastPublishErr)
	}

	slog.Debug("nwc: request published", "method", method, "request_id", nostr.ShortID(x.requestID), "relays", published)

	// Timeout runs from publish time
	timer := time.AfterFunc(c.timeout, func() {
		walletTimeoutsTotal.Add(1)
		x.resolve(exchangeOutcome{err: newError(KindTimeout, "%s timed out after %s", method, c.timeout)})
	})
	defer timer.Stop()

	var outcome exchangeOutcome
	select {
	case outcome = <-x.result:
	case <-ctx.Done():
		// Abandoned by the caller; teardown still runs via defer
		x.resolve(exchangeOutcome{err: ctx.Err()})
		outcome = <-x.result
	}

	if outcome.err != nil {
		return nil, outcome.err
	}

	response := outcome.response
	if response.Error != nil {
		// A wallet-reported error is an expected business outcome
		return nil, &Error{Kind: KindWalletError, Err: response.Error}
	}
	if response.ResultType != method {
		return nil, newError(KindWalletError, "unexpected result type %q for %s", response.ResultType, method)
	}
	return response.Result, nil
}

// awaitResponse consumes one subscription until the exchange resolves.
func (c *WalletClient) awaitResponse(x *rpcExchange, sub *Subscription, closedCount *atomic.Int32, totalRelays int32) {
	for {
		select {
		case evt := <-sub.EventChan:
			response, err := c.decodeResponse(x, &evt)
			if err != nil {
				slog.Debug("nwc: discarding undecodable response", "request_id", nostr.ShortID(x.requestID), "error", err)
				continue
			}
			x.resolve(exchangeOutcome{response: response})
			return
		case <-sub.Done:
			// Resolve as closed only once every relay's subscription is
			// gone; a single relay dropping is not fatal.
			if closedCount.Add(1) >= totalRelays {
				x.resolve(exchangeOutcome{err: newError(KindSubscriptionClosed, "all response subscriptions closed before a response arrived")})
			}
			return
		}
	}
}

// decodeResponse decrypts and parses a response event for this exchange.
func (c *WalletClient) decodeResponse(x *rpcExchange, evt *types.Event) (*walletResponse, error) {
	if evt.PubKey != c.session.WalletPubkey {
		return nil, fmt.Errorf("response not from wallet")
	}
	if evt.TagValue("e") != x.requestID {
		// Filter should prevent this; correlation is by request id only
		return nil, fmt.Errorf("response for a different request")
	}

	var plaintext string
	var err error
	if strings.Contains(evt.Content, "?iv=") {
		plaintext, err = Nip04Decrypt(evt.Content, c.session.nip04SharedKey)
	} else {
		plaintext, err = Nip44Decrypt(evt.Content, c.session.conversationKey)
	}
	if err != nil {
		return nil, fmt.Errorf("decrypt failed: %w", err)
	}

	var response walletResponse
	if err := json.Unmarshal([]byte(plaintext), &response); err != nil {
		return nil, fmt.Errorf("parse failed: %w", err)
	}
	return &response, nil
}

// buildRequestEvent encrypts the request body and wraps it in a signed
// kind 23194 event tagged to the wallet.
func (c *WalletClient) buildRequestEvent(requestJSON string) (*types.Event, error) {
	var content string
	var err error
	tags := [][]string{{"p", c.session.WalletPubkey}}

	if c.nip04.Load() {
		// No encryption tag = NIP-04 assumed
		content, err = Nip04Encrypt(requestJSON, c.session.nip04SharedKey)
	} else {
		tags = append(tags, []string{"encryption", "nip44_v2"})
		content, err = Nip44Encrypt(requestJSON, c.session.conversationKey)
	}
	if err != nil {
		return nil, wrapError(KindSigningFailed, "failed to encrypt request", err)
	}

	event, err := nostr.FinalizeEvent(c.session.clientSecret, types.UnsignedEvent{
		Kind:      nwcRequestKind,
		CreatedAt: time.Now().Unix(),
		Tags:      tags,
		Content:   content,
	})
	if err != nil {
		return nil, wrapError(KindSigningFailed, "failed to sign request event", err)
	}
	return event, nil
}

// PayInvoiceResult is the wallet's answer to pay_invoice
type PayInvoiceResult struct {
	Preimage string `json:"preimage"`
	FeesPaid int64  `json:"fees_paid,omitempty"` // millisats
}

// PayInvoice instructs the wallet to pay a bolt11 invoice.
func (c *WalletClient) PayInvoice(ctx context.Context, bolt11 string) (*PayInvoiceResult, error) {
	raw, err := c.call(ctx, "pay_invoice", map[string]interface{}{"invoice": bolt11})
	if err != nil {
		return nil, err
	}
	var result PayInvoiceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse pay_invoice result: %v", err)
	}
	return &result, nil
}

// BalanceResult is the wallet's answer to get_balance
type BalanceResult struct {
	Balance int64 `json:"balance"` // millisats
}

// GetBalance queries the wallet balance.
func (c *WalletClient) GetBalance(ctx context.Context) (*BalanceResult, error) {
	raw, err := c.call(ctx, "get_balance", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var result BalanceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse get_balance result: %v", err)
	}
	return &result, nil
}

// MakeInvoiceParams are the inputs for make_invoice
type MakeInvoiceParams struct {
	AmountMsats int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	Expiry      int64  `json:"expiry,omitempty"` // seconds
}

// WalletTransaction is one invoice/payment record held by the wallet
type WalletTransaction struct {
	Type            string `json:"type"` // "incoming" or "outgoing"
	Invoice         string `json:"invoice,omitempty"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	Preimage        string `json:"preimage,omitempty"`
	PaymentHash     string `json:"payment_hash,omitempty"`
	Amount          int64  `json:"amount"` // millisats
	FeesPaid        int64  `json:"fees_paid,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
	SettledAt       int64  `json:"settled_at,omitempty"`
}

// MakeInvoice asks the wallet to issue an invoice.
func (c *WalletClient) MakeInvoice(ctx context.Context, params MakeInvoiceParams) (*WalletTransaction, error) {
	raw, err := c.call(ctx, "make_invoice", params)
	if err != nil {
		return nil, err
	}
	var result WalletTransaction
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse make_invoice result: %v", err)
	}
	return &result, nil
}

// ListInvoicesParams are the inputs for listing wallet transactions
type ListInvoicesParams struct {
	From   int64 `json:"from,omitempty"`
	Until  int64 `json:"until,omitempty"`
	Limit  int   `json:"limit,omitempty"`
	Offset int   `json:"offset,omitempty"`
	Unpaid bool  `json:"unpaid,omitempty"`
}

// ListInvoices retrieves the wallet's transaction list
// (NIP-47 list_transactions).
func (c *WalletClient) ListInvoices(ctx context.Context, params ListInvoicesParams) ([]WalletTransaction, error) {
	raw, err := c.call(ctx, "list_transactions", params)
	if err != nil {
		return nil, err
	}
	var result struct {
		Transactions []WalletTransaction `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse list_transactions result: %v", err)
	}
	return result.Transactions, nil
}

// LookupInvoice fetches the wallet's record for one payment hash.
func (c *WalletClient) LookupInvoice(ctx context.Context, paymentHash string) (*WalletTransaction, error) {
	raw, err := c.call(ctx, "lookup_invoice", map[string]interface{}{"payment_hash": paymentHash})
	if err != nil {
		return nil, err
	}
	var result WalletTransaction
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse lookup_invoice result: %v", err)
	}
	return &result, nil
}

// WalletInfo is the wallet's published capability advertisement.
// Zero value means the wallet published nothing we could find.
type WalletInfo struct {
	Methods       []string
	Notifications []string
	Encryptions   []string
}

// Supports reports whether the wallet advertises a method.
func (i *WalletInfo) Supports(method string) bool {
	for _, m := range i.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// GetInfo reads the wallet's kind 13194 capability advertisement via a
// plain lookup, not an RPC exchange. Unknown capabilities (nothing
// found within the discovery timeout) are reported as a zero value,
// not an error.
func (c *WalletClient) GetInfo(ctx context.Context) *WalletInfo {
	info := &WalletInfo{}

	ctx, cancel := context.WithTimeout(ctx, infoLookupTimeout)
	defer cancel()

	filter := types.Filter{
		Kinds:   []int{nwcInfoKind},
		Authors: []string{c.session.WalletPubkey},
		Limit:   1,
	}

	eventCh := make(chan types.Event, 1)
	var wg sync.WaitGroup
	for i, relay := range c.session.Relays {
		sub, err := c.bus.Subscribe(ctx, relay, fmt.Sprintf("nwc-info-%d", i), filter)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(relayURL string, sub *Subscription) {
			defer wg.Done()
			defer c.bus.Unsubscribe(relayURL, sub)
			select {
			case evt := <-sub.EventChan:
				select {
				case eventCh <- evt:
				default:
				}
			case <-sub.Done:
			case <-ctx.Done():
			}
		}(relay, sub)
	}

	go func() {
		wg.Wait()
		cancel()
	}()

	select {
	case evt := <-eventCh:
		if evt.PubKey == c.session.WalletPubkey {
			info.Methods = strings.Fields(evt.Content)
			if v := evt.TagValue("notifications"); v != "" {
				info.Notifications = strings.Fields(v)
			}
			if v := evt.TagValue("encryption"); v != "" {
				info.Encryptions = strings.Fields(v)
			}
		}
	case <-ctx.Done():
		slog.Debug("nwc: info lookup yielded nothing", "wallet", nostr.ShortID(c.session.WalletPubkey))
	}

	return info
}

// DetectEncryption queries the wallet advertisement and switches the
// envelope to NIP-04 when NIP-44 is not announced.
func (c *WalletClient) DetectEncryption(ctx context.Context) {
	info := c.GetInfo(ctx)
	if len(info.Methods) == 0 {
		return // unknown, keep the default
	}
	for _, scheme := range info.Encryptions {
		if scheme == "nip44_v2" {
			c.UseNip04(false)
			return
		}
	}
	slog.Info("nwc: wallet does not advertise nip44_v2, using NIP-04 envelopes")
	c.UseNip04(true)
}
