// Command-line zap sender
// Resolves a Lightning address, builds and signs the zap request, and
// settles the invoice through a connected wallet or a terminal QR code.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"zapengine"
	"zapengine/internal/nips"
)

const usageText = `Usage: zap <command> [flags]

Commands:
  pay       resolve an address and send a zap
  balance   show the connected wallet's balance
  invoices  list the connected wallet's transactions
  lookup    look up an invoice by payment hash
  info      show the connected wallet's capabilities

Environment:
  NWC_URI           wallet connection string (nostr+walletconnect://...)
  NOSTR_SECRET_KEY  signing key (hex or nsec) for non-anonymous zaps
  REDIS_URL         optional cache backend for endpoint validation
  LOG_LEVEL         debug | info | warn | error
`

type relayList []string

func (r *relayList) String() string { return strings.Join(*r, ",") }
func (r *relayList) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func main() {
	zapengine.InitLogger()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}
	command := os.Args[1]

	flags := flag.NewFlagSet(command, flag.ExitOnError)
	var (
		recipient = flags.String("recipient", "", "recipient pubkey (npub or hex)")
		address   = flags.String("address", "", "lightning address, overrides the profile's")
		profile   = flags.String("profile", "", "path to a profile metadata JSON file")
		eventID   = flags.String("event", "", "event to zap (note id or hex), optional")
		eventKind = flags.Int("event-kind", 1, "kind of the zapped event")
		amount    = flags.Int64("amount", 0, "amount in sats")
		comment   = flags.String("comment", "", "zap comment")
		signer    = flags.String("signer", "local", "signing method: local | anonymous")
		hash      = flags.String("hash", "", "payment hash (lookup command)")
		timeout   = flags.Duration("timeout", 60*time.Second, "wallet exchange timeout")
		relays    relayList
	)
	flags.Var(&relays, "relay", "relay hint for the zap receipt (repeatable)")
	flags.Parse(os.Args[2:])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var err error
	switch command {
	case "pay":
		err = runPay(ctx, *recipient, *address, *profile, *eventID, *eventKind, *amount, *comment, *signer, *timeout, relays)
	case "balance":
		err = runBalance(ctx, *timeout)
	case "invoices":
		err = runInvoices(ctx, *timeout)
	case "lookup":
		err = runLookup(ctx, *hash, *timeout)
	case "info":
		err = runInfo(ctx)
	default:
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "zap: %v\n", err)
		os.Exit(1)
	}
}

// newStore picks Redis when REDIS_URL is set, in-memory otherwise.
func newStore() *zapengine.KeyStore {
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		store, err := zapengine.NewRedisKeyStore(redisURL)
		if err == nil {
			return store
		}
		fmt.Fprintf(os.Stderr, "zap: redis unavailable, using in-memory cache: %v\n", err)
	}
	return zapengine.NewMemoryKeyStore()
}

// newWallet builds a wallet client from NWC_URI, or returns nil when
// no connection string is configured.
func newWallet(pool *zapengine.RelayPool, timeout time.Duration) (*zapengine.WalletClient, error) {
	uri := os.Getenv("NWC_URI")
	if uri == "" {
		return nil, nil
	}
	session, err := zapengine.ParseWalletConnectURI(uri)
	if err != nil {
		return nil, err
	}
	client := zapengine.NewWalletClient(session, pool)
	client.SetTimeout(timeout)
	return client, nil
}

func requireWallet(pool *zapengine.RelayPool, timeout time.Duration) (*zapengine.WalletClient, error) {
	wallet, err := newWallet(pool, timeout)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, fmt.Errorf("NWC_URI is not set")
	}
	return wallet, nil
}

// decodeRecipient accepts an npub, a 64-hex pubkey or a NIP-05
// name@domain identifier. NIP-05 resolutions also yield relay hints.
func decodeRecipient(ctx context.Context, store *zapengine.KeyStore, recipient string) (string, []string, error) {
	if strings.HasPrefix(recipient, "npub1") {
		pubkey, err := nips.DecodeNpub(recipient)
		return pubkey, nil, err
	}
	if strings.Contains(recipient, "@") {
		result, err := zapengine.NewAddressBook(store).ResolveRecipient(ctx, recipient)
		if err != nil {
			return "", nil, err
		}
		return result.Pubkey, result.Relays, nil
	}
	if len(recipient) == 64 {
		if _, err := hex.DecodeString(recipient); err == nil {
			return strings.ToLower(recipient), nil, nil
		}
	}
	return "", nil, fmt.Errorf("recipient must be an npub, name@domain or 64-hex pubkey")
}

func decodeEventID(id string) (string, error) {
	if strings.HasPrefix(id, "note1") {
		return nips.DecodeNote(id)
	}
	if len(id) == 64 {
		if _, err := hex.DecodeString(id); err == nil {
			return strings.ToLower(id), nil
		}
	}
	return "", fmt.Errorf("event must be a note id or 64-hex event id")
}

func runPay(ctx context.Context, recipient, address, profilePath, eventID string, eventKind int, amountSats int64, comment, signerMethod string, timeout time.Duration, relays relayList) error {
	if recipient == "" {
		return fmt.Errorf("-recipient is required")
	}
	if amountSats <= 0 {
		return fmt.Errorf("-amount must be a positive number of sats")
	}

	store := newStore()
	defer store.Close()

	recipientHex, hintedRelays, err := decodeRecipient(ctx, store, recipient)
	if err != nil {
		return err
	}
	if len(relays) == 0 {
		relays = hintedRelays
	}

	target := zapengine.ZapTarget{RecipientPubkey: recipientHex, EventKind: eventKind}
	if eventID != "" {
		target.EventID, err = decodeEventID(eventID)
		if err != nil {
			return err
		}
	}

	var profileJSON string
	if profilePath != "" {
		data, err := os.ReadFile(profilePath)
		if err != nil {
			return fmt.Errorf("failed to read profile: %v", err)
		}
		profileJSON = string(data)
	}
	if profileJSON == "" && address == "" {
		return fmt.Errorf("provide -address or -profile")
	}

	pool := zapengine.NewRelayPool()
	defer pool.CloseAll()

	wallet, err := newWallet(pool, timeout)
	if err != nil {
		return err
	}

	signer := zapengine.SelectSigner(ctx, signerMethod, zapengine.SignerDeps{
		Store:     store,
		SecretKey: os.Getenv("NOSTR_SECRET_KEY"),
	})

	dispatcher := zapengine.NewDispatcher(
		zapengine.NewResolver(store),
		signer,
		wallet,
		&zapengine.QRPresenter{Out: os.Stdout},
	)

	outcome, err := dispatcher.Zap(ctx, zapengine.ZapParams{
		ProfileJSON:     profileJSON,
		OverrideAddress: address,
		Target:          target,
		AmountMsats:     zapengine.SatsToMsats(amountSats),
		Comment:         comment,
		RelayHints:      relays,
	})
	if err != nil {
		return err
	}

	if outcome.Paid {
		fmt.Printf("Paid %d sats to %s (preimage %s)\n", amountSats, outcome.Endpoint.Address, outcome.Preimage)
	} else {
		fmt.Printf("Invoice for %d sats ready above; pay it with any Lightning wallet.\n", amountSats)
	}
	return nil
}

func runBalance(ctx context.Context, timeout time.Duration) error {
	pool := zapengine.NewRelayPool()
	defer pool.CloseAll()

	wallet, err := requireWallet(pool, timeout)
	if err != nil {
		return err
	}
	balance, err := wallet.GetBalance(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d sats (%d msats)\n", zapengine.MsatsToSats(balance.Balance), balance.Balance)
	return nil
}

func runInvoices(ctx context.Context, timeout time.Duration) error {
	pool := zapengine.NewRelayPool()
	defer pool.CloseAll()

	wallet, err := requireWallet(pool, timeout)
	if err != nil {
		return err
	}
	transactions, err := wallet.ListInvoices(ctx, zapengine.ListInvoicesParams{Limit: 20})
	if err != nil {
		return err
	}
	if len(transactions) == 0 {
		fmt.Println("no transactions")
		return nil
	}
	for _, tx := range transactions {
		settled := "pending"
		if tx.SettledAt > 0 {
			settled = time.Unix(tx.SettledAt, 0).Format(time.RFC3339)
		}
		fmt.Printf("%-8s %12d msats  %s  %s\n", tx.Type, tx.Amount, settled, tx.Description)
	}
	return nil
}

func runLookup(ctx context.Context, hash string, timeout time.Duration) error {
	if hash == "" {
		return fmt.Errorf("-hash is required")
	}
	pool := zapengine.NewRelayPool()
	defer pool.CloseAll()

	wallet, err := requireWallet(pool, timeout)
	if err != nil {
		return err
	}
	tx, err := wallet.LookupInvoice(ctx, hash)
	if err != nil {
		return err
	}
	out, _ := json.MarshalIndent(tx, "", "  ")
	fmt.Println(string(out))
	return nil
}

func runInfo(ctx context.Context) error {
	pool := zapengine.NewRelayPool()
	defer pool.CloseAll()

	wallet, err := requireWallet(pool, infoTimeoutForCLI)
	if err != nil {
		return err
	}
	info := wallet.GetInfo(ctx)
	if len(info.Methods) == 0 {
		fmt.Println("wallet capabilities unknown (no advertisement found)")
		return nil
	}
	fmt.Printf("methods:       %s\n", strings.Join(info.Methods, " "))
	if len(info.Encryptions) > 0 {
		fmt.Printf("encryption:    %s\n", strings.Join(info.Encryptions, " "))
	}
	if len(info.Notifications) > 0 {
		fmt.Printf("notifications: %s\n", strings.Join(info.Notifications, " "))
	}
	return nil
}

const infoTimeoutForCLI = 10 * time.Second
