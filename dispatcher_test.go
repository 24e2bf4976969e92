package zapengine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"zapengine/internal/types"
)

type recordingPresenter struct {
	calls   int
	invoice Invoice
}

func (p *recordingPresenter) Present(_ context.Context, invoice Invoice, _ ZapTarget) error {
	p.calls++
	p.invoice = invoice
	return nil
}

// zapTestService serves both the discovery document and the invoice
// callback for a test recipient.
type zapTestService struct {
	server        *httptest.Server
	allowsNostr   bool
	callbackHits  atomic.Int32
	discoveryHits atomic.Int32
	lastNostr     atomic.Value // string
	bolt11        string
}

func newZapTestService(t *testing.T, allowsNostr bool) *zapTestService {
	t.Helper()
	hash := make([]byte, 32)
	for i := range hash {
		hash[i] = byte(32 - i)
	}
	svc := &zapTestService{allowsNostr: allowsNostr, bolt11: buildTestBolt11(t, hash)}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/lnurlp/carol", func(w http.ResponseWriter, r *http.Request) {
		svc.discoveryHits.Add(1)
		fmt.Fprint(w, payInfoJSON(svc.server.URL+"/callback", svc.allowsNostr))
	})
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		svc.callbackHits.Add(1)
		svc.lastNostr.Store(r.URL.Query().Get("nostr"))
		fmt.Fprintf(w, `{"pr": %q, "routes": []}`, svc.bolt11)
	})
	svc.server = httptest.NewServer(mux)
	t.Cleanup(svc.server.Close)
	return svc
}

func (s *zapTestService) address(t *testing.T) string {
	return encodeLNURL(t, s.server.URL+"/.well-known/lnurlp/carol")
}

func TestZapPresentsInvoiceWithoutWallet(t *testing.T) {
	svc := newZapTestService(t, true)
	presenter := &recordingPresenter{}
	dispatcher := NewDispatcher(NewResolver(nil), AnonymousSigner{}, nil, presenter)

	outcome, err := dispatcher.Zap(context.Background(), ZapParams{
		OverrideAddress: svc.address(t),
		Target:          ZapTarget{RecipientPubkey: strings.Repeat("cd", 32)},
		AmountMsats:     21_000,
		Comment:         "nice work",
	})
	if err != nil {
		t.Fatalf("Zap failed: %v", err)
	}

	if outcome.Paid {
		t.Error("outcome reports paid without a wallet")
	}
	if presenter.calls != 1 {
		t.Fatalf("presenter called %d times, want 1", presenter.calls)
	}
	if presenter.invoice.PaymentRequest != svc.bolt11 {
		t.Error("presenter got a different invoice")
	}

	// The signed zap request must have reached the callback
	nostrParam, _ := svc.lastNostr.Load().(string)
	if !strings.Contains(nostrParam, `"kind":9734`) {
		t.Errorf("callback nostr param = %s", nostrParam)
	}
	if !strings.Contains(nostrParam, `"sig"`) {
		t.Error("zap request reached the callback unsigned")
	}
}

func TestZapPaysThroughConnectedWallet(t *testing.T) {
	svc := newZapTestService(t, true)
	session, walletSecret := newTestSession(t)
	bus := &fakeBus{}
	bus.onPublish = func(event *types.Event) {
		bus.deliver(walletAnswer(t, walletSecret, event,
			`{"result_type":"pay_invoice","result":{"preimage":"feed","fees_paid":3}}`, false))
	}
	wallet := NewWalletClient(session, bus)

	presenter := &recordingPresenter{}
	dispatcher := NewDispatcher(NewResolver(nil), AnonymousSigner{}, wallet, presenter)

	outcome, err := dispatcher.Zap(context.Background(), ZapParams{
		OverrideAddress: svc.address(t),
		Target:          ZapTarget{RecipientPubkey: strings.Repeat("cd", 32)},
		AmountMsats:     21_000,
	})
	if err != nil {
		t.Fatalf("Zap failed: %v", err)
	}

	if !outcome.Paid {
		t.Error("outcome not marked paid")
	}
	if outcome.Preimage != "feed" {
		t.Errorf("preimage = %s", outcome.Preimage)
	}
	if presenter.calls != 0 {
		t.Error("presenter called even though the wallet settled the invoice")
	}
}

func TestZapWalletFailureIsTerminal(t *testing.T) {
	svc := newZapTestService(t, true)
	session, walletSecret := newTestSession(t)
	bus := &fakeBus{}
	bus.onPublish = func(event *types.Event) {
		bus.deliver(walletAnswer(t, walletSecret, event,
			`{"result_type":"pay_invoice","error":{"code":"PAYMENT_FAILED","message":"no route"}}`, false))
	}
	wallet := NewWalletClient(session, bus)

	presenter := &recordingPresenter{}
	dispatcher := NewDispatcher(NewResolver(nil), AnonymousSigner{}, wallet, presenter)

	_, err := dispatcher.Zap(context.Background(), ZapParams{
		OverrideAddress: svc.address(t),
		Target:          ZapTarget{RecipientPubkey: strings.Repeat("cd", 32)},
		AmountMsats:     21_000,
	})
	if !IsKind(err, KindWalletError) {
		t.Fatalf("kind = %v (%v), want wallet error", KindOf(err), err)
	}
	// Never fall through to manual presentation after a wallet failure
	if presenter.calls != 0 {
		t.Error("presenter called after a wallet failure")
	}
}

func TestZapStopsBeforeInvoiceWhenUnsupported(t *testing.T) {
	svc := newZapTestService(t, false)
	presenter := &recordingPresenter{}
	dispatcher := NewDispatcher(NewResolver(nil), AnonymousSigner{}, nil, presenter)

	_, err := dispatcher.Zap(context.Background(), ZapParams{
		OverrideAddress: svc.address(t),
		Target:          ZapTarget{RecipientPubkey: strings.Repeat("cd", 32)},
		AmountMsats:     21_000,
	})
	if !IsKind(err, KindProtocolUnsupported) {
		t.Fatalf("kind = %v (%v), want protocol unsupported", KindOf(err), err)
	}
	if svc.callbackHits.Load() != 0 {
		t.Error("invoice callback reached for an unsupported endpoint")
	}
	if presenter.calls != 0 {
		t.Error("presenter called for a failed resolution")
	}
}

func TestZapRejectsOutOfRangeAmountBeforeSigning(t *testing.T) {
	svc := newZapTestService(t, true)
	dispatcher := NewDispatcher(NewResolver(nil), AnonymousSigner{}, nil, &recordingPresenter{})

	_, err := dispatcher.Zap(context.Background(), ZapParams{
		OverrideAddress: svc.address(t),
		Target:          ZapTarget{RecipientPubkey: strings.Repeat("cd", 32)},
		AmountMsats:     1, // below the endpoint's minSendable
	})
	if !IsKind(err, KindAmountOutOfRange) {
		t.Fatalf("kind = %v (%v), want amount out of range", KindOf(err), err)
	}
	if svc.callbackHits.Load() != 0 {
		t.Error("invoice requested for an out-of-range amount")
	}
}

func TestZapDefaultsRecipientToEndpointPubkey(t *testing.T) {
	svc := newZapTestService(t, true)
	dispatcher := NewDispatcher(NewResolver(nil), AnonymousSigner{}, nil, &recordingPresenter{})

	_, err := dispatcher.Zap(context.Background(), ZapParams{
		OverrideAddress: svc.address(t),
		AmountMsats:     21_000,
	})
	if err != nil {
		t.Fatalf("Zap failed: %v", err)
	}

	// The p tag falls back to the endpoint's receipt pubkey
	nostrParam, _ := svc.lastNostr.Load().(string)
	if !strings.Contains(nostrParam, strings.Repeat("ab", 32)) {
		t.Errorf("zap request missing the endpoint pubkey: %s", nostrParam)
	}
}
