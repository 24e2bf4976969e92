package zapengine

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	qrcode "github.com/skip2/go-qrcode"

	"zapengine/internal/nostr"
)

// InvoicePresenter hands an invoice to the user for manual payment
// when no wallet connection is configured.
type InvoicePresenter interface {
	Present(ctx context.Context, invoice Invoice, target ZapTarget) error
}

// QRPresenter renders the invoice as a terminal QR code together with
// a lightning: deep link.
type QRPresenter struct {
	Out io.Writer
}

func (p *QRPresenter) Present(_ context.Context, invoice Invoice, _ ZapTarget) error {
	qr, err := qrcode.New(invoice.PaymentRequest, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("failed to render invoice QR code: %v", err)
	}
	fmt.Fprintln(p.Out, qr.ToSmallString(false))
	fmt.Fprintf(p.Out, "lightning:%s\n", invoice.PaymentRequest)
	return nil
}

// ZapParams describes one payment attempt end to end.
type ZapParams struct {
	// ProfileJSON is the recipient's profile metadata content; the
	// payment address is read from it unless OverrideAddress is set.
	ProfileJSON     string
	OverrideAddress string

	Target      ZapTarget
	AmountMsats int64
	Comment     string
	RelayHints  []string
}

// ZapOutcome reports what happened. Paid is true only when a connected
// wallet settled the invoice; a presented invoice leaves it false.
type ZapOutcome struct {
	Endpoint *PaymentEndpoint
	Invoice  Invoice
	Paid     bool
	Preimage string
	FeesPaid int64
}

// Dispatcher runs the full zap pipeline: resolve the recipient's
// endpoint, build and sign the zap request, fetch an invoice, then
// settle it. Settlement is strictly either/or: with a wallet client
// configured the invoice goes to the wallet and a failure there is
// terminal; without one it goes to the presenter. Never both.
type Dispatcher struct {
	resolver  *Resolver
	signer    Signer
	wallet    *WalletClient
	presenter InvoicePresenter
}

func NewDispatcher(resolver *Resolver, signer Signer, wallet *WalletClient, presenter InvoicePresenter) *Dispatcher {
	return &Dispatcher{
		resolver:  resolver,
		signer:    signer,
		wallet:    wallet,
		presenter: presenter,
	}
}

// Zap executes one payment attempt. Each pipeline stage's failure
// carries its own error kind, so callers can tell an unreachable
// domain from an unsupported endpoint from a wallet refusal.
func (d *Dispatcher) Zap(ctx context.Context, params ZapParams) (outcome *ZapOutcome, err error) {
	zapsStartedTotal.Add(1)
	defer func() {
		if err != nil {
			zapsFailedTotal.Add(1)
		}
	}()

	endpoint, err := d.resolver.Resolve(ctx, []byte(params.ProfileJSON), params.OverrideAddress)
	if err != nil {
		return nil, err
	}
	slog.Debug("zap: endpoint resolved",
		"address", endpoint.Address,
		"recipient", nostr.ShortID(params.Target.RecipientPubkey))

	target := params.Target
	if target.RecipientPubkey == "" {
		target.RecipientPubkey = endpoint.ReceiptPubkey
	}

	unsigned, err := BuildZapRequest(ZapRequestParams{
		Target:      target,
		Endpoint:    endpoint,
		AmountMsats: params.AmountMsats,
		Comment:     params.Comment,
		RelayHints:  params.RelayHints,
	})
	if err != nil {
		return nil, err
	}

	signed, err := d.signer.Sign(ctx, *unsigned)
	if err != nil {
		return nil, err
	}

	invoice, err := d.resolver.RequestInvoice(ctx, endpoint, params.AmountMsats, nostr.EventJSON(signed))
	if err != nil {
		return nil, err
	}

	outcome = &ZapOutcome{Endpoint: endpoint, Invoice: *invoice}

	if d.wallet != nil {
		result, err := d.wallet.PayInvoice(ctx, invoice.PaymentRequest)
		if err != nil {
			return nil, err
		}
		zapsPaidTotal.Add(1)
		outcome.Paid = true
		outcome.Preimage = result.Preimage
		outcome.FeesPaid = result.FeesPaid
		slog.Info("zap: invoice paid",
			"amount_msats", params.AmountMsats,
			"recipient", nostr.ShortID(target.RecipientPubkey))
		return outcome, nil
	}

	if d.presenter == nil {
		return nil, newError(KindNoInvoiceReturned, "no wallet connection and no invoice presenter configured")
	}
	if err := d.presenter.Present(ctx, *invoice, target); err != nil {
		return nil, err
	}
	zapsPresentedTotal.Add(1)
	slog.Info("zap: invoice presented for manual payment",
		"amount_msats", params.AmountMsats,
		"recipient", nostr.ShortID(target.RecipientPubkey))
	return outcome, nil
}
