package zapengine

import (
	"fmt"
	"time"

	"zapengine/internal/types"
)

// Zap request construction (NIP-57 kind 9734).

const (
	zapRequestKind = 9734

	// Total bitcoin supply in millisats; no invoice can exceed this.
	maxSaneAmountMsats = int64(21_000_000) * 100_000_000 * 1000
)

// ZapTarget identifies what is being zapped: a profile, and optionally
// one of its posts.
type ZapTarget struct {
	RecipientPubkey string
	EventID         string // empty for profile-only zaps
	EventKind       int    // kind of the target event, 0 when unknown
}

// ZapRequestParams are the inputs for building one zap request event.
type ZapRequestParams struct {
	Target       ZapTarget
	Endpoint     *PaymentEndpoint
	AmountMsats  int64
	Comment      string
	RelayHints   []string
	OverrideTags [][]string
}

// AmountOutOfRange reports whether amount falls outside the endpoint's
// declared sendable range.
func AmountOutOfRange(minSendable, maxSendable, amountMsats int64) bool {
	return amountMsats < minSendable || amountMsats > maxSendable
}

// BuildZapRequest constructs the unsigned kind-9734 payment request.
// Pure: no I/O, fresh event per call. The caller passes ownership of
// the result to a Signer for finalization.
func BuildZapRequest(p ZapRequestParams) (*types.UnsignedEvent, error) {
	if p.Target.RecipientPubkey == "" {
		return nil, newError(KindNoAddress, "zap request requires a recipient pubkey")
	}
	if p.Endpoint == nil {
		return nil, newError(KindProtocolUnsupported, "zap request requires a resolved endpoint")
	}
	if p.AmountMsats <= 0 {
		return nil, newError(KindAmountOutOfRange, "amount must be positive, got %d msats", p.AmountMsats)
	}
	if p.AmountMsats > maxSaneAmountMsats {
		return nil, newError(KindAmountOutOfRange, "amount %d msats exceeds sanity ceiling", p.AmountMsats)
	}
	if AmountOutOfRange(p.Endpoint.MinSendable, p.Endpoint.MaxSendable, p.AmountMsats) {
		return nil, newError(KindAmountOutOfRange,
			"amount %d msats outside endpoint range [%d, %d]",
			p.AmountMsats, p.Endpoint.MinSendable, p.Endpoint.MaxSendable)
	}

	relaysTag := append([]string{"relays"}, p.RelayHints...)
	tags := [][]string{
		relaysTag,
		{"amount", fmt.Sprintf("%d", p.AmountMsats)},
		{"lnurl", p.Endpoint.Address},
		{"p", p.Target.RecipientPubkey},
	}
	if p.Target.EventID != "" {
		tags = append(tags, []string{"e", p.Target.EventID})
		if p.Target.EventKind > 0 {
			tags = append(tags, []string{"k", fmt.Sprintf("%d", p.Target.EventKind)})
		}
	}
	tags = append(tags, p.OverrideTags...)

	return &types.UnsignedEvent{
		Kind:      zapRequestKind,
		CreatedAt: time.Now().Unix(),
		Tags:      tags,
		Content:   p.Comment,
	}, nil
}
