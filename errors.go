package zapengine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the engine can surface. Callers
// branch on the kind, never on message text.
type ErrorKind string

const (
	KindNoAddress                 ErrorKind = "no_address"
	KindMalformedAddress          ErrorKind = "malformed_address"
	KindDiscoveryUnreachable      ErrorKind = "discovery_unreachable"
	KindProtocolUnsupported       ErrorKind = "protocol_unsupported"
	KindAmountOutOfRange          ErrorKind = "amount_out_of_range"
	KindSigningFailed             ErrorKind = "signing_failed"
	KindSigningPendingExternally  ErrorKind = "signing_pending_externally"
	KindNoInvoiceReturned         ErrorKind = "no_invoice_returned"
	KindPublishFailed             ErrorKind = "publish_failed"
	KindSubscriptionSetupFailed   ErrorKind = "subscription_setup_failed"
	KindSubscriptionClosed        ErrorKind = "subscription_closed"
	KindTimeout                   ErrorKind = "timeout"
	KindWalletError               ErrorKind = "wallet_error"
)

// Error is a classified engine error. Wraps an underlying cause when
// one exists.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError builds a classified error with a formatted message.
func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// wrapError classifies an underlying error.
func wrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// IsKind reports whether err is an engine error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the kind from an engine error, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// WalletError is an error the wallet itself reported over the RPC
// channel (NIP-47 error object). A wallet-reported error is an
// expected business outcome, so RPC methods return it as a value
// rather than failing the exchange.
type WalletError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WalletError) Error() string {
	return fmt.Sprintf("wallet error %s: %s", e.Code, e.Message)
}

// Standard NIP-47 wallet error codes
const (
	WalletErrRateLimited         = "RATE_LIMITED"
	WalletErrNotImplemented      = "NOT_IMPLEMENTED"
	WalletErrInsufficientBalance = "INSUFFICIENT_BALANCE"
	WalletErrQuotaExceeded       = "QUOTA_EXCEEDED"
	WalletErrRestricted          = "RESTRICTED"
	WalletErrUnauthorized        = "UNAUTHORIZED"
	WalletErrInternal            = "INTERNAL"
	WalletErrOther               = "OTHER"
	WalletErrPaymentFailed       = "PAYMENT_FAILED"
	WalletErrNotFound            = "NOT_FOUND"
)
