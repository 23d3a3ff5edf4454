package lightning

import (
	"context"
	"fmt"
	"time"

	"github.com/comit-network/cnd/connectors"
	"github.com/comit-network/cnd/swap"
)

// AsReceiver implements connectors.Connector for the payee's side of a
// Lightning leg. The receiver owns the invoice and therefore sees its full
// state machine directly, unlike AsSender which only infers progress from
// payment status.
type AsReceiver struct {
	client   restClient
	interval time.Duration
}

// NewAsReceiver builds an AsReceiver connector against the configured LND
// node.
func NewAsReceiver(cfg Config) (*AsReceiver, error) {
	client, err := newLNDRESTClient(cfg)
	if err != nil {
		return nil, err
	}
	return &AsReceiver{client: client, interval: defaultRetryInterval(cfg.RetryInterval)}, nil
}

// Kind implements connectors.Connector.
func (c *AsReceiver) Kind() swap.LedgerKind { return swap.LedgerLightningBitcoin }

// WaitForOpened implements connectors.Connector by polling for the invoice
// to exist, added by this node ahead of the counterparty paying it. Any
// state past Open also implies the invoice exists, so the poll resolves on
// presence, not on the Open state specifically.
func (c *AsReceiver) WaitForOpened(ctx context.Context, params swap.Params) (string, error) {
	err := connectors.Poll(ctx, c.interval, func() (bool, error) {
		inv, notFound, err := c.client.getInvoice(ctx, params.SecretHash)
		if err != nil {
			return false, err
		}
		if notFound || inv == nil {
			return false, nil
		}
		return true, nil
	})
	return params.SecretHash.String(), err
}

// WaitForAccepted implements connectors.Connector by polling for the
// invoice to move to Accepted (held): a payment has arrived matching the
// invoice's hash and amount, and LND itself has validated that the payment
// satisfies the invoice before exposing this state.
func (c *AsReceiver) WaitForAccepted(ctx context.Context, params swap.Params) error {
	return connectors.Poll(ctx, c.interval, func() (bool, error) {
		inv, err := c.findInvoice(ctx, params.SecretHash, invoiceAccepted)
		if err != nil {
			return false, err
		}
		if inv == nil {
			return false, nil
		}
		if err := validateInvoiceAmount(*inv, params); err != nil {
			return false, err
		}
		return true, nil
	})
}

// validateInvoiceAmount checks the invoice's own declared value against the
// amount the swap agreed to lock on this leg. LND validates that an
// incoming payment satisfies the invoice before exposing Accepted, so this
// guards against the invoice itself having been added for the wrong amount.
func validateInvoiceAmount(inv invoice, params swap.Params) error {
	if inv.Value != params.Quantity {
		return fmt.Errorf("%w: invoice value %s does not match agreed amount %s",
			connectors.ErrValidationMismatch, inv.Value, params.Quantity)
	}
	return nil
}

// WaitForSettled implements connectors.Connector by polling for the invoice
// reaching Settled: the preimage was revealed to claim the held payment. A
// Cancelled invoice never resolves this wait; the driver's concurrent
// WaitForCancelled observes that instead.
func (c *AsReceiver) WaitForSettled(ctx context.Context, params swap.Params) (swap.Secret, error) {
	var secret swap.Secret
	err := connectors.Poll(ctx, c.interval, func() (bool, error) {
		settled, err := c.findInvoice(ctx, params.SecretHash, invoiceSettled)
		if err != nil {
			return false, err
		}
		if settled == nil {
			return false, nil
		}
		if settled.RPreimage == nil || !settled.RPreimage.set {
			return false, fmt.Errorf("%w: settled invoice has no preimage for %s",
				connectors.ErrValidationMismatch, params.SecretHash)
		}
		var s swap.Secret
		copy(s[:], settled.RPreimage.bytes)
		if !params.SecretHash.Verify(s) {
			return false, fmt.Errorf("%w: settled invoice preimage does not hash to %s",
				connectors.ErrValidationMismatch, params.SecretHash)
		}
		secret = s
		return true, nil
	})
	return secret, err
}

// WaitForCancelled implements connectors.Connector by polling for the
// invoice reaching Cancelled: the Lightning-leg equivalent of a refund, the
// held HTLC timed out or was explicitly cancelled, releasing the funds back
// upstream.
func (c *AsReceiver) WaitForCancelled(ctx context.Context, params swap.Params) error {
	return connectors.Poll(ctx, c.interval, func() (bool, error) {
		cancelled, err := c.findInvoice(ctx, params.SecretHash, invoiceCancelled)
		if err != nil {
			return false, err
		}
		return cancelled != nil, nil
	})
}

func (c *AsReceiver) findInvoice(ctx context.Context, hash swap.SecretHash, want invoiceState) (*invoice, error) {
	inv, notFound, err := c.client.getInvoice(ctx, hash)
	if notFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if inv.State != want {
		return nil, nil
	}
	return inv, nil
}
