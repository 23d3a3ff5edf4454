package lightning

import (
	"context"
	"fmt"
	"time"

	"github.com/comit-network/cnd/connectors"
	"github.com/comit-network/cnd/swap"
)

func init() {
	_ = connectors.RegisterDriver(&connectors.Driver{
		Kind: swap.LedgerLightningBitcoin,
		New: func(cfg interface{}) (connectors.Connector, error) {
			c, ok := cfg.(Config)
			if !ok {
				return nil, fmt.Errorf("lightning: invalid config type %T", cfg)
			}
			switch c.Perspective {
			case PerspectiveReceiver:
				return NewAsReceiver(c)
			default:
				return NewAsSender(c)
			}
		},
	})
}

// AsSender implements connectors.Connector for the payer's side of a
// Lightning leg. The sender has no visibility into the receiver's invoice,
// only into its own outgoing payment's status, so WaitForOpened resolves
// immediately: there is nothing to observe until a payment is attempted.
type AsSender struct {
	client   restClient
	interval time.Duration
}

// NewAsSender builds an AsSender connector against the configured LND node.
func NewAsSender(cfg Config) (*AsSender, error) {
	client, err := newLNDRESTClient(cfg)
	if err != nil {
		return nil, err
	}
	return &AsSender{client: client, interval: defaultRetryInterval(cfg.RetryInterval)}, nil
}

// Kind implements connectors.Connector.
func (c *AsSender) Kind() swap.LedgerKind { return swap.LedgerLightningBitcoin }

// WaitForOpened implements connectors.Connector. The sender cannot observe
// the receiver adding an invoice, so it reports Opened unconditionally.
func (c *AsSender) WaitForOpened(ctx context.Context, params swap.Params) (string, error) {
	return params.SecretHash.String(), nil
}

// WaitForAccepted implements connectors.Connector by polling outgoing
// payments for an in-flight or already-succeeded attempt matching the
// swap's secret hash. No further parameter validation is possible: once a
// payment has been sent the sender cannot cancel or redirect it.
func (c *AsSender) WaitForAccepted(ctx context.Context, params swap.Params) error {
	return connectors.Poll(ctx, c.interval, func() (bool, error) {
		inFlight, err := c.findPayment(ctx, params.SecretHash, paymentInFlight)
		if err != nil {
			return false, err
		}
		if inFlight != nil {
			return true, nil
		}
		// A fast payment can settle between two polls; a succeeded payment
		// was necessarily accepted first.
		succeeded, err := c.findPayment(ctx, params.SecretHash, paymentSucceeded)
		if err != nil {
			return false, err
		}
		return succeeded != nil, nil
	})
}

// WaitForSettled implements connectors.Connector by polling for the
// outgoing payment reaching Succeeded: the preimage was revealed along the
// route and the payment redeemed. A Failed payment never resolves this
// wait; the driver's concurrent WaitForCancelled observes that instead.
func (c *AsSender) WaitForSettled(ctx context.Context, params swap.Params) (swap.Secret, error) {
	var secret swap.Secret
	err := connectors.Poll(ctx, c.interval, func() (bool, error) {
		succeeded, err := c.findPayment(ctx, params.SecretHash, paymentSucceeded)
		if err != nil {
			return false, err
		}
		if succeeded == nil {
			return false, nil
		}
		s, ok := secretFromPreimageHex(succeeded.PaymentPreimage, params.SecretHash)
		if !ok {
			return false, fmt.Errorf("%w: succeeded payment preimage missing or invalid for %s",
				connectors.ErrValidationMismatch, params.SecretHash)
		}
		secret = s
		return true, nil
	})
	return secret, err
}

// WaitForCancelled implements connectors.Connector by polling for the
// payment reaching Failed: the Lightning-leg equivalent of a refund, since
// a failed payment releases its funds back to the sender without ever
// committing them.
func (c *AsSender) WaitForCancelled(ctx context.Context, params swap.Params) error {
	return connectors.Poll(ctx, c.interval, func() (bool, error) {
		failed, err := c.findPayment(ctx, params.SecretHash, paymentFailed)
		if err != nil {
			return false, err
		}
		return failed != nil, nil
	})
}

func (c *AsSender) findPayment(ctx context.Context, hash swap.SecretHash, status paymentStatus) (*payment, error) {
	payments, err := c.client.listPayments(ctx)
	if err != nil {
		return nil, err
	}
	want := hash.String()
	for i := range payments {
		if payments[i].PaymentHash == want && payments[i].Status == status {
			return &payments[i], nil
		}
	}
	return nil, nil
}
