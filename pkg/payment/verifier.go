// Package payment verifies on-chain payments and exchanges them, through
// time-boxed quotes, for access tokens.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/rewardpool/pkg/ledger"
	"github.com/malbeclabs/rewardpool/pkg/rejection"
)

var ErrInvalidTolerance = errors.New("tolerance must be in [0, 1)")

// TransactionSource looks up landed transactions.
type TransactionSource interface {
	GetTransaction(ctx context.Context, sig solana.Signature) (*ledger.Transaction, error)
}

// Expectation describes the transfer a payment must contain. Destination is
// either the receiving account itself or, for tokens, the wallet that owns the
// receiving token account. A zero Mint means native lamports.
type Expectation struct {
	Destination   solana.PublicKey
	Mint          solana.PublicKey
	MinimumAmount uint64
}

// Receipt is an accepted payment.
type Receipt struct {
	Signature solana.Signature
	Received  uint64
	Required  uint64
	Signers   []solana.PublicKey
}

type Verifier struct {
	source    TransactionSource
	tolerance float64
}

// NewVerifier returns a verifier accepting payments short of the minimum by at
// most tolerance, a fraction of the minimum.
func NewVerifier(source TransactionSource, tolerance float64) (*Verifier, error) {
	if tolerance < 0 || tolerance >= 1 || math.IsNaN(tolerance) {
		return nil, ErrInvalidTolerance
	}
	return &Verifier{source: source, tolerance: tolerance}, nil
}

// Required returns the smallest amount accepted for a given minimum.
func (v *Verifier) Required(minimum uint64) uint64 {
	return minimum - uint64(math.Floor(float64(minimum)*v.tolerance))
}

// Verify checks that sig landed successfully and moved enough of the expected
// asset to the destination. The ledger record is immutable once landed, so
// repeated calls give the same outcome.
func (v *Verifier) Verify(ctx context.Context, sig solana.Signature, exp Expectation) (*Receipt, error) {
	tx, err := v.source.GetTransaction(ctx, sig)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return nil, rejection.Wrap(rejection.KindTransactionNotFound, err,
			fmt.Sprintf("transaction %s not found", sig),
			"Wait for the transaction to confirm, then retry.")
	}
	if err != nil {
		return nil, err
	}
	if tx.Failed {
		return nil, rejection.New(rejection.KindTransactionFailed,
			fmt.Sprintf("transaction %s failed on the ledger", sig),
			"Submit a new payment; failed transactions move no funds.")
	}

	received, involved := receivedBy(tx, exp)
	if !involved {
		return nil, rejection.New(rejection.KindDestinationNotInvolved,
			"transaction does not pay the expected destination",
			fmt.Sprintf("Send the payment to %s.", exp.Destination))
	}

	required := v.Required(exp.MinimumAmount)
	if received < required {
		return nil, rejection.New(rejection.KindInsufficientPayment,
			fmt.Sprintf("received %d, required %d", received, required),
			"Pay at least the quoted amount.").
			WithDetail("received", received).
			WithDetail("required", required)
	}

	return &Receipt{Signature: sig, Received: received, Required: required, Signers: tx.Signers}, nil
}

func receivedBy(tx *ledger.Transaction, exp Expectation) (uint64, bool) {
	var (
		total    uint64
		involved bool
	)
	for _, d := range tx.Deltas {
		if exp.Mint.IsZero() {
			if !d.IsNative() || !d.Account.Equals(exp.Destination) {
				continue
			}
		} else {
			if !d.Mint.Equals(exp.Mint) {
				continue
			}
			if !d.Account.Equals(exp.Destination) && !d.Owner.Equals(exp.Destination) {
				continue
			}
		}
		involved = true
		total += d.Received()
	}
	return total, involved
}
