// Package distributor moves collected fees into the reward pool once the
// collection wallet holds more than a reserve plus a minimum threshold.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/getsentry/sentry-go"

	"github.com/malbeclabs/rewardpool/api/metrics"
	"github.com/malbeclabs/rewardpool/pkg/codec"
	"github.com/malbeclabs/rewardpool/pkg/ledger"
	"github.com/malbeclabs/rewardpool/pkg/rejection"
)

const (
	InstructionName = "distribute_fees"

	dedupeKeyPrefix = "distribution:"
)

// Status is the outcome of a trigger.
type Status string

const (
	StatusBelowThreshold       Status = "below_threshold"
	StatusConfirmed            Status = "confirmed"
	StatusSubmittedUnconfirmed Status = "submitted_unconfirmed"
	StatusAlreadyProcessed     Status = "already_processed"
)

// DistributeFeesArgs are the instruction arguments.
type DistributeFeesArgs struct {
	Amount uint64
}

type Result struct {
	Triggered bool   `json:"triggered"`
	Status    Status `json:"status"`
	Balance   uint64 `json:"balance"`
	Amount    uint64 `json:"amount,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type Distributor struct {
	log *slog.Logger
	cfg Config

	// sem serializes triggers so two of them never spend the same balance.
	sem    chan struct{}
	halted atomic.Bool
}

func New(cfg Config) (*Distributor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Distributor{log: cfg.Logger, cfg: cfg, sem: make(chan struct{}, 1)}, nil
}

// Halted reports whether an authority mismatch has stopped the distributor.
func (d *Distributor) Halted() bool {
	return d.halted.Load()
}

// Run triggers a distribution every interval until ctx is done or the
// distributor halts.
func (d *Distributor) Run(ctx context.Context, interval time.Duration) error {
	d.log.Info("distributor: starting",
		"interval", interval,
		"collectionWallet", d.cfg.CollectionWallet,
		"reserveLamports", d.cfg.ReserveLamports(),
		"thresholdLamports", d.cfg.ThresholdLamports(),
	)

	ticker := d.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("distributor: stopped by context", "error", ctx.Err())
			return nil
		case <-ticker.Chan():
			res, err := d.Trigger(ctx, "")
			if errors.Is(err, rejection.ErrAuthorityMismatch) {
				return err
			}
			if err != nil {
				d.log.Error("distributor: scheduled trigger failed", "error", err)
				continue
			}
			d.log.Debug("distributor: scheduled trigger", "status", res.Status, "amount", res.Amount)
		}
	}
}

// Trigger distributes the collection wallet's balance above the reserve if it
// reaches the threshold. A non-empty paymentSig triggers at most one
// distribution. A submitted transaction is never resubmitted.
func (d *Distributor) Trigger(ctx context.Context, paymentSig string) (*Result, error) {
	span := sentry.StartSpan(ctx, "distribution.trigger", sentry.WithDescription("distribute collected fees"))
	defer span.Finish()

	res, err := d.trigger(span.Context(), paymentSig)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		metrics.RecordDistribution(string(rejection.KindOf(err)), 0)
		return nil, err
	}
	span.Status = sentry.SpanStatusOK
	span.SetData("status", string(res.Status))
	span.SetData("amount", res.Amount)
	metrics.RecordDistribution(string(res.Status), res.Amount)
	return res, nil
}

func (d *Distributor) trigger(ctx context.Context, paymentSig string) (*Result, error) {
	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return nil, rejection.Wrap(rejection.KindDistributionInProgress, ctx.Err(),
			"another distribution is in progress", "Retry after the current distribution settles.")
	}

	if err := d.verifyAuthority(); err != nil {
		return nil, err
	}

	balance, err := d.cfg.Ledger.GetBalance(ctx, d.cfg.CollectionWallet)
	if err != nil {
		return nil, err
	}
	metrics.SetCollectionBalance(balance)

	amount := Distributable(balance, d.cfg.ReserveLamports())
	if amount < d.cfg.ThresholdLamports() {
		d.log.Debug("distributor: below threshold", "balance", balance, "distributable", amount, "threshold", d.cfg.ThresholdLamports())
		return &Result{Status: StatusBelowThreshold, Balance: balance}, nil
	}

	if paymentSig != "" {
		if err := d.verifyPayment(ctx, paymentSig); err != nil {
			return nil, err
		}
	}
	var release func()
	if paymentSig != "" && d.cfg.Store != nil {
		key := dedupeKeyPrefix + paymentSig
		stamp := []byte(d.cfg.Clock.Now().UTC().Format(time.RFC3339Nano))
		first, err := d.cfg.Store.CompareAndSwap(ctx, key, nil, stamp)
		if err != nil {
			return nil, rejection.Wrap(rejection.KindStoreUnavailable, err,
				"distribution store unavailable", "Retry the trigger shortly.")
		}
		if !first {
			return &Result{Status: StatusAlreadyProcessed, Balance: balance}, nil
		}
		release = func() { d.releasePayment(key, stamp) }
	}

	tx, err := d.buildTransaction(ctx, amount)
	if err == nil {
		var sig solana.Signature
		if sig, err = d.cfg.Ledger.Submit(ctx, tx); err == nil {
			return d.settle(ctx, sig, balance, amount)
		}
	}
	if release != nil {
		release()
	}
	return nil, err
}

// settle waits for a submitted distribution. From here on the payment's
// dedupe key is kept even if confirmation fails.
func (d *Distributor) settle(ctx context.Context, sig solana.Signature, balance, amount uint64) (*Result, error) {
	d.log.Info("distributor: submitted", "signature", sig, "amount", amount, "balance", balance)

	res := &Result{Triggered: true, Balance: balance, Amount: amount, Signature: sig.String()}
	confirmed, err := d.waitForConfirmation(ctx, sig)
	if err != nil {
		return nil, err
	}
	if confirmed {
		res.Status = StatusConfirmed
		d.log.Info("distributor: confirmed", "signature", sig, "amount", amount)
	} else {
		res.Status = StatusSubmittedUnconfirmed
		d.log.Warn("distributor: not confirmed in time, not resubmitting", "signature", sig, "timeout", d.cfg.ConfirmationTimeout)
	}
	return res, nil
}

// verifyPayment requires the triggering payment to have landed successfully.
func (d *Distributor) verifyPayment(ctx context.Context, paymentSig string) error {
	sig, err := solana.SignatureFromBase58(paymentSig)
	if err != nil {
		return rejection.New(rejection.KindInvalidRequest,
			"payment signature is not a valid transaction signature", "Pass the base58 signature of the payment.")
	}
	tx, err := d.cfg.Ledger.GetTransaction(ctx, sig)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return rejection.New(rejection.KindTransactionNotFound,
			fmt.Sprintf("payment transaction %s not found", sig),
			"Wait for the payment to confirm, then trigger again.")
	}
	if err != nil {
		return err
	}
	if tx.Failed {
		return rejection.New(rejection.KindTransactionFailed,
			fmt.Sprintf("payment transaction %s failed", sig),
			"Only a successful payment can trigger a distribution.").
			WithDetail("signature", sig.String())
	}
	return nil
}

// releasePayment frees a payment's dedupe key when nothing was submitted.
// It uses a fresh context so a canceled request still releases.
func (d *Distributor) releasePayment(key string, stamp []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := d.cfg.Store.CompareAndDelete(ctx, key, stamp); err != nil {
		d.log.Error("distributor: failed to release payment after failed submission", "key", key, "error", err)
	}
}

// Distributable returns balance above reserve, or 0.
func Distributable(balance, reserve uint64) uint64 {
	if balance <= reserve {
		return 0
	}
	return balance - reserve
}

func (d *Distributor) verifyAuthority() error {
	if d.halted.Load() {
		return authorityMismatch(d.cfg.Signer.PublicKey(), d.cfg.ExpectedAuthority)
	}
	if actual := d.cfg.Signer.PublicKey(); !actual.Equals(d.cfg.ExpectedAuthority) {
		d.halted.Store(true)
		d.log.Error("distributor: authority mismatch, halting", "signer", actual, "expected", d.cfg.ExpectedAuthority)
		return authorityMismatch(actual, d.cfg.ExpectedAuthority)
	}
	return nil
}

func (d *Distributor) buildTransaction(ctx context.Context, amount uint64) (*solana.Transaction, error) {
	data, err := codec.EncodeInstruction(InstructionName, DistributeFeesArgs{Amount: amount})
	if err != nil {
		return nil, err
	}
	authority := d.cfg.Signer.PublicKey()
	ix := solana.NewInstruction(d.cfg.ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(d.cfg.PoolAccount, true, false),
		solana.NewAccountMeta(d.cfg.CollectionWallet, true, false),
		solana.NewAccountMeta(authority, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data)

	blockhash, err := d.cfg.Ledger.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, blockhash, solana.TransactionPayer(authority))
	if err != nil {
		return nil, fmt.Errorf("failed to build distribution transaction: %w", err)
	}
	if err := d.cfg.Signer.Sign(tx); err != nil {
		return nil, fmt.Errorf("failed to sign distribution transaction: %w", err)
	}
	return tx, nil
}

// waitForConfirmation polls sig until it is confirmed, fails, or the
// confirmation timeout passes. It reports false on timeout.
func (d *Distributor) waitForConfirmation(ctx context.Context, sig solana.Signature) (bool, error) {
	timer := d.cfg.Clock.NewTimer(d.cfg.ConfirmationTimeout)
	defer timer.Stop()

	for {
		status, err := d.cfg.Ledger.PollStatus(ctx, sig)
		switch {
		case err != nil:
			d.log.Warn("distributor: failed to poll status", "signature", sig, "error", err)
		case status == ledger.StatusConfirmed:
			return true, nil
		case status == ledger.StatusFailed:
			return false, rejection.New(rejection.KindTransactionFailed,
				fmt.Sprintf("distribution transaction %s failed", sig),
				"Inspect the transaction; the collection balance was not moved.").
				WithDetail("signature", sig.String())
		}

		select {
		case <-ctx.Done():
			return false, nil
		case <-timer.Chan():
			return false, nil
		case <-d.cfg.Clock.After(d.cfg.PollInterval):
		}
	}
}

func authorityMismatch(actual, expected solana.PublicKey) error {
	return rejection.New(rejection.KindAuthorityMismatch,
		fmt.Sprintf("signer %s is not the expected authority %s", actual, expected),
		"Fix the authority keypair configuration and restart the service.")
}
