package distributor

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/rewardpool/pkg/kvstore"
	"github.com/malbeclabs/rewardpool/pkg/ledger"
)

var (
	ErrLoggerRequired            = errors.New("logger is required")
	ErrLedgerRequired            = errors.New("ledger is required")
	ErrSignerRequired            = errors.New("signer is required")
	ErrProgramIDRequired         = errors.New("program id is required")
	ErrPoolAccountRequired       = errors.New("pool account is required")
	ErrCollectionWalletRequired  = errors.New("collection wallet is required")
	ErrExpectedAuthorityRequired = errors.New("expected authority is required")
	ErrThresholdRequired         = errors.New("threshold is required")
	ErrReserveInvalid            = errors.New("reserve must not be negative")
)

const (
	defaultConfirmationTimeout = 30 * time.Second
	defaultPollInterval        = 2 * time.Second
)

type Config struct {
	Logger *slog.Logger
	Ledger Ledger
	Signer Signer
	// Store deduplicates triggers by payment signature. Optional.
	Store kvstore.Store
	Clock clockwork.Clock

	ProgramID         solana.PublicKey
	PoolAccount       solana.PublicKey
	CollectionWallet  solana.PublicKey
	ExpectedAuthority solana.PublicKey

	ReserveSOL          float64
	ThresholdSOL        float64
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
}

func (c *Config) ReserveLamports() uint64 {
	return toLamports(c.ReserveSOL)
}

func (c *Config) ThresholdLamports() uint64 {
	return toLamports(c.ThresholdSOL)
}

func toLamports(sol float64) uint64 {
	return uint64(math.Round(sol * float64(solana.LAMPORTS_PER_SOL)))
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.Ledger == nil {
		return ErrLedgerRequired
	}
	if c.Signer == nil {
		return ErrSignerRequired
	}
	if c.ProgramID.IsZero() {
		return ErrProgramIDRequired
	}
	if c.PoolAccount.IsZero() {
		return ErrPoolAccountRequired
	}
	if c.CollectionWallet.IsZero() {
		return ErrCollectionWalletRequired
	}
	if c.ExpectedAuthority.IsZero() {
		return ErrExpectedAuthorityRequired
	}
	if c.ThresholdSOL <= 0.0 {
		return ErrThresholdRequired
	}
	if c.ReserveSOL < 0.0 {
		return ErrReserveInvalid
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = defaultConfirmationTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Ledger interface {
	GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	PollStatus(ctx context.Context, sig solana.Signature) (ledger.Status, error)
	GetTransaction(ctx context.Context, sig solana.Signature) (*ledger.Transaction, error)
}

type Signer interface {
	PublicKey() solana.PublicKey
	Sign(tx *solana.Transaction) error
}
