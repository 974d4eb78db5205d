// Package claim runs the per-wallet claim lifecycle: eligibility, a short
// exclusive lock while the claim transaction is outstanding, and a cooldown
// between settled claims.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/rewardpool/api/metrics"
	"github.com/malbeclabs/rewardpool/pkg/codec"
	"github.com/malbeclabs/rewardpool/pkg/kvstore"
	"github.com/malbeclabs/rewardpool/pkg/ledger"
	"github.com/malbeclabs/rewardpool/pkg/rejection"
	"github.com/malbeclabs/rewardpool/pkg/weights"
	"github.com/malbeclabs/rewardpool/utils/pkg/dberror"
)

const (
	DefaultCooldown     = 24 * time.Hour
	DefaultLockDuration = 5 * time.Minute

	defaultStoreTimeout = 5 * time.Second
	keyPrefix           = "claim:"
	maxRecordAttempts   = 3
)

// FailPolicy decides what happens when the claim store cannot be reached
// during the cooldown and lock checks.
type FailPolicy string

const (
	// FailOpen allows the claim and logs the decision.
	FailOpen FailPolicy = "open"
	// FailClosed rejects the claim with StoreUnavailable.
	FailClosed FailPolicy = "closed"
)

var (
	ErrLoggerRequired     = errors.New("logger is required")
	ErrStoreRequired      = errors.New("store is required")
	ErrSnapshotsRequired  = errors.New("snapshot reader is required")
	ErrLedgerRequired     = errors.New("ledger is required")
	ErrSignerRequired     = errors.New("signer is required")
	ErrRewardMintRequired = errors.New("reward mint is required")
	ErrTreasuryRequired   = errors.New("treasury token account is required")
	ErrInvalidFailPolicy  = errors.New("fail policy must be open or closed")
)

// Snapshots reads the current pool and participant records.
type Snapshots interface {
	Snapshot(ctx context.Context) (*ledger.Snapshot, error)
}

// Ledger is the subset of the ledger client the claim lifecycle uses.
type Ledger interface {
	GetAccount(ctx context.Context, account solana.PublicKey) ([]byte, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	GetTransaction(ctx context.Context, sig solana.Signature) (*ledger.Transaction, error)
}

// CoSigner applies the custodial authority's signature.
type CoSigner interface {
	PublicKey() solana.PublicKey
	CoSign(tx *solana.Transaction) error
}

type Config struct {
	Logger    *slog.Logger
	Store     kvstore.Store
	Snapshots Snapshots
	Ledger    Ledger
	Signer    CoSigner
	Clock     clockwork.Clock

	RewardMint solana.PublicKey
	// TreasuryTokenAccount holds the reward tokens and is owned by the signer.
	TreasuryTokenAccount solana.PublicKey
	Decimals             uint8

	Cooldown     time.Duration
	LockDuration time.Duration
	StoreTimeout time.Duration
	FailPolicy   FailPolicy
	Exclude      map[solana.PublicKey]struct{}
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.Store == nil {
		return ErrStoreRequired
	}
	if c.Snapshots == nil {
		return ErrSnapshotsRequired
	}
	if c.Ledger == nil {
		return ErrLedgerRequired
	}
	if c.Signer == nil {
		return ErrSignerRequired
	}
	if c.RewardMint.IsZero() {
		return ErrRewardMintRequired
	}
	if c.TreasuryTokenAccount.IsZero() {
		return ErrTreasuryRequired
	}
	switch c.FailPolicy {
	case "":
		c.FailPolicy = FailOpen
	case FailOpen, FailClosed:
	default:
		return ErrInvalidFailPolicy
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.LockDuration <= 0 {
		c.LockDuration = DefaultLockDuration
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Quote is a wallet's claimable amount at the time of the request.
type Quote struct {
	Wallet solana.PublicKey `json:"wallet"`
	// Amount is in whole tokens; RawAmount in the mint's smallest unit.
	Amount    float64        `json:"amount"`
	RawAmount uint64         `json:"rawAmount"`
	Entry     *weights.Entry `json:"entry,omitempty"`
}

// Claim is a prepared claim. Transaction is empty for a zero claim.
type Claim struct {
	Quote
	Transaction string    `json:"transaction,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt,omitzero"`
	LockToken   uint64    `json:"lockToken,omitempty"`
}

// Receipt acknowledges a recorded claim.
type Receipt struct {
	Wallet          solana.PublicKey `json:"wallet"`
	Signature       solana.Signature `json:"txSignature"`
	ClaimedAt       time.Time        `json:"claimedAt"`
	AlreadyRecorded bool             `json:"alreadyRecorded"`
}

type Manager struct {
	log *slog.Logger
	cfg Config
}

func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{log: cfg.Logger, cfg: cfg}, nil
}

// Quote checks eligibility and computes the claimable amount without taking
// the lock.
func (m *Manager) Quote(ctx context.Context, wallet solana.PublicKey) (*Quote, error) {
	if err := m.checkExcluded(wallet); err != nil {
		return nil, err
	}
	_, state, _, err := m.load(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if err := state.check(m.cfg.Clock.Now(), m.cfg.Cooldown); err != nil {
		return nil, err
	}
	return m.quote(ctx, wallet)
}

// RequestClaim prepares a claim transaction co-signed by the authority and
// locks the wallet until the transaction is recorded or the lock expires.
func (m *Manager) RequestClaim(ctx context.Context, wallet solana.PublicKey) (*Claim, error) {
	c, err := m.requestClaim(ctx, wallet)
	switch {
	case err != nil:
		metrics.RecordClaim(string(rejection.KindOf(err)))
	case c.RawAmount == 0:
		metrics.RecordClaim("zero")
	default:
		metrics.RecordClaim("signed")
	}
	return c, err
}

func (m *Manager) requestClaim(ctx context.Context, wallet solana.PublicKey) (*Claim, error) {
	if err := m.checkExcluded(wallet); err != nil {
		return nil, err
	}

	raw, state, degraded, err := m.load(ctx, wallet)
	if err != nil {
		return nil, err
	}
	now := m.cfg.Clock.Now()
	if err := state.check(now, m.cfg.Cooldown); err != nil {
		return nil, err
	}

	q, err := m.quote(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if q.RawAmount == 0 {
		return &Claim{Quote: *q}, nil
	}

	tx, err := m.buildTransfer(ctx, wallet, q.RawAmount)
	if err != nil {
		return nil, err
	}
	encoded, err := tx.ToBase64()
	if err != nil {
		return nil, fmt.Errorf("failed to encode claim transaction: %w", err)
	}

	expiresAt := now.Add(m.cfg.LockDuration)
	locked := state
	locked.Status = StatusLocked
	locked.ClaimLockAcquiredAt = now.UnixMilli()
	locked.ClaimLockExpiresAt = expiresAt.UnixMilli()
	locked.LockToken = state.LockToken + 1

	if !degraded {
		if err := m.acquire(ctx, wallet, raw, locked); err != nil {
			return nil, err
		}
	}

	m.log.Info("claim: lock acquired", "wallet", wallet, "amount", q.RawAmount, "lockToken", locked.LockToken, "expiresAt", expiresAt)
	return &Claim{
		Quote:       *q,
		Transaction: encoded,
		ExpiresAt:   expiresAt.UTC(),
		LockToken:   locked.LockToken,
	}, nil
}

// acquire swaps the observed state for the locked one. Losing the swap means
// another request took the lock first.
func (m *Manager) acquire(ctx context.Context, wallet solana.PublicKey, prev []byte, next State) error {
	body, err := next.encode()
	if err != nil {
		return err
	}
	ok, err := m.cas(ctx, wallet, prev, body)
	if err != nil {
		return m.storeFailure(wallet, "acquire_lock", err)
	}
	if ok {
		return nil
	}

	m.log.Debug("claim: lost lock race", "wallet", wallet)
	if _, current, degraded, err := m.load(ctx, wallet); err == nil && !degraded {
		if err := current.check(m.cfg.Clock.Now(), m.cfg.Cooldown); err != nil {
			return err
		}
	}
	return rejection.New(rejection.KindClaimInProgress,
		"a claim is already in progress", "Wait for the pending claim to finish.").
		WithDetail("minutesRemaining", int(math.Ceil(m.cfg.LockDuration.Minutes())))
}

// RecordClaim settles the wallet's claim once its transaction has landed.
// Recording the same signature again is acknowledged without change.
func (m *Manager) RecordClaim(ctx context.Context, wallet solana.PublicKey, sig solana.Signature) (*Receipt, error) {
	r, err := m.recordClaim(ctx, wallet, sig)
	if err != nil {
		metrics.RecordClaim("record_" + string(rejection.KindOf(err)))
		return nil, err
	}
	metrics.RecordClaim("recorded")
	return r, nil
}

func (m *Manager) recordClaim(ctx context.Context, wallet solana.PublicKey, sig solana.Signature) (*Receipt, error) {
	if err := m.checkExcluded(wallet); err != nil {
		return nil, err
	}

	raw, state, err := m.loadStrict(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if state.LastClaimSignature == sig.String() {
		return &Receipt{Wallet: wallet, Signature: sig, ClaimedAt: time.UnixMilli(state.LastClaimAt).UTC(), AlreadyRecorded: true}, nil
	}

	if err := m.verifyClaimTransaction(ctx, wallet, sig); err != nil {
		return nil, err
	}

	for range maxRecordAttempts {
		now := m.cfg.Clock.Now()
		settled := State{
			LastClaimAt:        now.UnixMilli(),
			Status:             StatusSettled,
			LockToken:          state.LockToken,
			LastClaimSignature: sig.String(),
		}
		body, err := settled.encode()
		if err != nil {
			return nil, err
		}
		ok, err := m.cas(ctx, wallet, raw, body)
		if err != nil {
			return nil, storeUnavailable(err)
		}
		if ok {
			m.log.Info("claim: settled", "wallet", wallet, "signature", sig, "lockToken", state.LockToken)
			return &Receipt{Wallet: wallet, Signature: sig, ClaimedAt: now.UTC()}, nil
		}

		if raw, state, err = m.loadStrict(ctx, wallet); err != nil {
			return nil, err
		}
		if state.LastClaimSignature == sig.String() {
			return &Receipt{Wallet: wallet, Signature: sig, ClaimedAt: time.UnixMilli(state.LastClaimAt).UTC(), AlreadyRecorded: true}, nil
		}
	}
	return nil, rejection.New(rejection.KindClaimInProgress,
		"claim state changed while recording", "Retry the record request.")
}

func (m *Manager) verifyClaimTransaction(ctx context.Context, wallet solana.PublicKey, sig solana.Signature) error {
	tx, err := m.cfg.Ledger.GetTransaction(ctx, sig)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return rejection.Wrap(rejection.KindTransactionNotFound, err,
			fmt.Sprintf("transaction %s not found", sig),
			"Wait for the claim transaction to confirm, then record it again.")
	}
	if err != nil {
		return err
	}
	if tx.Failed {
		return rejection.New(rejection.KindTransactionFailed,
			fmt.Sprintf("transaction %s failed on the ledger", sig),
			"Request a new claim once the current lock expires.")
	}
	if !tx.HasSigner(wallet) || !tx.HasSigner(m.cfg.Signer.PublicKey()) {
		return rejection.New(rejection.KindForbidden,
			"transaction is not a claim for this wallet",
			"Record the signature of the claim transaction returned for this wallet.")
	}
	return nil
}

// Distribution is the weighted split of the current fee pool.
type Distribution struct {
	Snapshot   *ledger.Snapshot
	Result     weights.Result
	ComputedAt time.Time
}

// Distribution computes the split of the distributable fee pool over every
// eligible participant.
func (m *Manager) Distribution(ctx context.Context) (*Distribution, error) {
	snap, err := m.cfg.Snapshots.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	now := m.cfg.Clock.Now()
	divisor := codec.DecimalsDivisor(m.cfg.Decimals)
	res := weights.Calculate(weights.Input{
		Pool:                snap.Pool,
		Participants:        snap.Participants,
		Now:                 now,
		DistributableAmount: weights.Distributable(codec.ScaleAmount(snap.Pool.FeePoolBalance, divisor)),
		AmountDivisor:       divisor,
		Exclude:             m.cfg.Exclude,
	})
	return &Distribution{Snapshot: snap, Result: res, ComputedAt: now.UTC()}, nil
}

// quote computes the wallet's share of the distributable fee pool.
func (m *Manager) quote(ctx context.Context, wallet solana.PublicKey) (*Quote, error) {
	dist, err := m.Distribution(ctx)
	if err != nil {
		return nil, err
	}

	q := &Quote{Wallet: wallet}
	entry, ok := weights.FindEntry(dist.Result, wallet)
	if !ok {
		return q, nil
	}
	divisor := codec.DecimalsDivisor(m.cfg.Decimals)
	q.Entry = &entry
	q.RawAmount = uint64(math.Floor(entry.Share * divisor))
	q.Amount = codec.ScaleAmount(q.RawAmount, divisor)
	return q, nil
}

// StateKey is the store key holding wallet's claim state.
func StateKey(wallet solana.PublicKey) string {
	return keyPrefix + wallet.String()
}

func (m *Manager) checkExcluded(wallet solana.PublicKey) error {
	if _, ok := m.cfg.Exclude[wallet]; ok {
		return rejection.New(rejection.KindForbidden,
			"wallet is not eligible for rewards", "Treasury and protocol wallets cannot claim.")
	}
	return nil
}

// load reads the wallet's claim state under the fail policy. degraded is true
// when the store was unreachable and the policy let the request through.
func (m *Manager) load(ctx context.Context, wallet solana.PublicKey) (raw []byte, state State, degraded bool, err error) {
	raw, state, err = m.read(ctx, wallet)
	if err == nil {
		return raw, state, false, nil
	}
	if dberror.IsUnavailable(err) || errors.Is(err, kvstore.ErrClosed) {
		if ferr := m.storeFailure(wallet, "load_state", err); ferr != nil {
			return nil, State{}, false, ferr
		}
		return nil, State{Status: StatusNone}, true, nil
	}
	return nil, State{}, false, storeUnavailable(err)
}

// loadStrict reads the wallet's claim state, failing on any store error.
func (m *Manager) loadStrict(ctx context.Context, wallet solana.PublicKey) ([]byte, State, error) {
	raw, state, err := m.read(ctx, wallet)
	if err != nil {
		return nil, State{}, storeUnavailable(err)
	}
	return raw, state, nil
}

func (m *Manager) read(ctx context.Context, wallet solana.PublicKey) ([]byte, State, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	raw, err := m.cfg.Store.Get(ctx, StateKey(wallet))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, State{Status: StatusNone}, nil
	}
	if err != nil {
		return nil, State{}, err
	}
	state, err := decodeState(raw)
	if err != nil {
		return nil, State{}, err
	}
	return raw, state, nil
}

func (m *Manager) cas(ctx context.Context, wallet solana.PublicKey, prev, next []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	return m.cfg.Store.CompareAndSwap(ctx, StateKey(wallet), prev, next)
}

// storeFailure applies the fail policy to a store error. It returns nil when
// the request may proceed.
func (m *Manager) storeFailure(wallet solana.PublicKey, op string, err error) error {
	if m.cfg.FailPolicy == FailClosed {
		m.log.Error("claim: store unavailable", "wallet", wallet, "operation", op, "policy", string(FailClosed), "error", err)
		return storeUnavailable(err)
	}
	m.log.Warn("claim: store unavailable, allowing claim", "wallet", wallet, "operation", op,
		"policy", "fail_open", "errorType", dberror.Classify(err).String(), "error", err)
	metrics.RecordStoreFailOpen(op)
	return nil
}

func storeUnavailable(err error) error {
	return rejection.Wrap(rejection.KindStoreUnavailable, err,
		"claim store unavailable", "Retry shortly.")
}
