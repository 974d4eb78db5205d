// Package ledger reads accounts, balances and transactions from the Solana
// cluster and submits signed transactions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"

	"github.com/malbeclabs/rewardpool/api/metrics"
	"github.com/malbeclabs/rewardpool/pkg/rejection"
	"github.com/malbeclabs/rewardpool/utils/pkg/retry"
)

var (
	ErrAccountNotFound = errors.New("account not found")

	ErrLoggerRequired = errors.New("logger is required")
	ErrRPCRequired    = errors.New("rpc client is required")
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultCommitment     = solanarpc.CommitmentConfirmed
)

// Status is the confirmation state of a submitted transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

type Config struct {
	Logger *slog.Logger
	RPC    RPCClient

	// Commitment applies to reads and to the confirmation level accepted by PollStatus.
	Commitment solanarpc.CommitmentType
	// RequestTimeout bounds every individual RPC call.
	RequestTimeout time.Duration
	Retry          retry.Config
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.RPC == nil {
		return ErrRPCRequired
	}
	if c.Commitment == "" {
		c.Commitment = defaultCommitment
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.DefaultConfig()
	}
	return nil
}

type Client struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{log: cfg.Logger, cfg: cfg}, nil
}

// call runs fn under the per-call timeout and records metrics. A timeout of
// the call itself, as opposed to the caller's context, becomes a ledger
// timeout rejection.
func (c *Client) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	err := fn(callCtx)
	metrics.RecordLedgerRequest(method, time.Since(start), err)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return rejection.Wrap(rejection.KindLedgerTimeout, err,
			fmt.Sprintf("ledger %s timed out", method),
			"The ledger did not answer in time; retry the request shortly.")
	}
	return err
}

// read is call with bounded retries, for idempotent requests only.
func read[T any](ctx context.Context, c *Client, method string, fn func(ctx context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, c.cfg.Retry, func() (T, error) {
		var out T
		err := c.call(ctx, method, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx)
			return err
		})
		return out, err
	})
}

// GetAccount returns the raw account data, or ErrAccountNotFound.
func (c *Client) GetAccount(ctx context.Context, account solana.PublicKey) ([]byte, error) {
	res, err := read(ctx, c, "getAccountInfo", func(ctx context.Context) (*solanarpc.GetAccountInfoResult, error) {
		return c.cfg.RPC.GetAccountInfo(ctx, account)
	})
	if errors.Is(err, solanarpc.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", account, err)
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return nil, ErrAccountNotFound
	}
	return res.Value.Data.GetBinary(), nil
}

// GetBalance returns the account's native balance in lamports.
func (c *Client) GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	res, err := read(ctx, c, "getBalance", func(ctx context.Context) (*solanarpc.GetBalanceResult, error) {
		return c.cfg.RPC.GetBalance(ctx, account, c.cfg.Commitment)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get balance of %s: %w", account, err)
	}
	if res == nil {
		return 0, nil
	}
	return res.Value, nil
}

// GetProgramAccounts returns the data of every account owned by program with the
// given size and discriminator prefix, keyed by account address.
func (c *Client) GetProgramAccounts(ctx context.Context, program solana.PublicKey, dataSize uint64, discriminator [8]byte) (map[solana.PublicKey][]byte, error) {
	opts := &solanarpc.GetProgramAccountsOpts{
		Commitment: c.cfg.Commitment,
		Filters: []solanarpc.RPCFilter{
			{DataSize: dataSize},
			{
				Memcmp: &solanarpc.RPCFilterMemcmp{
					Offset: 0,
					Bytes:  solana.Base58(discriminator[:]),
				},
			},
		},
	}
	res, err := read(ctx, c, "getProgramAccounts", func(ctx context.Context) (solanarpc.GetProgramAccountsResult, error) {
		return c.cfg.RPC.GetProgramAccountsWithOpts(ctx, program, opts)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get program accounts: %w", err)
	}

	out := make(map[solana.PublicKey][]byte, len(res))
	for _, acct := range res {
		if acct == nil || acct.Account == nil || acct.Account.Data == nil {
			continue
		}
		out[acct.Pubkey] = acct.Account.Data.GetBinary()
	}
	return out, nil
}

// LatestBlockhash returns a recent blockhash for building transactions.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	res, err := read(ctx, c, "getLatestBlockhash", func(ctx context.Context) (*solanarpc.GetLatestBlockhashResult, error) {
		return c.cfg.RPC.GetLatestBlockhash(ctx, solanarpc.CommitmentFinalized)
	})
	if err != nil {
		return solana.Hash{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	if res == nil || res.Value == nil {
		return solana.Hash{}, errors.New("empty latest blockhash response")
	}
	return res.Value.Blockhash, nil
}

// Submit sends a fully signed transaction. It is never retried: a lost response
// does not mean the transaction was dropped.
func (c *Client) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	var sig solana.Signature
	err := c.call(ctx, "sendTransaction", func(ctx context.Context) error {
		var err error
		sig, err = c.cfg.RPC.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
			PreflightCommitment: c.cfg.Commitment,
		})
		return err
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

// PollStatus returns the current confirmation status of sig.
func (c *Client) PollStatus(ctx context.Context, sig solana.Signature) (Status, error) {
	res, err := read(ctx, c, "getSignatureStatuses", func(ctx context.Context) (*solanarpc.GetSignatureStatusesResult, error) {
		return c.cfg.RPC.GetSignatureStatuses(ctx, true, sig)
	})
	if err != nil {
		return "", fmt.Errorf("failed to get signature status: %w", err)
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return StatusPending, nil
	}
	status := res.Value[0]
	if status.Err != nil {
		return StatusFailed, nil
	}
	switch status.ConfirmationStatus {
	case solanarpc.ConfirmationStatusFinalized:
		return StatusConfirmed, nil
	case solanarpc.ConfirmationStatusConfirmed:
		if c.cfg.Commitment != solanarpc.CommitmentFinalized {
			return StatusConfirmed, nil
		}
	}
	return StatusPending, nil
}
