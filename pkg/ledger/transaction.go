package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
)

var ErrTransactionNotFound = errors.New("transaction not found")

// BalanceDelta is the before and after balance of one account touched by a
// transaction. Native balances have a zero Mint and the account as Owner.
type BalanceDelta struct {
	Account solana.PublicKey
	Owner   solana.PublicKey
	Mint    solana.PublicKey
	Pre     uint64
	Post    uint64
}

// Received returns the amount credited to the account, or 0 if it was debited.
func (d BalanceDelta) Received() uint64 {
	if d.Post <= d.Pre {
		return 0
	}
	return d.Post - d.Pre
}

// IsNative reports whether the delta is a lamport balance.
func (d BalanceDelta) IsNative() bool {
	return d.Mint.IsZero()
}

// Transaction is the subset of a landed transaction needed to verify payments
// and claims.
type Transaction struct {
	Signature solana.Signature
	Slot      uint64
	BlockTime int64
	Failed    bool
	Err       any
	Signers   []solana.PublicKey
	Deltas    []BalanceDelta
}

// HasSigner reports whether key signed the transaction.
func (t *Transaction) HasSigner(key solana.PublicKey) bool {
	for _, s := range t.Signers {
		if s.Equals(key) {
			return true
		}
	}
	return false
}

// GetTransaction looks up a landed transaction. It returns ErrTransactionNotFound
// if the cluster has no record of it at the configured commitment.
func (c *Client) GetTransaction(ctx context.Context, sig solana.Signature) (*Transaction, error) {
	version := uint64(0)
	res, err := read(ctx, c, "getTransaction", func(ctx context.Context) (*solanarpc.GetTransactionResult, error) {
		return c.cfg.RPC.GetTransaction(ctx, sig, &solanarpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     c.cfg.Commitment,
			MaxSupportedTransactionVersion: &version,
		})
	})
	if errors.Is(err, solanarpc.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", sig, err)
	}
	if res == nil || res.Transaction == nil || res.Meta == nil {
		return nil, ErrTransactionNotFound
	}
	return parseTransaction(sig, res)
}

func parseTransaction(sig solana.Signature, res *solanarpc.GetTransactionResult) (*Transaction, error) {
	parsed, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", sig, err)
	}
	meta := res.Meta

	keys := make([]solana.PublicKey, 0, len(parsed.Message.AccountKeys)+len(meta.LoadedAddresses.Writable)+len(meta.LoadedAddresses.ReadOnly))
	keys = append(keys, parsed.Message.AccountKeys...)
	keys = append(keys, meta.LoadedAddresses.Writable...)
	keys = append(keys, meta.LoadedAddresses.ReadOnly...)

	tx := &Transaction{
		Signature: sig,
		Slot:      res.Slot,
		Failed:    meta.Err != nil,
		Err:       meta.Err,
	}
	if res.BlockTime != nil {
		tx.BlockTime = int64(*res.BlockTime)
	}

	numSigners := min(int(parsed.Message.Header.NumRequiredSignatures), len(parsed.Message.AccountKeys))
	tx.Signers = append(tx.Signers, parsed.Message.AccountKeys[:numSigners]...)

	for i, key := range keys {
		if i >= len(meta.PreBalances) || i >= len(meta.PostBalances) {
			break
		}
		tx.Deltas = append(tx.Deltas, BalanceDelta{
			Account: key,
			Owner:   key,
			Pre:     meta.PreBalances[i],
			Post:    meta.PostBalances[i],
		})
	}

	tokenDeltas, err := tokenBalanceDeltas(keys, meta.PreTokenBalances, meta.PostTokenBalances)
	if err != nil {
		return nil, fmt.Errorf("failed to read token balances of %s: %w", sig, err)
	}
	tx.Deltas = append(tx.Deltas, tokenDeltas...)
	return tx, nil
}

// tokenBalanceDeltas pairs pre and post token balances by account index. An
// account missing from one side was created or closed by the transaction and
// counts as zero there.
func tokenBalanceDeltas(keys []solana.PublicKey, pre, post []solanarpc.TokenBalance) ([]BalanceDelta, error) {
	byIndex := make(map[uint16]*BalanceDelta)
	var order []uint16

	entry := func(b solanarpc.TokenBalance) (*BalanceDelta, error) {
		if int(b.AccountIndex) >= len(keys) {
			return nil, fmt.Errorf("token balance account index %d out of range", b.AccountIndex)
		}
		d, ok := byIndex[b.AccountIndex]
		if !ok {
			d = &BalanceDelta{Account: keys[b.AccountIndex], Mint: b.Mint}
			byIndex[b.AccountIndex] = d
			order = append(order, b.AccountIndex)
		}
		if b.Owner != nil {
			d.Owner = *b.Owner
		}
		return d, nil
	}

	for _, b := range pre {
		d, err := entry(b)
		if err != nil {
			return nil, err
		}
		if d.Pre, err = tokenAmount(b); err != nil {
			return nil, err
		}
	}
	for _, b := range post {
		d, err := entry(b)
		if err != nil {
			return nil, err
		}
		if d.Post, err = tokenAmount(b); err != nil {
			return nil, err
		}
	}

	out := make([]BalanceDelta, 0, len(order))
	for _, idx := range order {
		out = append(out, *byIndex[idx])
	}
	return out, nil
}

func tokenAmount(b solanarpc.TokenBalance) (uint64, error) {
	if b.UiTokenAmount == nil || b.UiTokenAmount.Amount == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(b.UiTokenAmount.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid token amount %q: %w", b.UiTokenAmount.Amount, err)
	}
	return v, nil
}
