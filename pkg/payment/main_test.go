package payment_test

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/rewardpool/pkg/kvstore"
	"github.com/malbeclabs/rewardpool/pkg/ledger"
)

var errConnRefused = errors.New("dial tcp 10.0.0.1:5432: connect: connection refused")

// flakyStore fails the next compare-and-swap on keys with a given prefix.
type flakyStore struct {
	*kvstore.Memory

	mu     sync.Mutex
	prefix string
	fails  int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Memory: kvstore.NewMemory()}
}

func (s *flakyStore) failSwaps(prefix string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefix, s.fails = prefix, n
}

func (s *flakyStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	s.mu.Lock()
	fail := s.fails > 0 && strings.HasPrefix(key, s.prefix)
	if fail {
		s.fails--
	}
	s.mu.Unlock()
	if fail {
		return false, errConnRefused
	}
	return s.Memory.CompareAndSwap(ctx, key, prev, next)
}

type fakeLedger struct {
	mu    sync.Mutex
	txs   map[solana.Signature]*ledger.Transaction
	calls int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{txs: make(map[solana.Signature]*ledger.Transaction)}
}

func (f *fakeLedger) add(tx *ledger.Transaction) solana.Signature {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx.Signature == (solana.Signature{}) {
		tx.Signature = randomSignature()
	}
	f.txs[tx.Signature] = tx
	return tx.Signature
}

func (f *fakeLedger) GetTransaction(_ context.Context, sig solana.Signature) (*ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	tx, ok := f.txs[sig]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	return tx, nil
}

func nativePayment(payer, dest solana.PublicKey, amount uint64) *ledger.Transaction {
	return &ledger.Transaction{
		Signers: []solana.PublicKey{payer},
		Deltas: []ledger.BalanceDelta{
			{Account: payer, Owner: payer, Pre: 10_000_000, Post: 10_000_000 - amount - 5000},
			{Account: dest, Owner: dest, Pre: 1_000, Post: 1_000 + amount},
		},
	}
}

func tokenPayment(payer, destOwner, destAccount, mint solana.PublicKey, amount uint64) *ledger.Transaction {
	src := solana.NewWallet().PublicKey()
	return &ledger.Transaction{
		Signers: []solana.PublicKey{payer},
		Deltas: []ledger.BalanceDelta{
			{Account: payer, Owner: payer, Pre: 10_000, Post: 5_000},
			{Account: src, Owner: payer, Mint: mint, Pre: 1_000_000, Post: 1_000_000 - amount},
			{Account: destAccount, Owner: destOwner, Mint: mint, Pre: 0, Post: amount},
		},
	}
}

func randomSignature() solana.Signature {
	var sig solana.Signature
	copy(sig[:32], solana.NewWallet().PublicKey().Bytes())
	copy(sig[32:], solana.NewWallet().PublicKey().Bytes())
	return sig
}
