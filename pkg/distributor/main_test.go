package distributor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/rewardpool/pkg/distributor"
	"github.com/malbeclabs/rewardpool/pkg/kvstore"
	"github.com/malbeclabs/rewardpool/pkg/ledger"
	"github.com/malbeclabs/rewardpool/pkg/signer"
	pooltesting "github.com/malbeclabs/rewardpool/utils/pkg/testing"
)

type fakeLedger struct {
	mu        sync.Mutex
	balance   uint64
	status    ledger.Status
	submitted []*solana.Transaction
	balances  int
	txs       map[solana.Signature]*ledger.Transaction

	blockhashErr error
	submitErr    error
}

// land records a payment transaction and returns its signature.
func (f *fakeLedger) land(failed bool) solana.Signature {
	f.mu.Lock()
	defer f.mu.Unlock()
	sig := randomSignature()
	if f.txs == nil {
		f.txs = make(map[solana.Signature]*ledger.Transaction)
	}
	f.txs[sig] = &ledger.Transaction{Signature: sig, Failed: failed}
	return sig
}

func (f *fakeLedger) GetTransaction(_ context.Context, sig solana.Signature) (*ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[sig]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	return tx, nil
}

// failNext makes the next blockhash or submit call fail.
func (f *fakeLedger) failNext(blockhashErr, submitErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockhashErr, f.submitErr = blockhashErr, submitErr
}

func randomSignature() solana.Signature {
	var sig solana.Signature
	copy(sig[:32], solana.NewWallet().PublicKey().Bytes())
	copy(sig[32:], solana.NewWallet().PublicKey().Bytes())
	return sig
}

func (f *fakeLedger) GetBalance(context.Context, solana.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances++
	return f.balance, nil
}

func (f *fakeLedger) LatestBlockhash(context.Context) (solana.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.blockhashErr; err != nil {
		f.blockhashErr = nil
		return solana.Hash{}, err
	}
	return solana.Hash{9}, nil
}

func (f *fakeLedger) Submit(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.submitErr; err != nil {
		f.submitErr = nil
		return solana.Signature{}, err
	}
	f.submitted = append(f.submitted, tx)
	return tx.Signatures[0], nil
}

func (f *fakeLedger) PollStatus(context.Context, solana.Signature) (ledger.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeLedger) submissions() []*solana.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*solana.Transaction(nil), f.submitted...)
}

type fixture struct {
	dist       *distributor.Distributor
	ledger     *fakeLedger
	clock      *clockwork.FakeClock
	signer     *signer.Signer
	program    solana.PublicKey
	pool       solana.PublicKey
	collection solana.PublicKey
}

func newFixture(t *testing.T, balance uint64, mutate ...func(*distributor.Config)) *fixture {
	t.Helper()
	f := &fixture{
		ledger:     &fakeLedger{balance: balance, status: ledger.StatusConfirmed},
		clock:      clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		signer:     signer.New(solana.NewWallet().PrivateKey),
		program:    solana.NewWallet().PublicKey(),
		pool:       solana.NewWallet().PublicKey(),
		collection: solana.NewWallet().PublicKey(),
	}
	cfg := distributor.Config{
		Logger:            pooltesting.NewLogger(),
		Ledger:            f.ledger,
		Signer:            f.signer,
		Store:             kvstore.NewMemory(),
		Clock:             f.clock,
		ProgramID:         f.program,
		PoolAccount:       f.pool,
		CollectionWallet:  f.collection,
		ExpectedAuthority: f.signer.PublicKey(),
		ReserveSOL:        0.001,
		ThresholdSOL:      0.01,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	dist, err := distributor.New(cfg)
	require.NoError(t, err)
	f.dist = dist
	return f
}
