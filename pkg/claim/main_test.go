package claim_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/rewardpool/pkg/claim"
	"github.com/malbeclabs/rewardpool/pkg/codec"
	"github.com/malbeclabs/rewardpool/pkg/kvstore"
	"github.com/malbeclabs/rewardpool/pkg/ledger"
	"github.com/malbeclabs/rewardpool/pkg/signer"
	pooltesting "github.com/malbeclabs/rewardpool/utils/pkg/testing"
)

const (
	day      = 86400
	decimals = 6
)

type fakeSnapshots struct {
	snap *ledger.Snapshot
}

func (f *fakeSnapshots) Snapshot(context.Context) (*ledger.Snapshot, error) {
	return f.snap, nil
}

type fakeLedger struct {
	mu       sync.Mutex
	accounts map[solana.PublicKey][]byte
	txs      map[solana.Signature]*ledger.Transaction
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		accounts: make(map[solana.PublicKey][]byte),
		txs:      make(map[solana.Signature]*ledger.Transaction),
	}
}

func (f *fakeLedger) GetAccount(_ context.Context, account solana.PublicKey) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.accounts[account]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return data, nil
}

func (f *fakeLedger) LatestBlockhash(context.Context) (solana.Hash, error) {
	return solana.Hash{7}, nil
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

// land records a successful transaction signed by signers and returns its signature.
func (f *fakeLedger) land(signers ...solana.PublicKey) solana.Signature {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sig solana.Signature
	copy(sig[:32], solana.NewWallet().PublicKey().Bytes())
	copy(sig[32:], solana.NewWallet().PublicKey().Bytes())
	f.txs[sig] = &ledger.Transaction{Signature: sig, Signers: signers}
	return sig
}

// flakyStore fails calls with err while it is set, either every call or only
// writes.
type flakyStore struct {
	*kvstore.Memory
	mu         sync.Mutex
	err        error
	writesOnly bool
}

func (s *flakyStore) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err, s.writesOnly = err, false
}

func (s *flakyStore) failWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err, s.writesOnly = err, true
}

func (s *flakyStore) failure(write bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writesOnly && !write {
		return nil
	}
	return s.err
}

func (s *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.failure(false); err != nil {
		return nil, err
	}
	return s.Memory.Get(ctx, key)
}

func (s *flakyStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	if err := s.failure(true); err != nil {
		return false, err
	}
	return s.Memory.CompareAndSwap(ctx, key, prev, next)
}

var errConnRefused = errors.New("dial tcp 10.0.0.1:5432: connect: connection refused")

type fixture struct {
	mgr      *claim.Manager
	store    *flakyStore
	ledger   *fakeLedger
	clock    *clockwork.FakeClock
	signer   *signer.Signer
	mint     solana.PublicKey
	treasury solana.PublicKey
	// a holds the larger share, b the smaller.
	a, b     solana.PublicKey
	excluded solana.PublicKey
}

func newFixture(t *testing.T, mutate ...func(*claim.Config)) *fixture {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{
		store:    &flakyStore{Memory: kvstore.NewMemory()},
		ledger:   newFakeLedger(),
		clock:    clockwork.NewFakeClockAt(now),
		signer:   signer.New(solana.NewWallet().PrivateKey),
		mint:     solana.NewWallet().PublicKey(),
		treasury: solana.NewWallet().PublicKey(),
		a:        solana.NewWallet().PublicKey(),
		b:        solana.NewWallet().PublicKey(),
		excluded: solana.NewWallet().PublicKey(),
	}

	snap := &ledger.Snapshot{
		Pool: &codec.PoolRecord{
			Authority:      f.signer.PublicKey(),
			RewardMint:     f.mint,
			TotalStaked:    1000,
			FeePoolBalance: 100 * 1_000_000,
		},
		Participants: []codec.ParticipantRecord{
			{Owner: f.a, StakedAmount: 600, CreatedAt: now.Unix() - 30*day, ReputationScore: 50_000},
			{Owner: f.b, StakedAmount: 400, CreatedAt: now.Unix()},
			{Owner: f.excluded, StakedAmount: 0, CreatedAt: now.Unix()},
		},
	}

	cfg := claim.Config{
		Logger:               pooltesting.NewLogger(),
		Store:                f.store,
		Snapshots:            &fakeSnapshots{snap: snap},
		Ledger:               f.ledger,
		Signer:               f.signer,
		Clock:                f.clock,
		RewardMint:           f.mint,
		TreasuryTokenAccount: f.treasury,
		Decimals:             decimals,
		Exclude:              map[solana.PublicKey]struct{}{f.excluded: {}},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	mgr, err := claim.NewManager(cfg)
	require.NoError(t, err)
	f.mgr = mgr
	return f
}
