package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/rewardpool/pkg/codec"
	"github.com/malbeclabs/rewardpool/pkg/rejection"
)

// Snapshot is the pool record and every participant record read at one point
// in time.
type Snapshot struct {
	PoolAccount  solana.PublicKey
	Pool         *codec.PoolRecord
	Participants []codec.ParticipantRecord
}

// SnapshotReader reads pool state from the staking program.
type SnapshotReader struct {
	client      *Client
	programID   solana.PublicKey
	poolAccount solana.PublicKey
}

func NewSnapshotReader(client *Client, programID, poolAccount solana.PublicKey) *SnapshotReader {
	return &SnapshotReader{client: client, programID: programID, poolAccount: poolAccount}
}

// Pool reads and decodes the pool record.
func (r *SnapshotReader) Pool(ctx context.Context) (*codec.PoolRecord, error) {
	data, err := r.client.GetAccount(ctx, r.poolAccount)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, rejection.Wrap(rejection.KindPoolNotFound, err,
			fmt.Sprintf("pool account %s not found", r.poolAccount),
			"Check the configured pool account and program.")
	}
	if err != nil {
		return nil, err
	}
	return codec.DecodePool(data)
}

// Snapshot reads the pool and all participant records. Participants are
// ordered by account address so repeated reads of the same state are identical.
func (r *SnapshotReader) Snapshot(ctx context.Context) (*Snapshot, error) {
	pool, err := r.Pool(ctx)
	if err != nil {
		return nil, err
	}

	accounts, err := r.client.GetProgramAccounts(ctx, r.programID, codec.ParticipantSize, codec.AccountDiscriminator(codec.ParticipantAccountName))
	if err != nil {
		return nil, err
	}

	addrs := make([]solana.PublicKey, 0, len(accounts))
	for addr := range accounts {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })

	participants := make([]codec.ParticipantRecord, 0, len(addrs))
	for _, addr := range addrs {
		p, err := codec.DecodeParticipant(accounts[addr])
		if err != nil {
			return nil, fmt.Errorf("participant account %s: %w", addr, err)
		}
		participants = append(participants, *p)
	}

	return &Snapshot{PoolAccount: r.poolAccount, Pool: pool, Participants: participants}, nil
}
