package codec

import (
	"github.com/gagliardetto/solana-go"
)

const (
	// PoolAccountName and ParticipantAccountName are the program's account type
	// names; their discriminators prefix every record.
	PoolAccountName        = "Pool"
	ParticipantAccountName = "Participant"

	// PoolSize is the on-chain size of a pool record: 8 (discriminator) + 128.
	PoolSize = 136
	// ParticipantSize is the on-chain size of a participant record: 8 (discriminator) + 120.
	ParticipantSize = 128
)

// PoolRecord is the singleton staking pool state.
type PoolRecord struct {
	Authority           solana.PublicKey
	RewardMint          solana.PublicKey
	TotalStaked         uint64
	TotalParticipants   uint64
	TotalWeightScore    uint64
	FeePoolBalance      uint64
	BaseReward          uint64
	BonusPerPoint       uint64
	TotalServedRequests uint64
}

// ParticipantRecord is the per-wallet staking and earnings state.
type ParticipantRecord struct {
	Owner              solana.PublicKey
	StakedAmount       uint64
	ReputationScore    uint64
	TotalRequests      uint64
	SuccessfulRequests uint64
	FailedRequests     uint64
	TotalEarned        uint64
	PendingRewards     uint64
	TotalClaimed       uint64
	CreatedAt          int64 // epoch seconds
	LastActivityAt     int64 // epoch seconds
}

// poolLayout mirrors the on-chain byte layout.
type poolLayout struct {
	Discriminator       [8]byte          // 8 bytes
	Authority           solana.PublicKey // 32 bytes
	RewardMint          solana.PublicKey // 32 bytes
	TotalStaked         uint64           // 8 bytes
	TotalParticipants   uint64           // 8 bytes
	TotalWeightScore    uint64           // 8 bytes
	FeePoolBalance      uint64           // 8 bytes
	BaseReward          uint64           // 8 bytes
	BonusPerPoint       uint64           // 8 bytes
	TotalServedRequests uint64           // 8 bytes
	BumpSeed            uint8            // 1 byte
	Reserved0           [7]byte          // 7 bytes padding
}

type participantLayout struct {
	Discriminator      [8]byte          // 8 bytes
	Owner              solana.PublicKey // 32 bytes
	StakedAmount       uint64           // 8 bytes
	ReputationScore    uint64           // 8 bytes
	TotalRequests      uint64           // 8 bytes
	SuccessfulRequests uint64           // 8 bytes
	FailedRequests     uint64           // 8 bytes
	TotalEarned        uint64           // 8 bytes
	PendingRewards     uint64           // 8 bytes
	TotalClaimed       uint64           // 8 bytes
	CreatedAt          int64            // 8 bytes
	LastActivityAt     int64            // 8 bytes
	BumpSeed           uint8            // 1 byte
	Reserved0          [7]byte          // 7 bytes padding
}
