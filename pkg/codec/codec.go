// Package codec translates between the staking program's fixed-layout account
// records and typed structures, and builds instruction payloads.
package codec

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/near/borsh-go"

	"github.com/malbeclabs/rewardpool/pkg/rejection"
)

const (
	accountNamespace     = "account"
	instructionNamespace = "global"
)

// AccountDiscriminator returns the 8-byte prefix identifying an account type.
func AccountDiscriminator(name string) [8]byte {
	return discriminator(accountNamespace, name)
}

// InstructionDiscriminator returns the 8-byte selector routing an instruction.
func InstructionDiscriminator(name string) [8]byte {
	return discriminator(instructionNamespace, name)
}

func discriminator(namespace, name string) [8]byte {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

// DecodePool decodes a pool record. Trailing bytes beyond PoolSize are ignored.
func DecodePool(data []byte) (*PoolRecord, error) {
	if len(data) < PoolSize {
		return nil, malformed("pool", len(data), PoolSize)
	}
	var l poolLayout
	if err := bin.NewBorshDecoder(data[:PoolSize]).Decode(&l); err != nil {
		return nil, rejection.Wrap(rejection.KindMalformedAccount, err, "failed to decode pool record", "")
	}
	return &PoolRecord{
		Authority:           l.Authority,
		RewardMint:          l.RewardMint,
		TotalStaked:         l.TotalStaked,
		TotalParticipants:   l.TotalParticipants,
		TotalWeightScore:    l.TotalWeightScore,
		FeePoolBalance:      l.FeePoolBalance,
		BaseReward:          l.BaseReward,
		BonusPerPoint:       l.BonusPerPoint,
		TotalServedRequests: l.TotalServedRequests,
	}, nil
}

// DecodeParticipant decodes a participant record. Zero-valued fields are valid;
// filtering unstaked participants is up to the caller.
func DecodeParticipant(data []byte) (*ParticipantRecord, error) {
	if len(data) < ParticipantSize {
		return nil, malformed("participant", len(data), ParticipantSize)
	}
	var l participantLayout
	if err := bin.NewBorshDecoder(data[:ParticipantSize]).Decode(&l); err != nil {
		return nil, rejection.Wrap(rejection.KindMalformedAccount, err, "failed to decode participant record", "")
	}
	return &ParticipantRecord{
		Owner:              l.Owner,
		StakedAmount:       l.StakedAmount,
		ReputationScore:    l.ReputationScore,
		TotalRequests:      l.TotalRequests,
		SuccessfulRequests: l.SuccessfulRequests,
		FailedRequests:     l.FailedRequests,
		TotalEarned:        l.TotalEarned,
		PendingRewards:     l.PendingRewards,
		TotalClaimed:       l.TotalClaimed,
		CreatedAt:          l.CreatedAt,
		LastActivityAt:     l.LastActivityAt,
	}, nil
}

// EncodePool serializes a pool record in its on-chain layout.
func EncodePool(p *PoolRecord) ([]byte, error) {
	l := poolLayout{
		Discriminator:       AccountDiscriminator(PoolAccountName),
		Authority:           p.Authority,
		RewardMint:          p.RewardMint,
		TotalStaked:         p.TotalStaked,
		TotalParticipants:   p.TotalParticipants,
		TotalWeightScore:    p.TotalWeightScore,
		FeePoolBalance:      p.FeePoolBalance,
		BaseReward:          p.BaseReward,
		BonusPerPoint:       p.BonusPerPoint,
		TotalServedRequests: p.TotalServedRequests,
	}
	return encode(&l)
}

// EncodeParticipant serializes a participant record in its on-chain layout.
func EncodeParticipant(p *ParticipantRecord) ([]byte, error) {
	l := participantLayout{
		Discriminator:      AccountDiscriminator(ParticipantAccountName),
		Owner:              p.Owner,
		StakedAmount:       p.StakedAmount,
		ReputationScore:    p.ReputationScore,
		TotalRequests:      p.TotalRequests,
		SuccessfulRequests: p.SuccessfulRequests,
		FailedRequests:     p.FailedRequests,
		TotalEarned:        p.TotalEarned,
		PendingRewards:     p.PendingRewards,
		TotalClaimed:       p.TotalClaimed,
		CreatedAt:          p.CreatedAt,
		LastActivityAt:     p.LastActivityAt,
	}
	return encode(&l)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := bin.NewBorshEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeInstruction returns the instruction discriminator for name followed by
// the borsh serialization of args. args must be a struct of fixed-width fields
// (or nil for instructions without arguments).
func EncodeInstruction(name string, args any) ([]byte, error) {
	disc := InstructionDiscriminator(name)
	data := append([]byte{}, disc[:]...)
	if args == nil {
		return data, nil
	}
	encoded, err := borsh.Serialize(args)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s args: %w", name, err)
	}
	return append(data, encoded...), nil
}

// ScaleAmount converts a raw smallest-unit amount to display units. A zero
// divisor is treated as 1.
func ScaleAmount(raw uint64, divisor float64) float64 {
	if divisor == 0 {
		return float64(raw)
	}
	return float64(raw) / divisor
}

// DecimalsDivisor returns 10^decimals.
func DecimalsDivisor(decimals uint8) float64 {
	d := 1.0
	for range decimals {
		d *= 10
	}
	return d
}

func malformed(record string, got, want int) *rejection.Error {
	return rejection.New(
		rejection.KindMalformedAccount,
		fmt.Sprintf("%s record too short: %d < %d bytes", record, got, want),
		"the account does not hold a record of the expected type",
	)
}
