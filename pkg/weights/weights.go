// Package weights computes each participant's weighted share of a distributable
// fee amount from a snapshot of pool and participant records.
package weights

import (
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/rewardpool/pkg/codec"
)

const (
	StakeWeightFactor = 0.6
	TimeWeightFactor  = 0.2
	RepWeightFactor   = 0.2

	// TimeWeightMaturityDays is the stake age at which the time weight saturates.
	TimeWeightMaturityDays = 30.0
	// ReputationScale normalizes the reputation score. The resulting term is not
	// clamped to 1.
	ReputationScale = 100_000.0

	// ProtocolRetention is the fraction of collected fees kept by the treasury.
	ProtocolRetention = 0.1

	secondsPerDay = 86400.0
)

// Entry is one participant's computed distribution.
type Entry struct {
	Owner           solana.PublicKey `json:"owner"`
	StakedAmount    float64          `json:"stakedAmount"`
	AgeInDays       float64          `json:"ageInDays"`
	ReputationScore uint64           `json:"reputationScore"`
	Weight          float64          `json:"weight"`
	Share           float64          `json:"share"`
	SharePercentage float64          `json:"sharePercentage"`
}

// Input is a snapshot to compute a distribution over.
type Input struct {
	Pool         *codec.PoolRecord
	Participants []codec.ParticipantRecord
	Now          time.Time
	// DistributableAmount is already net of protocol retention.
	DistributableAmount float64
	// AmountDivisor scales raw staked amounts for display; zero means 1.
	AmountDivisor float64
	Exclude       map[solana.PublicKey]struct{}
}

// Result is the distribution over all included participants, sorted by share
// descending.
type Result struct {
	Entries             []Entry `json:"entries"`
	TotalWeight         float64 `json:"totalWeight"`
	TotalShares         float64 `json:"totalShares"`
	DistributableAmount float64 `json:"distributableAmount"`
	ParticipantCount    int     `json:"participantCount"`
	ExcludedCount       int     `json:"excludedCount"`
}

// Distributable returns the portion of collected fees available to participants.
func Distributable(collectedFees float64) float64 {
	return collectedFees * (1 - ProtocolRetention)
}

// Calculate computes the weighted distribution. It has no side effects; the same
// input always yields identical output.
func Calculate(in Input) Result {
	res := Result{DistributableAmount: in.DistributableAmount, Entries: []Entry{}}
	if in.Pool == nil {
		return res
	}

	nowSec := float64(in.Now.Unix())
	entries := make([]Entry, 0, len(in.Participants))
	for _, p := range in.Participants {
		if p.StakedAmount == 0 {
			continue
		}
		if _, excluded := in.Exclude[p.Owner]; excluded {
			res.ExcludedCount++
			continue
		}
		stakeWeight := 0.0
		if in.Pool.TotalStaked > 0 {
			stakeWeight = float64(p.StakedAmount) / float64(in.Pool.TotalStaked)
		}
		ageDays := max(0, (nowSec-float64(p.CreatedAt))/secondsPerDay)
		timeWeight := min(ageDays/TimeWeightMaturityDays, 1)
		repWeight := float64(p.ReputationScore) / ReputationScale

		weight := StakeWeightFactor*stakeWeight + TimeWeightFactor*timeWeight + RepWeightFactor*repWeight
		res.TotalWeight += weight
		entries = append(entries, Entry{
			Owner:           p.Owner,
			StakedAmount:    codec.ScaleAmount(p.StakedAmount, in.AmountDivisor),
			AgeInDays:       ageDays,
			ReputationScore: p.ReputationScore,
			Weight:          weight,
		})
	}

	for i := range entries {
		if res.TotalWeight > 0 {
			entries[i].Share = entries[i].Weight / res.TotalWeight * in.DistributableAmount
			entries[i].SharePercentage = entries[i].Weight / res.TotalWeight * 100
		}
		res.TotalShares += entries[i].Share
	}

	// Equal shares fall back to wallet identity order.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Share != entries[j].Share {
			return entries[i].Share > entries[j].Share
		}
		return entries[i].Owner.String() < entries[j].Owner.String()
	})

	res.Entries = entries
	res.ParticipantCount = len(entries)
	return res
}

// FindEntry returns the entry for owner, if present.
func FindEntry(res Result, owner solana.PublicKey) (Entry, bool) {
	for _, e := range res.Entries {
		if e.Owner.Equals(owner) {
			return e, true
		}
	}
	return Entry{}, false
}
