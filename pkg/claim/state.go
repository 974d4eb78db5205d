package claim

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/malbeclabs/rewardpool/pkg/rejection"
)

// Status is the lifecycle position of a wallet's claim.
type Status string

const (
	StatusNone    Status = "none"
	StatusLocked  Status = "locked"
	StatusSettled Status = "settled"
)

// State is the per-wallet claim record. Timestamps are epoch milliseconds, 0
// when unset.
type State struct {
	LastClaimAt         int64  `json:"lastClaimAt"`
	ClaimLockAcquiredAt int64  `json:"claimLockAcquiredAt"`
	ClaimLockExpiresAt  int64  `json:"claimLockExpiresAt"`
	Status              Status `json:"status"`
	// LockToken increases on every lock acquisition.
	LockToken          uint64 `json:"lockToken"`
	LastClaimSignature string `json:"lastClaimSignature,omitempty"`
}

func decodeState(raw []byte) (State, error) {
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, fmt.Errorf("failed to decode claim state: %w", err)
	}
	if s.Status == "" {
		s.Status = StatusNone
	}
	return s, nil
}

func (s State) encode() ([]byte, error) {
	return json.Marshal(s)
}

// check applies the cooldown and lock rules at now.
func (s State) check(now time.Time, cooldown time.Duration) error {
	nowMs := now.UnixMilli()
	if s.LastClaimAt > 0 {
		elapsed := time.Duration(nowMs-s.LastClaimAt) * time.Millisecond
		if elapsed < cooldown {
			remaining := cooldown - elapsed
			hours := int(math.Ceil(remaining.Hours()))
			return rejection.New(rejection.KindCooldown,
				fmt.Sprintf("claimed too recently, %d hours remaining", hours),
				fmt.Sprintf("Try again in %d hours.", hours)).
				WithDetail("hoursRemaining", hours).
				WithDetail("nextClaimAt", time.UnixMilli(s.LastClaimAt).Add(cooldown).UTC())
		}
	}
	if s.Status == StatusLocked && nowMs < s.ClaimLockExpiresAt {
		remaining := time.Duration(s.ClaimLockExpiresAt-nowMs) * time.Millisecond
		minutes := int(math.Ceil(remaining.Minutes()))
		return rejection.New(rejection.KindClaimInProgress,
			fmt.Sprintf("a claim is already in progress, %d minutes remaining", minutes),
			fmt.Sprintf("Submit the pending claim transaction or wait %d minutes.", minutes)).
			WithDetail("minutesRemaining", minutes)
	}
	return nil
}
