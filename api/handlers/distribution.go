package handlers

import (
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/rewardpool/pkg/distributor"
	"github.com/malbeclabs/rewardpool/pkg/weights"
)

// PoolView is the decoded pool record. Amounts are in the mint's smallest unit.
type PoolView struct {
	Account             solana.PublicKey `json:"account"`
	Authority           solana.PublicKey `json:"authority"`
	RewardMint          solana.PublicKey `json:"rewardMint"`
	TotalStaked         uint64           `json:"totalStaked"`
	TotalParticipants   uint64           `json:"totalParticipants"`
	TotalWeightScore    uint64           `json:"totalWeightScore"`
	FeePoolBalance      uint64           `json:"feePoolBalance"`
	BaseReward          uint64           `json:"baseReward"`
	BonusPerPoint       uint64           `json:"bonusPerPoint"`
	TotalServedRequests uint64           `json:"totalServedRequests"`
}

type DistributionSummary struct {
	TotalWeight         float64   `json:"totalWeight"`
	TotalShares         float64   `json:"totalShares"`
	DistributableAmount float64   `json:"distributableAmount"`
	ParticipantCount    int       `json:"participantCount"`
	ExcludedCount       int       `json:"excludedCount"`
	ComputedAt          time.Time `json:"computedAt"`
}

type DistributionResponse struct {
	Pool    PoolView            `json:"pool"`
	Entries []weights.Entry     `json:"entries"`
	Summary DistributionSummary `json:"summary"`
}

type DistributionTriggerRequest struct {
	PaymentTxSignature string `json:"paymentTxSignature"`
}

// GetDistribution handles GET /distribution
func (s *Server) GetDistribution(w http.ResponseWriter, r *http.Request) {
	dist, err := s.cfg.Claims.Distribution(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	pool := dist.Snapshot.Pool
	writeJSON(w, http.StatusOK, DistributionResponse{
		Pool: PoolView{
			Account:             dist.Snapshot.PoolAccount,
			Authority:           pool.Authority,
			RewardMint:          pool.RewardMint,
			TotalStaked:         pool.TotalStaked,
			TotalParticipants:   pool.TotalParticipants,
			TotalWeightScore:    pool.TotalWeightScore,
			FeePoolBalance:      pool.FeePoolBalance,
			BaseReward:          pool.BaseReward,
			BonusPerPoint:       pool.BonusPerPoint,
			TotalServedRequests: pool.TotalServedRequests,
		},
		Entries: dist.Result.Entries,
		Summary: DistributionSummary{
			TotalWeight:         dist.Result.TotalWeight,
			TotalShares:         dist.Result.TotalShares,
			DistributableAmount: dist.Result.DistributableAmount,
			ParticipantCount:    dist.Result.ParticipantCount,
			ExcludedCount:       dist.Result.ExcludedCount,
			ComputedAt:          dist.ComputedAt,
		},
	})
}

// PostDistributionTrigger handles POST /distribution/trigger. A submitted but
// unconfirmed distribution is answered with 202 so callers re-query rather
// than trigger again.
func (s *Server) PostDistributionTrigger(w http.ResponseWriter, r *http.Request) {
	var req DistributionTriggerRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sig, err := parseSignature("paymentTxSignature", req.PaymentTxSignature)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.cfg.Distributor.Trigger(r.Context(), sig.String())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Status == distributor.StatusSubmittedUnconfirmed {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}
