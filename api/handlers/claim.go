package handlers

import (
	"net/http"

	"github.com/malbeclabs/rewardpool/pkg/claim"
)

type ClaimRequest struct {
	Wallet string `json:"wallet"`
}

type ClaimRecordRequest struct {
	Wallet      string `json:"wallet"`
	TxSignature string `json:"txSignature"`
}

// ClaimQuoteResponse is a wallet's claimable amount. Eligible is false when
// the wallet has no share of the current pool.
type ClaimQuoteResponse struct {
	*claim.Quote
	Eligible bool `json:"eligible"`
}

// PostClaimQuote handles POST /claim/quote
func (s *Server) PostClaimQuote(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	wallet, err := parseWallet("wallet", req.Wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q, err := s.cfg.Claims.Quote(r.Context(), wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimQuoteResponse{Quote: q, Eligible: q.RawAmount > 0})
}

// PostClaimSign handles POST /claim/sign. The returned transaction carries the
// authority's signature only; the wallet signs and submits it.
func (s *Server) PostClaimSign(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	wallet, err := parseWallet("wallet", req.Wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	c, err := s.cfg.Claims.RequestClaim(r.Context(), wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// PostClaimRecord handles POST /claim/record
func (s *Server) PostClaimRecord(w http.ResponseWriter, r *http.Request) {
	var req ClaimRecordRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	wallet, err := parseWallet("wallet", req.Wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sig, err := parseSignature("txSignature", req.TxSignature)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	receipt, err := s.cfg.Claims.RecordClaim(r.Context(), wallet, sig)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}
