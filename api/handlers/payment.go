package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/rewardpool/pkg/accesstoken"
)

type PaymentQuoteRequest struct {
	Resource string `json:"resource"`
}

type PaymentConfirmRequest struct {
	QuoteID     string `json:"quoteId"`
	TxSignature string `json:"txSignature"`
	Payer       string `json:"payer"`
}

type PaymentValidateRequest struct {
	Token string `json:"token"`
}

// AccessTokenResponse is the credential bought by a confirmed payment.
type AccessTokenResponse struct {
	Token          string           `json:"token"`
	TokenID        string           `json:"tokenId"`
	Resource       string           `json:"resource"`
	IssuedAt       time.Time        `json:"issuedAt"`
	ExpiresAt      time.Time        `json:"expiresAt"`
	QuoteID        string           `json:"quoteId"`
	TxSignature    solana.Signature `json:"txSignature"`
	AmountReceived uint64           `json:"amountReceived"`
}

// PostPaymentQuote handles POST /payment/quote
func (s *Server) PostPaymentQuote(w http.ResponseWriter, r *http.Request) {
	var req PaymentQuoteRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resource := strings.TrimSpace(req.Resource)
	if resource == "" {
		s.writeError(w, r, invalidRequest("Missing resource.", "Set resource to the name of the resource to buy."))
		return
	}

	q, err := s.cfg.Payments.Quote(r.Context(), resource)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// PostPaymentConfirm handles POST /payment/confirm
func (s *Server) PostPaymentConfirm(w http.ResponseWriter, r *http.Request) {
	var req PaymentConfirmRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.QuoteID == "" {
		s.writeError(w, r, invalidRequest("Missing quoteId.", "Set quoteId to the id returned by /payment/quote."))
		return
	}
	sig, err := parseSignature("txSignature", req.TxSignature)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payer, err := parseWallet("payer", req.Payer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conf, err := s.cfg.Payments.Confirm(r.Context(), req.QuoteID, sig, payer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AccessTokenResponse{
		Token:          conf.Token.Token,
		TokenID:        conf.Token.ID,
		Resource:       conf.Token.Resource,
		IssuedAt:       conf.Token.IssuedAt,
		ExpiresAt:      conf.Token.ExpiresAt,
		QuoteID:        conf.Quote.ID,
		TxSignature:    conf.Receipt.Signature,
		AmountReceived: conf.Receipt.Received,
	})
}

// PostPaymentValidate handles POST /payment/validate. An invalid token is a
// normal answer, not an error.
func (s *Server) PostPaymentValidate(w http.ResponseWriter, r *http.Request) {
	var req PaymentValidateRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Token == "" {
		writeJSON(w, http.StatusOK, accesstoken.Validation{Reason: accesstoken.ReasonMalformed})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Payments.Validate(req.Token))
}
