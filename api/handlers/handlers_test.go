package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/rewardpool/api/handlers"
	"github.com/malbeclabs/rewardpool/pkg/accesstoken"
	"github.com/malbeclabs/rewardpool/pkg/claim"
	"github.com/malbeclabs/rewardpool/pkg/codec"
	"github.com/malbeclabs/rewardpool/pkg/distributor"
	"github.com/malbeclabs/rewardpool/pkg/ledger"
	"github.com/malbeclabs/rewardpool/pkg/payment"
	"github.com/malbeclabs/rewardpool/pkg/rejection"
	"github.com/malbeclabs/rewardpool/pkg/weights"
)

func TestHandlers_ConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*handlers.Config)
		wantErr error
	}{
		{name: "no logger", mutate: func(c *handlers.Config) { c.Logger = nil }, wantErr: handlers.ErrLoggerRequired},
		{name: "no claims", mutate: func(c *handlers.Config) { c.Claims = nil }, wantErr: handlers.ErrClaimsRequired},
		{name: "no payments", mutate: func(c *handlers.Config) { c.Payments = nil }, wantErr: handlers.ErrPaymentsRequired},
		{name: "no distributor", mutate: func(c *handlers.Config) { c.Distributor = nil }, wantErr: handlers.ErrDistributorRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := newFixture().cfg
			tt.mutate(&cfg)
			_, err := handlers.New(cfg)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestHandlers_HealthAndVersion(t *testing.T) {
	t.Parallel()
	srv := newFixture().server(t)

	rec := do(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decodeBody[handlers.VersionInfo](t, rec)
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "abc123", info.Commit)
}

func TestHandlers_Ready(t *testing.T) {
	t.Parallel()

	t.Run("ok", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		f.cfg.Ready = func(context.Context) error { return nil }
		rec := do(t, f.server(t), http.MethodGet, "/readyz", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("store down", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		f.cfg.Ready = func(context.Context) error { return errors.New("connection refused") }
		rec := do(t, f.server(t), http.MethodGet, "/readyz", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.NotContains(t, rec.Body.String(), "connection refused")
	})

	t.Run("distributor halted", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		f.distributor.halted = true
		rec := do(t, f.server(t), http.MethodGet, "/readyz", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "authority mismatch")
	})
}

func TestHandlers_GetDistribution(t *testing.T) {
	t.Parallel()
	f := newFixture()
	poolAccount := solana.NewWallet().PublicKey()
	a, b := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	computedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.claims.DistributionFunc = func(context.Context) (*claim.Distribution, error) {
		return &claim.Distribution{
			Snapshot: &ledger.Snapshot{
				PoolAccount: poolAccount,
				Pool:        &codec.PoolRecord{TotalStaked: 1000, FeePoolBalance: 100_000_000},
			},
			Result: weights.Result{
				Entries: []weights.Entry{
					{Owner: a, Weight: 0.66, Share: 66, SharePercentage: 73.33},
					{Owner: b, Weight: 0.24, Share: 24, SharePercentage: 26.67},
				},
				TotalWeight:         0.9,
				TotalShares:         90,
				DistributableAmount: 90,
				ParticipantCount:    2,
			},
			ComputedAt: computedAt,
		}, nil
	}

	rec := do(t, f.server(t), http.MethodGet, "/distribution", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[handlers.DistributionResponse](t, rec)
	assert.Equal(t, poolAccount, resp.Pool.Account)
	assert.Equal(t, uint64(1000), resp.Pool.TotalStaked)
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, a, resp.Entries[0].Owner)
	assert.InDelta(t, 66.0, resp.Entries[0].Share, 1e-9)
	assert.Equal(t, 2, resp.Summary.ParticipantCount)
	assert.InDelta(t, 90.0, resp.Summary.DistributableAmount, 1e-9)
	assert.True(t, resp.Summary.ComputedAt.Equal(computedAt))
}

func TestHandlers_GetDistributionPoolNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.claims.DistributionFunc = func(context.Context) (*claim.Distribution, error) {
		return nil, rejection.Wrap(rejection.KindPoolNotFound, ledger.ErrAccountNotFound,
			"pool account not found", "Check the configured pool account and program.")
	}

	rec := do(t, f.server(t), http.MethodGet, "/distribution", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeBody[handlers.ErrorResponse](t, rec)
	assert.Equal(t, "pool_not_found", resp.Error)
	assert.NotEmpty(t, resp.Hint)
}

func TestHandlers_ClaimQuote(t *testing.T) {
	t.Parallel()
	f := newFixture()
	wallet := solana.NewWallet().PublicKey()
	f.claims.QuoteFunc = func(_ context.Context, w solana.PublicKey) (*claim.Quote, error) {
		return &claim.Quote{Wallet: w, Amount: 66, RawAmount: 66_000_000}, nil
	}

	rec := do(t, f.server(t), http.MethodPost, "/claim/quote", handlers.ClaimRequest{Wallet: wallet.String()})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[map[string]any](t, rec)
	assert.Equal(t, wallet.String(), resp["wallet"])
	assert.Equal(t, true, resp["eligible"])
	assert.InDelta(t, 66.0, resp["amount"], 1e-9)
}

func TestHandlers_InvalidRequests(t *testing.T) {
	t.Parallel()
	wallet := solana.NewWallet().PublicKey().String()

	tests := []struct {
		name string
		path string
		body any
	}{
		{name: "empty body", path: "/claim/quote", body: nil},
		{name: "not json", path: "/claim/quote", body: "wallet=abc"},
		{name: "missing wallet", path: "/claim/sign", body: handlers.ClaimRequest{}},
		{name: "wallet not base58", path: "/claim/sign", body: handlers.ClaimRequest{Wallet: "0OIl"}},
		{name: "wallet wrong length", path: "/claim/quote", body: handlers.ClaimRequest{Wallet: "3yZe7d"}},
		{name: "missing signature", path: "/claim/record", body: handlers.ClaimRecordRequest{Wallet: wallet}},
		{name: "signature is a key", path: "/claim/record", body: handlers.ClaimRecordRequest{Wallet: wallet, TxSignature: wallet}},
		{name: "missing resource", path: "/payment/quote", body: handlers.PaymentQuoteRequest{Resource: "  "}},
		{name: "missing quote id", path: "/payment/confirm", body: handlers.PaymentConfirmRequest{TxSignature: newSignature().String(), Payer: wallet}},
		{name: "missing payer", path: "/payment/confirm", body: handlers.PaymentConfirmRequest{QuoteID: "q", TxSignature: newSignature().String()}},
		{name: "missing payment signature", path: "/distribution/trigger", body: handlers.DistributionTriggerRequest{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			// The fakes have no funcs set, so reaching a service would panic.
			srv := newFixture().server(t)
			rec := do(t, srv, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decodeBody[handlers.ErrorResponse](t, rec)
			assert.Equal(t, "invalid_request", resp.Error)
			assert.NotEmpty(t, resp.Message)
			assert.NotEmpty(t, resp.Hint)
		})
	}
}

func TestHandlers_ClaimSignRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
		wantDetail map[string]any
	}{
		{
			name: "cooldown",
			err: rejection.New(rejection.KindCooldown, "claimed recently", "Try again in 23 hours.").
				WithDetail("hoursRemaining", 23),
			wantStatus: http.StatusTooManyRequests,
			wantKind:   "cooldown",
			wantDetail: map[string]any{"hoursRemaining": float64(23)},
		},
		{
			name:       "in progress",
			err:        rejection.New(rejection.KindClaimInProgress, "claim in progress", "Wait 4 minutes.").WithDetail("minutesRemaining", 4),
			wantStatus: http.StatusConflict,
			wantKind:   "claim_in_progress",
			wantDetail: map[string]any{"minutesRemaining": float64(4)},
		},
		{
			name:       "excluded",
			err:        rejection.New(rejection.KindForbidden, "wallet is excluded", "Excluded wallets cannot claim."),
			wantStatus: http.StatusForbidden,
			wantKind:   "forbidden",
		},
		{
			name:       "store unavailable",
			err:        rejection.Wrap(rejection.KindStoreUnavailable, errors.New("connection refused"), "claim store unavailable", "Retry shortly."),
			wantStatus: http.StatusServiceUnavailable,
			wantKind:   "store_unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture()
			f.claims.RequestClaimFunc = func(context.Context, solana.PublicKey) (*claim.Claim, error) {
				return nil, tt.err
			}

			rec := do(t, f.server(t), http.MethodPost, "/claim/sign", handlers.ClaimRequest{Wallet: solana.NewWallet().PublicKey().String()})
			assert.Equal(t, tt.wantStatus, rec.Code)
			resp := decodeBody[handlers.ErrorResponse](t, rec)
			assert.Equal(t, tt.wantKind, resp.Error)
			assert.NotEmpty(t, resp.Hint)
			for k, v := range tt.wantDetail {
				assert.Equal(t, v, resp.Details[k])
			}
		})
	}
}

func TestHandlers_ClaimSign(t *testing.T) {
	t.Parallel()
	f := newFixture()
	wallet := solana.NewWallet().PublicKey()
	expires := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	f.claims.RequestClaimFunc = func(_ context.Context, w solana.PublicKey) (*claim.Claim, error) {
		return &claim.Claim{
			Quote:       claim.Quote{Wallet: w, Amount: 24, RawAmount: 24_000_000},
			Transaction: "AQID",
			ExpiresAt:   expires,
			LockToken:   1,
		}, nil
	}

	rec := do(t, f.server(t), http.MethodPost, "/claim/sign", handlers.ClaimRequest{Wallet: wallet.String()})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "AQID", resp["transaction"])
	assert.Equal(t, wallet.String(), resp["wallet"])
	assert.Equal(t, expires.Format(time.RFC3339), resp["expiresAt"])
}

func TestHandlers_ClaimRecord(t *testing.T) {
	t.Parallel()
	f := newFixture()
	wallet := solana.NewWallet().PublicKey()
	sig := newSignature()
	f.claims.RecordClaimFunc = func(_ context.Context, w solana.PublicKey, s solana.Signature) (*claim.Receipt, error) {
		require.Equal(t, wallet, w)
		require.Equal(t, sig, s)
		return &claim.Receipt{Wallet: w, Signature: s, ClaimedAt: time.Now().UTC(), AlreadyRecorded: true}, nil
	}

	rec := do(t, f.server(t), http.MethodPost, "/claim/record", handlers.ClaimRecordRequest{
		Wallet:      wallet.String(),
		TxSignature: sig.String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[map[string]any](t, rec)
	assert.Equal(t, sig.String(), resp["txSignature"])
	assert.Equal(t, true, resp["alreadyRecorded"])
}

func TestHandlers_PaymentFlow(t *testing.T) {
	t.Parallel()
	f := newFixture()
	dest := solana.NewWallet().PublicKey()
	payer := solana.NewWallet().PublicKey()
	sig := newSignature()
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	f.payments.QuoteFunc = func(_ context.Context, resource string) (*payment.Quote, error) {
		if resource != "report" {
			return nil, rejection.New(rejection.KindInvalidRequest, "unknown resource", "Pick a listed resource.").
				WithDetail("resources", []string{"report"})
		}
		return &payment.Quote{ID: "q-1", Resource: resource, ExpectedAmount: 2_000_000, Destination: dest, ExpiresAt: issued.Add(10 * time.Minute)}, nil
	}
	f.payments.ConfirmFunc = func(_ context.Context, quoteID string, s solana.Signature, p solana.PublicKey) (*payment.Confirmation, error) {
		require.Equal(t, "q-1", quoteID)
		require.Equal(t, sig, s)
		require.Equal(t, payer, p)
		return &payment.Confirmation{
			Quote:    payment.Quote{ID: quoteID, Resource: "report"},
			Receipt:  payment.Receipt{Signature: s, Received: 2_000_000, Required: 2_000_000},
			Token:    &accesstoken.Token{Token: "jwt", ID: "tok-1", Resource: "report", IssuedAt: issued, ExpiresAt: issued.Add(15 * time.Minute)},
			Resource: "report",
		}, nil
	}
	f.payments.ValidateFunc = func(token string) accesstoken.Validation {
		if token == "jwt" {
			return accesstoken.Validation{Valid: true, Resource: "report", ExpiresAt: issued.Add(15 * time.Minute)}
		}
		return accesstoken.Validation{Reason: accesstoken.ReasonInvalidSignature}
	}
	srv := f.server(t)

	rec := do(t, srv, http.MethodPost, "/payment/quote", handlers.PaymentQuoteRequest{Resource: "export"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errResp := decodeBody[handlers.ErrorResponse](t, rec)
	assert.Equal(t, []any{"report"}, errResp.Details["resources"])

	rec = do(t, srv, http.MethodPost, "/payment/quote", handlers.PaymentQuoteRequest{Resource: "report"})
	require.Equal(t, http.StatusOK, rec.Code)
	quote := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "q-1", quote["quoteId"])
	assert.Equal(t, dest.String(), quote["destinationAccount"])
	assert.InDelta(t, 2_000_000, quote["expectedAmount"], 0)

	rec = do(t, srv, http.MethodPost, "/payment/confirm", handlers.PaymentConfirmRequest{
		QuoteID:     "q-1",
		TxSignature: sig.String(),
		Payer:       payer.String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	token := decodeBody[handlers.AccessTokenResponse](t, rec)
	assert.Equal(t, "jwt", token.Token)
	assert.Equal(t, "tok-1", token.TokenID)
	assert.Equal(t, "q-1", token.QuoteID)
	assert.Equal(t, sig, token.TxSignature)
	assert.Equal(t, uint64(2_000_000), token.AmountReceived)

	rec = do(t, srv, http.MethodPost, "/payment/validate", handlers.PaymentValidateRequest{Token: "jwt"})
	require.Equal(t, http.StatusOK, rec.Code)
	v := decodeBody[accesstoken.Validation](t, rec)
	assert.True(t, v.Valid)
	assert.Equal(t, "report", v.Resource)

	rec = do(t, srv, http.MethodPost, "/payment/validate", handlers.PaymentValidateRequest{Token: "forged"})
	require.Equal(t, http.StatusOK, rec.Code)
	v = decodeBody[accesstoken.Validation](t, rec)
	assert.False(t, v.Valid)
	assert.Equal(t, accesstoken.ReasonInvalidSignature, v.Reason)

	rec = do(t, srv, http.MethodPost, "/payment/validate", handlers.PaymentValidateRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
	v = decodeBody[accesstoken.Validation](t, rec)
	assert.False(t, v.Valid)
	assert.Equal(t, accesstoken.ReasonMalformed, v.Reason)
}

func TestHandlers_PaymentConfirmRejected(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.payments.ConfirmFunc = func(context.Context, string, solana.Signature, solana.PublicKey) (*payment.Confirmation, error) {
		return nil, rejection.New(rejection.KindInsufficientPayment, "payment too small", "Send the quoted amount.").
			WithDetail("received", uint64(99)).
			WithDetail("required", uint64(100))
	}

	rec := do(t, f.server(t), http.MethodPost, "/payment/confirm", handlers.PaymentConfirmRequest{
		QuoteID:     "q-1",
		TxSignature: newSignature().String(),
		Payer:       solana.NewWallet().PublicKey().String(),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeBody[handlers.ErrorResponse](t, rec)
	assert.Equal(t, "insufficient_payment", resp.Error)
	assert.Equal(t, float64(99), resp.Details["received"])
	assert.Equal(t, float64(100), resp.Details["required"])
}

func TestHandlers_DistributionTrigger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		result     *distributor.Result
		err        error
		wantStatus int
	}{
		{
			name:       "confirmed",
			result:     &distributor.Result{Triggered: true, Status: distributor.StatusConfirmed, Amount: 19_000_000, Signature: "sig"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "below threshold",
			result:     &distributor.Result{Status: distributor.StatusBelowThreshold, Balance: 5_000_000},
			wantStatus: http.StatusOK,
		},
		{
			name:       "unconfirmed",
			result:     &distributor.Result{Triggered: true, Status: distributor.StatusSubmittedUnconfirmed, Amount: 19_000_000, Signature: "sig"},
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "authority mismatch",
			err:        rejection.New(rejection.KindAuthorityMismatch, "authority mismatch", "Fix the signer configuration."),
			wantStatus: http.StatusServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture()
			sig := newSignature()
			f.distributor.TriggerFunc = func(_ context.Context, s string) (*distributor.Result, error) {
				require.Equal(t, sig.String(), s)
				return tt.result, tt.err
			}

			rec := do(t, f.server(t), http.MethodPost, "/distribution/trigger", handlers.DistributionTriggerRequest{PaymentTxSignature: sig.String()})
			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.result == nil {
				return
			}
			resp := decodeBody[distributor.Result](t, rec)
			assert.Equal(t, tt.result.Triggered, resp.Triggered)
			assert.Equal(t, tt.result.Status, resp.Status)
			assert.Equal(t, tt.result.Amount, resp.Amount)
		})
	}
}

func TestHandlers_InternalErrorsHideDetail(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.claims.QuoteFunc = func(context.Context, solana.PublicKey) (*claim.Quote, error) {
		return nil, errors.New("failed to get program accounts: upstream 10.0.0.7 reset")
	}

	rec := do(t, f.server(t), http.MethodPost, "/claim/quote", handlers.ClaimRequest{Wallet: solana.NewWallet().PublicKey().String()})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeBody[handlers.ErrorResponse](t, rec)
	assert.Equal(t, "internal", resp.Error)
	assert.NotContains(t, rec.Body.String(), "10.0.0.7")
}

func TestHandlers_RateLimitAppliesToClaimRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture()
	limiter := handlers.NewRateLimiter(rate.Limit(1), 1)
	t.Cleanup(limiter.Close)
	f.cfg.RateLimiter = limiter
	f.claims.QuoteFunc = func(_ context.Context, w solana.PublicKey) (*claim.Quote, error) {
		return &claim.Quote{Wallet: w}, nil
	}
	f.claims.DistributionFunc = func(context.Context) (*claim.Distribution, error) {
		return &claim.Distribution{Snapshot: &ledger.Snapshot{Pool: &codec.PoolRecord{}}}, nil
	}
	srv := f.server(t)
	body := handlers.ClaimRequest{Wallet: solana.NewWallet().PublicKey().String()}

	rec := do(t, srv, http.MethodPost, "/claim/quote", body)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, srv, http.MethodPost, "/claim/quote", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Reads of the public distribution are not limited.
	for range 3 {
		rec = do(t, srv, http.MethodGet, "/distribution", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestHandlers_RateLimitAppliesToDistributionTrigger(t *testing.T) {
	t.Parallel()
	f := newFixture()
	limiter := handlers.NewRateLimiter(rate.Limit(0.001), 1)
	t.Cleanup(limiter.Close)
	f.cfg.RateLimiter = limiter
	triggers := 0
	f.distributor.TriggerFunc = func(context.Context, string) (*distributor.Result, error) {
		triggers++
		return &distributor.Result{Status: distributor.StatusBelowThreshold}, nil
	}
	srv := f.server(t)

	for range 3 {
		do(t, srv, http.MethodPost, "/distribution/trigger", handlers.DistributionTriggerRequest{PaymentTxSignature: newSignature().String()})
	}
	assert.Equal(t, 1, triggers)
}
