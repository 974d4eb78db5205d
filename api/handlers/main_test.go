package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/rewardpool/api/handlers"
	"github.com/malbeclabs/rewardpool/pkg/accesstoken"
	"github.com/malbeclabs/rewardpool/pkg/claim"
	"github.com/malbeclabs/rewardpool/pkg/distributor"
	"github.com/malbeclabs/rewardpool/pkg/payment"
	pooltesting "github.com/malbeclabs/rewardpool/utils/pkg/testing"
)

type fakeClaims struct {
	DistributionFunc func(context.Context) (*claim.Distribution, error)
	QuoteFunc        func(context.Context, solana.PublicKey) (*claim.Quote, error)
	RequestClaimFunc func(context.Context, solana.PublicKey) (*claim.Claim, error)
	RecordClaimFunc  func(context.Context, solana.PublicKey, solana.Signature) (*claim.Receipt, error)
}

func (f *fakeClaims) Distribution(ctx context.Context) (*claim.Distribution, error) {
	return f.DistributionFunc(ctx)
}

func (f *fakeClaims) Quote(ctx context.Context, wallet solana.PublicKey) (*claim.Quote, error) {
	return f.QuoteFunc(ctx, wallet)
}

func (f *fakeClaims) RequestClaim(ctx context.Context, wallet solana.PublicKey) (*claim.Claim, error) {
	return f.RequestClaimFunc(ctx, wallet)
}

func (f *fakeClaims) RecordClaim(ctx context.Context, wallet solana.PublicKey, sig solana.Signature) (*claim.Receipt, error) {
	return f.RecordClaimFunc(ctx, wallet, sig)
}

type fakePayments struct {
	QuoteFunc    func(context.Context, string) (*payment.Quote, error)
	ConfirmFunc  func(context.Context, string, solana.Signature, solana.PublicKey) (*payment.Confirmation, error)
	ValidateFunc func(string) accesstoken.Validation
}

func (f *fakePayments) Quote(ctx context.Context, resource string) (*payment.Quote, error) {
	return f.QuoteFunc(ctx, resource)
}

func (f *fakePayments) Confirm(ctx context.Context, quoteID string, sig solana.Signature, payer solana.PublicKey) (*payment.Confirmation, error) {
	return f.ConfirmFunc(ctx, quoteID, sig, payer)
}

func (f *fakePayments) Validate(token string) accesstoken.Validation {
	return f.ValidateFunc(token)
}

type fakeDistributor struct {
	TriggerFunc func(context.Context, string) (*distributor.Result, error)
	halted      bool
}

func (f *fakeDistributor) Trigger(ctx context.Context, sig string) (*distributor.Result, error) {
	return f.TriggerFunc(ctx, sig)
}

func (f *fakeDistributor) Halted() bool {
	return f.halted
}

type fixture struct {
	claims      *fakeClaims
	payments    *fakePayments
	distributor *fakeDistributor
	cfg         handlers.Config
}

func newFixture() *fixture {
	f := &fixture{
		claims:      &fakeClaims{},
		payments:    &fakePayments{},
		distributor: &fakeDistributor{},
	}
	f.cfg = handlers.Config{
		Logger:         pooltesting.NewLogger(),
		Claims:         f.claims,
		Payments:       f.payments,
		Distributor:    f.distributor,
		RequestTimeout: 5 * time.Second,
		Version:        handlers.VersionInfo{Version: "1.2.3", Commit: "abc123", Date: "2025-06-01"},
	}
	return f
}

func (f *fixture) server(t *testing.T) *handlers.Server {
	t.Helper()
	srv, err := handlers.New(f.cfg)
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.10:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

func newSignature() solana.Signature {
	var sig solana.Signature
	copy(sig[:32], solana.NewWallet().PublicKey().Bytes())
	copy(sig[32:], solana.NewWallet().PublicKey().Bytes())
	return sig
}
