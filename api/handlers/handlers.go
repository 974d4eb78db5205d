// Package handlers serves the reward pool HTTP API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mr-tron/base58"

	"github.com/malbeclabs/rewardpool/api/metrics"
	"github.com/malbeclabs/rewardpool/pkg/accesstoken"
	"github.com/malbeclabs/rewardpool/pkg/claim"
	"github.com/malbeclabs/rewardpool/pkg/distributor"
	"github.com/malbeclabs/rewardpool/pkg/payment"
	"github.com/malbeclabs/rewardpool/pkg/rejection"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxBodyBytes          = 64 << 10
)

var (
	ErrLoggerRequired      = errors.New("logger is required")
	ErrClaimsRequired      = errors.New("claim service is required")
	ErrPaymentsRequired    = errors.New("payment service is required")
	ErrDistributorRequired = errors.New("distributor is required")
)

// ClaimService is the claim lifecycle as used by the API.
type ClaimService interface {
	Distribution(ctx context.Context) (*claim.Distribution, error)
	Quote(ctx context.Context, wallet solana.PublicKey) (*claim.Quote, error)
	RequestClaim(ctx context.Context, wallet solana.PublicKey) (*claim.Claim, error)
	RecordClaim(ctx context.Context, wallet solana.PublicKey, sig solana.Signature) (*claim.Receipt, error)
}

// PaymentService sells access tokens against on-chain payments.
type PaymentService interface {
	Quote(ctx context.Context, resource string) (*payment.Quote, error)
	Confirm(ctx context.Context, quoteID string, sig solana.Signature, payer solana.PublicKey) (*payment.Confirmation, error)
	Validate(token string) accesstoken.Validation
}

// Distributor moves collected fees into the pool.
type Distributor interface {
	Trigger(ctx context.Context, paymentSig string) (*distributor.Result, error)
	Halted() bool
}

type Config struct {
	Logger      *slog.Logger
	Claims      ClaimService
	Payments    PaymentService
	Distributor Distributor

	// Ready reports whether backing services are reachable. Optional.
	Ready func(ctx context.Context) error
	// RateLimiter applies to the claim, payment and trigger routes. Optional.
	RateLimiter *RateLimiter

	CORSOrigins    []string
	RequestTimeout time.Duration
	Version        VersionInfo
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.Claims == nil {
		return ErrClaimsRequired
	}
	if c.Payments == nil {
		return ErrPaymentsRequired
	}
	if c.Distributor == nil {
		return ErrDistributorRequired
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	return nil
}

type Server struct {
	log    *slog.Logger
	cfg    Config
	router chi.Router
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{log: cfg.Logger, cfg: cfg, router: chi.NewRouter()}
	s.setupRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.GetHealth)
	r.Get("/readyz", s.GetReady)
	r.Get("/version", s.GetVersion)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))

		r.Get("/distribution", s.GetDistribution)

		r.Group(func(r chi.Router) {
			if s.cfg.RateLimiter != nil {
				r.Use(RateLimitMiddleware(s.cfg.RateLimiter))
			}
			r.Post("/distribution/trigger", s.PostDistributionTrigger)

			r.Post("/claim/quote", s.PostClaimQuote)
			r.Post("/claim/sign", s.PostClaimSign)
			r.Post("/claim/record", s.PostClaimRecord)

			r.Post("/payment/quote", s.PostPaymentQuote)
			r.Post("/payment/confirm", s.PostPaymentConfirm)
			r.Post("/payment/validate", s.PostPaymentValidate)
		})
	})
}

// ErrorResponse is the body of every rejected request.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError renders err. Rejections carry their own kind, message and hint;
// anything else is logged and reported as an internal error without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	rej, ok := rejection.As(err)
	if !ok {
		s.log.Error("api: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		sentry.CaptureException(err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   string(rejection.KindInternal),
			Message: "Internal error.",
			Hint:    "Retry the request; contact the operator if it keeps failing.",
		})
		return
	}

	status := rejection.HTTPStatus(rej.Kind)
	if status >= http.StatusInternalServerError {
		s.log.Warn("api: request rejected", "method", r.Method, "path", r.URL.Path, "kind", rej.Kind, "error", err)
	}
	writeJSON(w, status, ErrorResponse{
		Error:   string(rej.Kind),
		Message: rej.Message,
		Hint:    rej.Hint,
		Details: rej.Details,
	})
}

func invalidRequest(message, hint string) error {
	return rejection.New(rejection.KindInvalidRequest, message, hint)
}

// decode reads a JSON request body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return invalidRequest("Request body is empty.", "Send a JSON object body.")
		}
		return invalidRequest("Invalid request body.", "Send a JSON object body with the documented fields.")
	}
	return nil
}

// parseWallet accepts a base58-encoded 32-byte public key.
func parseWallet(field, value string) (solana.PublicKey, error) {
	if value == "" {
		return solana.PublicKey{}, invalidRequest(fmt.Sprintf("Missing %s.", field),
			fmt.Sprintf("Set %s to a base58-encoded wallet address.", field))
	}
	raw, err := base58.Decode(value)
	if err != nil || len(raw) != solana.PublicKeyLength {
		return solana.PublicKey{}, invalidRequest(fmt.Sprintf("Invalid %s %q.", field, value),
			fmt.Sprintf("Set %s to a base58-encoded 32-byte wallet address.", field))
	}
	return solana.PublicKeyFromBytes(raw), nil
}

// parseSignature accepts a base58-encoded 64-byte transaction signature.
func parseSignature(field, value string) (solana.Signature, error) {
	if value == "" {
		return solana.Signature{}, invalidRequest(fmt.Sprintf("Missing %s.", field),
			fmt.Sprintf("Set %s to the base58 signature of the landed transaction.", field))
	}
	raw, err := base58.Decode(value)
	if err != nil || len(raw) != solana.SignatureLength {
		return solana.Signature{}, invalidRequest(fmt.Sprintf("Invalid %s %q.", field, value),
			fmt.Sprintf("Set %s to the base58 signature of the landed transaction.", field))
	}
	return solana.SignatureFromBytes(raw), nil
}

// GetHealth handles GET /healthz.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetReady handles GET /readyz. The service is not ready while the store is
// unreachable or after the distributor halted.
func (s *Server) GetReady(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Distributor.Halted() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "distribution halted: authority mismatch",
		})
		return
	}
	if s.cfg.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.cfg.Ready(ctx); err != nil {
			s.log.Warn("api: not ready", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"reason": "store unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
