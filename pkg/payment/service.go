package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/rewardpool/api/metrics"
	"github.com/malbeclabs/rewardpool/pkg/accesstoken"
	"github.com/malbeclabs/rewardpool/pkg/kvstore"
	"github.com/malbeclabs/rewardpool/pkg/rejection"
)

const (
	DefaultQuoteTTL       = 10 * time.Minute
	DefaultQuoteRetention = time.Hour

	quoteKeyPrefix   = "quote:"
	paymentKeyPrefix = "payment-tx:"
)

var (
	ErrLoggerRequired      = errors.New("logger is required")
	ErrStoreRequired       = errors.New("store is required")
	ErrVerifierRequired    = errors.New("verifier is required")
	ErrIssuerRequired      = errors.New("token issuer is required")
	ErrDestinationRequired = errors.New("payment destination is required")
	ErrPricesRequired      = errors.New("at least one resource price is required")
)

type Config struct {
	Logger   *slog.Logger
	Store    kvstore.Store
	Verifier *Verifier
	Issuer   *accesstoken.Issuer
	Clock    clockwork.Clock

	// Destination receives payments; Mint is the asset, zero for native.
	Destination solana.PublicKey
	Mint        solana.PublicKey
	// Prices maps resource names to their price in smallest units.
	Prices   map[string]uint64
	QuoteTTL time.Duration
	// QuoteRetention is how long an expired quote is kept before Sweep deletes it.
	QuoteRetention time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.Store == nil {
		return ErrStoreRequired
	}
	if c.Verifier == nil {
		return ErrVerifierRequired
	}
	if c.Issuer == nil {
		return ErrIssuerRequired
	}
	if c.Destination.IsZero() {
		return ErrDestinationRequired
	}
	if len(c.Prices) == 0 {
		return ErrPricesRequired
	}
	if c.QuoteTTL <= 0 {
		c.QuoteTTL = DefaultQuoteTTL
	}
	if c.QuoteRetention <= 0 {
		c.QuoteRetention = DefaultQuoteRetention
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Quote is a priced, time-boxed offer for one resource.
type Quote struct {
	ID             string           `json:"quoteId"`
	Resource       string           `json:"resource"`
	ExpectedAmount uint64           `json:"expectedAmount"`
	Destination    solana.PublicKey `json:"destinationAccount"`
	Mint           solana.PublicKey `json:"mint"`
	CreatedAt      time.Time        `json:"createdAt"`
	ExpiresAt      time.Time        `json:"expiresAt"`
	ConsumedBy     string           `json:"consumedBy,omitempty"`
}

// Confirmation is a consumed quote and the token it bought.
type Confirmation struct {
	Quote    Quote
	Receipt  Receipt
	Token    *accesstoken.Token
	Resource string
}

type Service struct {
	log *slog.Logger
	cfg Config
}

func NewService(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{log: cfg.Logger, cfg: cfg}, nil
}

// Resources lists the priced resources in name order.
func (s *Service) Resources() []string {
	out := make([]string, 0, len(s.cfg.Prices))
	for r := range s.cfg.Prices {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Quote creates and stores a quote for resource.
func (s *Service) Quote(ctx context.Context, resource string) (*Quote, error) {
	price, ok := s.cfg.Prices[resource]
	if !ok {
		return nil, rejection.New(rejection.KindInvalidRequest,
			fmt.Sprintf("unknown resource %q", resource),
			"Request a quote for one of the listed resources.").
			WithDetail("resources", s.Resources())
	}

	now := s.cfg.Clock.Now().UTC()
	q := &Quote{
		ID:             uuid.NewString(),
		Resource:       resource,
		ExpectedAmount: price,
		Destination:    s.cfg.Destination,
		Mint:           s.cfg.Mint,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.QuoteTTL),
	}
	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("failed to encode quote: %w", err)
	}
	ok, err = s.cfg.Store.CompareAndSwap(ctx, quoteKeyPrefix+q.ID, nil, body)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	if !ok {
		return nil, fmt.Errorf("quote id collision: %s", q.ID)
	}

	s.log.Debug("payment: quote issued", "quoteId", q.ID, "resource", resource, "amount", price)
	return q, nil
}

// Confirm verifies the payment for a quote and issues an access token. Each
// quote and each payment signature can be used once.
func (s *Service) Confirm(ctx context.Context, quoteID string, sig solana.Signature, payer solana.PublicKey) (*Confirmation, error) {
	conf, err := s.confirm(ctx, quoteID, sig, payer)
	if err != nil {
		metrics.RecordPayment(string(rejection.KindOf(err)))
		return nil, err
	}
	metrics.RecordPayment("accepted")
	return conf, nil
}

func (s *Service) confirm(ctx context.Context, quoteID string, sig solana.Signature, payer solana.PublicKey) (*Confirmation, error) {
	raw, q, err := s.loadQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if q.ConsumedBy != "" {
		return nil, rejection.New(rejection.KindQuoteConsumed,
			"quote has already been used", "Request a new quote.")
	}

	// A payment already bound to this quote is a confirmation interrupted
	// after the binding was written; it resumes even past the quote's expiry.
	paymentKey := paymentKeyPrefix + sig.String()
	bound, err := s.paymentBinding(ctx, paymentKey)
	if err != nil {
		return nil, err
	}
	resume := bound == q.ID
	if bound != "" && !resume {
		return nil, paymentReused(sig)
	}
	if !resume && !s.cfg.Clock.Now().Before(q.ExpiresAt) {
		return nil, rejection.New(rejection.KindQuoteExpired,
			"quote has expired", "Request a new quote and pay before it expires.").
			WithDetail("expiresAt", q.ExpiresAt)
	}

	receipt, err := s.cfg.Verifier.Verify(ctx, sig, Expectation{
		Destination:   q.Destination,
		Mint:          q.Mint,
		MinimumAmount: q.ExpectedAmount,
	})
	if err != nil {
		return nil, err
	}
	if !signedBy(receipt.Signers, payer) {
		return nil, rejection.New(rejection.KindPayerMismatch,
			"payer did not sign the payment transaction",
			"Confirm with the wallet that paid.")
	}

	tok, err := s.cfg.Issuer.Issue(q.Resource, q.ID)
	if err != nil {
		return nil, err
	}

	if !resume {
		claimed, err := s.cfg.Store.CompareAndSwap(ctx, paymentKey, nil, []byte(q.ID))
		if err != nil {
			return nil, storeUnavailable(err)
		}
		if !claimed {
			// Lost to a concurrent confirmation; only the same quote may proceed.
			if bound, err = s.paymentBinding(ctx, paymentKey); err != nil {
				return nil, err
			}
			if bound != q.ID {
				return nil, paymentReused(sig)
			}
		}
	}

	consumed := *q
	consumed.ConsumedBy = sig.String()
	body, err := json.Marshal(consumed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode quote: %w", err)
	}
	swapped, err := s.cfg.Store.CompareAndSwap(ctx, quoteKeyPrefix+q.ID, raw, body)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	if !swapped {
		// The binding stays if this same payment consumed the quote concurrently.
		if _, cur, err := s.loadQuote(ctx, q.ID); err == nil && cur.ConsumedBy != sig.String() {
			s.releasePayment(ctx, paymentKey, q.ID)
		}
		return nil, rejection.New(rejection.KindQuoteConsumed,
			"quote was used by another payment", "Request a new quote.")
	}

	s.log.Info("payment: confirmed", "quoteId", q.ID, "signature", sig, "payer", payer, "received", receipt.Received, "resumed", resume)
	return &Confirmation{Quote: consumed, Receipt: *receipt, Token: tok, Resource: q.Resource}, nil
}

// paymentBinding returns the quote id a payment signature is bound to, or ""
// if it is unused.
func (s *Service) paymentBinding(ctx context.Context, key string) (string, error) {
	v, err := s.cfg.Store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", storeUnavailable(err)
	}
	return string(v), nil
}

// releasePayment unbinds a payment from a quote another payment consumed.
func (s *Service) releasePayment(ctx context.Context, key, quoteID string) {
	released, err := s.cfg.Store.CompareAndDelete(ctx, key, []byte(quoteID))
	if err != nil || !released {
		s.log.Warn("payment: quote consumed concurrently, payment left bound",
			"quoteId", quoteID, "paymentKey", key, "error", err)
	}
}

// Sweep deletes quotes that expired more than the retention period ago,
// consumed or not. Payment signature bindings are kept.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	cutoff := s.cfg.Clock.Now().Add(-s.cfg.QuoteRetention)
	var removed int
	err := s.cfg.Store.Scan(ctx, quoteKeyPrefix, func(key string, value []byte) error {
		var q Quote
		if err := json.Unmarshal(value, &q); err != nil {
			s.log.Warn("payment: skipping undecodable quote", "key", key, "error", err)
			return nil
		}
		if q.ExpiresAt.After(cutoff) {
			return nil
		}
		deleted, err := s.cfg.Store.CompareAndDelete(ctx, key, value)
		if err != nil {
			return err
		}
		if deleted {
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, storeUnavailable(err)
	}
	return removed, nil
}

// RunSweeper sweeps expired quotes every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := s.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			removed, err := s.Sweep(ctx)
			if err != nil {
				s.log.Error("payment: quote sweep failed", "error", err, "removed", removed)
				continue
			}
			if removed > 0 {
				s.log.Info("payment: swept expired quotes", "removed", removed)
			}
		}
	}
}

// Validate checks an access token without touching the store.
func (s *Service) Validate(token string) accesstoken.Validation {
	return s.cfg.Issuer.Validate(token)
}

func (s *Service) loadQuote(ctx context.Context, id string) ([]byte, *Quote, error) {
	raw, err := s.cfg.Store.Get(ctx, quoteKeyPrefix+id)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil, rejection.New(rejection.KindQuoteNotFound,
			fmt.Sprintf("quote %s not found", id), "Request a new quote.")
	}
	if err != nil {
		return nil, nil, storeUnavailable(err)
	}
	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, nil, fmt.Errorf("failed to decode quote %s: %w", id, err)
	}
	return raw, &q, nil
}

func signedBy(signers []solana.PublicKey, key solana.PublicKey) bool {
	for _, s := range signers {
		if s.Equals(key) {
			return true
		}
	}
	return false
}

func paymentReused(sig solana.Signature) error {
	return rejection.New(rejection.KindPaymentReused,
		fmt.Sprintf("payment %s has already been used", sig),
		"Each payment unlocks one quote; submit a new payment.")
}

func storeUnavailable(err error) error {
	return rejection.Wrap(rejection.KindStoreUnavailable, err,
		"payment store unavailable", "Retry shortly.")
}
