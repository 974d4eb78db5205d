// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StorePebble   = "pebble"
)

var ErrTokenSecretRequired = errors.New("ACCESS_TOKEN_SECRET is required")

type LedgerConfig struct {
	RPCURL         string
	Commitment     string
	RequestTimeout time.Duration

	ProgramID            solana.PublicKey
	PoolAccount          solana.PublicKey
	RewardMint           solana.PublicKey
	RewardDecimals       uint8
	TreasuryTokenAccount solana.PublicKey
	CollectionWallet     solana.PublicKey
}

type SignerConfig struct {
	KeypairPath       string
	ExpectedAuthority solana.PublicKey
}

type ClaimConfig struct {
	Cooldown     time.Duration
	LockDuration time.Duration
	FailPolicy   string
	Excluded     []solana.PublicKey
}

type PaymentConfig struct {
	Destination solana.PublicKey
	Mint        solana.PublicKey
	Prices      map[string]uint64
	Tolerance   float64
	QuoteTTL    time.Duration
	// Expired quotes are deleted after QuoteRetention, checked every SweepInterval.
	QuoteRetention time.Duration
	SweepInterval  time.Duration
}

type TokenConfig struct {
	Secret []byte
	TTL    time.Duration
}

type DistributionConfig struct {
	ReserveSOL          float64
	ThresholdSOL        float64
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	// Schedule is the interval of the periodic trigger; zero disables it.
	Schedule time.Duration
}

type StoreConfig struct {
	Backend    string
	PebblePath string
	Postgres   PgConfig
}

// SentryConfig enables error reporting and tracing when DSN is set.
type SentryConfig struct {
	DSN              string
	Environment      string
	TracesSampleRate float64
}

type Config struct {
	Ledger       LedgerConfig
	Signer       SignerConfig
	Claims       ClaimConfig
	Payments     PaymentConfig
	Tokens       TokenConfig
	Distribution DistributionConfig
	Store        StoreConfig
	Sentry       SentryConfig
	CORSOrigins  []string
	// TrustedProxies may set X-Forwarded-For / X-Real-IP for rate limiting.
	TrustedProxies []netip.Prefix
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var (
		cfg Config
		err error
		p   parser
	)

	cfg.Ledger = LedgerConfig{
		RPCURL:               envOr("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"),
		Commitment:           envOr("SOLANA_COMMITMENT", "confirmed"),
		RequestTimeout:       p.duration("LEDGER_REQUEST_TIMEOUT", 10*time.Second),
		ProgramID:            p.publicKey("POOL_PROGRAM_ID", true),
		PoolAccount:          p.publicKey("POOL_ACCOUNT", true),
		RewardMint:           p.publicKey("REWARD_MINT", true),
		RewardDecimals:       uint8(p.uint("REWARD_DECIMALS", 6, 8)),
		TreasuryTokenAccount: p.publicKey("TREASURY_TOKEN_ACCOUNT", true),
		CollectionWallet:     p.publicKey("COLLECTION_WALLET", true),
	}
	cfg.Signer = SignerConfig{
		KeypairPath:       envOr("AUTHORITY_KEYPAIR_PATH", ""),
		ExpectedAuthority: p.publicKey("EXPECTED_AUTHORITY", true),
	}
	cfg.Claims = ClaimConfig{
		Cooldown:     p.duration("CLAIM_COOLDOWN", 24*time.Hour),
		LockDuration: p.duration("CLAIM_LOCK_DURATION", 5*time.Minute),
		FailPolicy:   envOr("CLAIM_FAIL_POLICY", "open"),
		Excluded:     p.publicKeys("EXCLUDED_WALLETS"),
	}
	cfg.Payments = PaymentConfig{
		Destination: p.publicKey("PAYMENT_DESTINATION", true),
		Mint:        p.publicKey("PAYMENT_MINT", false),
		Prices:      p.prices("PAYMENT_PRICES"),
		Tolerance:   p.float("PAYMENT_TOLERANCE", 0),
		QuoteTTL:    p.duration("PAYMENT_QUOTE_TTL", 10*time.Minute),

		QuoteRetention: p.duration("PAYMENT_QUOTE_RETENTION", time.Hour),
		SweepInterval:  p.duration("PAYMENT_SWEEP_INTERVAL", 10*time.Minute),
	}
	cfg.Tokens = TokenConfig{
		Secret: []byte(envOr("ACCESS_TOKEN_SECRET", "")),
		TTL:    p.duration("ACCESS_TOKEN_TTL", 15*time.Minute),
	}
	cfg.Distribution = DistributionConfig{
		ReserveSOL:          p.float("DISTRIBUTION_RESERVE_SOL", 0.001),
		ThresholdSOL:        p.float("DISTRIBUTION_THRESHOLD_SOL", 0.01),
		ConfirmationTimeout: p.duration("DISTRIBUTION_CONFIRMATION_TIMEOUT", 30*time.Second),
		PollInterval:        p.duration("DISTRIBUTION_POLL_INTERVAL", 2*time.Second),
		Schedule:            p.duration("DISTRIBUTION_SCHEDULE", 0),
	}
	cfg.Store = StoreConfig{
		Backend:    envOr("STORE_BACKEND", StoreMemory),
		PebblePath: envOr("PEBBLE_PATH", "data/rewardpool"),
	}
	cfg.Sentry = SentryConfig{
		DSN:              envOr("SENTRY_DSN", ""),
		Environment:      envOr("SENTRY_ENVIRONMENT", "development"),
		TracesSampleRate: p.float("SENTRY_TRACES_SAMPLE_RATE", 0.1),
	}
	cfg.CORSOrigins = splitList(envOr("CORS_ORIGINS", "http://localhost:5173"))
	cfg.TrustedProxies = p.prefixes("TRUSTED_PROXIES")

	if err := p.err(); err != nil {
		return nil, err
	}
	if len(cfg.Tokens.Secret) == 0 {
		return nil, ErrTokenSecretRequired
	}

	switch cfg.Store.Backend {
	case StoreMemory, StorePebble:
	case StorePostgres:
		if cfg.Store.Postgres, err = loadPostgres(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("STORE_BACKEND must be one of %s, %s, %s", StoreMemory, StorePostgres, StorePebble)
	}
	return &cfg, nil
}

// ExcludedSet returns the excluded wallets as a set.
func (c *ClaimConfig) ExcludedSet() map[solana.PublicKey]struct{} {
	out := make(map[solana.PublicKey]struct{}, len(c.Excluded))
	for _, k := range c.Excluded {
		out[k] = struct{}{}
	}
	return out
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects every invalid variable so they are reported together.
type parser struct {
	errs []error
}

func (p *parser) fail(key string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
}

func (p *parser) err() error {
	return errors.Join(p.errs...)
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := envOr(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return d
}

func (p *parser) float(key string, def float64) float64 {
	v := envOr(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return f
}

func (p *parser) uint(key string, def uint64, bits int) uint64 {
	v := envOr(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, bits)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

func (p *parser) publicKey(key string, required bool) solana.PublicKey {
	v := envOr(key, "")
	if v == "" {
		if required {
			p.fail(key, errors.New("is required"))
		}
		return solana.PublicKey{}
	}
	pk, err := solana.PublicKeyFromBase58(v)
	if err != nil {
		p.fail(key, err)
		return solana.PublicKey{}
	}
	return pk
}

func (p *parser) publicKeys(key string) []solana.PublicKey {
	var out []solana.PublicKey
	for _, v := range splitList(envOr(key, "")) {
		pk, err := solana.PublicKeyFromBase58(v)
		if err != nil {
			p.fail(key, fmt.Errorf("%q: %w", v, err))
			continue
		}
		out = append(out, pk)
	}
	return out
}

// prefixes parses a list of CIDRs or bare addresses.
func (p *parser) prefixes(key string) []netip.Prefix {
	var out []netip.Prefix
	for _, v := range splitList(envOr(key, "")) {
		if addr, err := netip.ParseAddr(v); err == nil {
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(v)
		if err != nil {
			p.fail(key, fmt.Errorf("%q: %w", v, err))
			continue
		}
		out = append(out, prefix.Masked())
	}
	return out
}

// prices parses "resource=amount,resource=amount".
func (p *parser) prices(key string) map[string]uint64 {
	out := make(map[string]uint64)
	entries := splitList(envOr(key, ""))
	for _, pair := range entries {
		name, amount, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			p.fail(key, fmt.Errorf("invalid entry %q, want resource=amount", pair))
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(amount), 10, 64)
		if err != nil {
			p.fail(key, fmt.Errorf("invalid amount for %s: %w", name, err))
			continue
		}
		out[name] = n
	}
	if len(entries) == 0 {
		p.fail(key, errors.New("at least one resource price is required"))
	}
	return out
}
