package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/rewardpool/api/config"
	"github.com/malbeclabs/rewardpool/api/handlers"
	"github.com/malbeclabs/rewardpool/api/metrics"
	apisolana "github.com/malbeclabs/rewardpool/api/solana"
	"github.com/malbeclabs/rewardpool/pkg/accesstoken"
	"github.com/malbeclabs/rewardpool/pkg/claim"
	"github.com/malbeclabs/rewardpool/pkg/distributor"
	"github.com/malbeclabs/rewardpool/pkg/kvstore"
	"github.com/malbeclabs/rewardpool/pkg/ledger"
	"github.com/malbeclabs/rewardpool/pkg/payment"
	"github.com/malbeclabs/rewardpool/pkg/rejection"
	"github.com/malbeclabs/rewardpool/pkg/signer"
	"github.com/malbeclabs/rewardpool/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:0"
	readyProbeKey      = "readyz"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	logFormatFlag := flag.String("log-format", logger.FormatText, "log format: text or json")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address to listen on for API requests")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address to listen on for prometheus metrics (empty to disable)")
	scheduleFlag := flag.Duration("distribution-schedule", 0, "interval of scheduled distributions (or set DISTRIBUTION_SCHEDULE env var; 0 disables)")
	rateLimitFlag := flag.Int("rate-limit", 30, "claim and payment requests per minute per IP (0 disables)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "maximum time to wait for in-flight requests during graceful shutdown")
	migrateFlag := flag.Bool("migrate", false, "apply PostgreSQL store migrations and exit")

	flag.Parse()

	log := logger.NewWithFormat(os.Stdout, *logFormatFlag, *verboseFlag)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *scheduleFlag > 0 {
		cfg.Distribution.Schedule = *scheduleFlag
	}

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Sentry.DSN,
			Environment:      cfg.Sentry.Environment,
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: cfg.Sentry.TracesSampleRate,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry enabled", "environment", cfg.Sentry.Environment)
	}

	if *migrateFlag {
		if cfg.Store.Backend != config.StorePostgres {
			return fmt.Errorf("--migrate requires STORE_BACKEND=%s", config.StorePostgres)
		}
		if err := config.RunMigrations(cfg.Store.Postgres.ConnString()); err != nil {
			return err
		}
		log.Info("migrations applied")
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := openStore(ctx, log, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	commitment, err := apisolana.ParseCommitment(cfg.Ledger.Commitment)
	if err != nil {
		return err
	}
	ledgerClient, err := ledger.New(ledger.Config{
		Logger:         log,
		RPC:            apisolana.NewRPCClient(cfg.Ledger.RPCURL, cfg.Ledger.RequestTimeout),
		Commitment:     commitment,
		RequestTimeout: cfg.Ledger.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger client: %w", err)
	}

	authority, err := signer.Load(cfg.Signer.KeypairPath)
	if err != nil {
		return err
	}
	if !authority.PublicKey().Equals(cfg.Signer.ExpectedAuthority) {
		log.Error("authority keypair does not match EXPECTED_AUTHORITY; distribution will halt",
			"publicKey", authority.PublicKey(), "expected", cfg.Signer.ExpectedAuthority)
	} else {
		log.Info("authority loaded", "publicKey", authority.PublicKey())
	}

	claims, err := claim.NewManager(claim.Config{
		Logger:               log,
		Store:                store,
		Snapshots:            ledger.NewSnapshotReader(ledgerClient, cfg.Ledger.ProgramID, cfg.Ledger.PoolAccount),
		Ledger:               ledgerClient,
		Signer:               authority,
		RewardMint:           cfg.Ledger.RewardMint,
		TreasuryTokenAccount: cfg.Ledger.TreasuryTokenAccount,
		Decimals:             cfg.Ledger.RewardDecimals,
		Cooldown:             cfg.Claims.Cooldown,
		LockDuration:         cfg.Claims.LockDuration,
		FailPolicy:           claim.FailPolicy(cfg.Claims.FailPolicy),
		Exclude:              cfg.Claims.ExcludedSet(),
	})
	if err != nil {
		return fmt.Errorf("failed to create claim manager: %w", err)
	}

	issuer, err := accesstoken.New(accesstoken.Config{Secret: cfg.Tokens.Secret, TTL: cfg.Tokens.TTL})
	if err != nil {
		return fmt.Errorf("failed to create token issuer: %w", err)
	}
	verifier, err := payment.NewVerifier(ledgerClient, cfg.Payments.Tolerance)
	if err != nil {
		return fmt.Errorf("failed to create payment verifier: %w", err)
	}
	payments, err := payment.NewService(payment.Config{
		Logger:      log,
		Store:       store,
		Verifier:    verifier,
		Issuer:      issuer,
		Destination: cfg.Payments.Destination,
		Mint:        cfg.Payments.Mint,
		Prices:      cfg.Payments.Prices,
		QuoteTTL:    cfg.Payments.QuoteTTL,

		QuoteRetention: cfg.Payments.QuoteRetention,
	})
	if err != nil {
		return fmt.Errorf("failed to create payment service: %w", err)
	}

	dist, err := distributor.New(distributor.Config{
		Logger:              log,
		Ledger:              ledgerClient,
		Signer:              authority,
		Store:               store,
		ProgramID:           cfg.Ledger.ProgramID,
		PoolAccount:         cfg.Ledger.PoolAccount,
		CollectionWallet:    cfg.Ledger.CollectionWallet,
		ExpectedAuthority:   cfg.Signer.ExpectedAuthority,
		ReserveSOL:          cfg.Distribution.ReserveSOL,
		ThresholdSOL:        cfg.Distribution.ThresholdSOL,
		ConfirmationTimeout: cfg.Distribution.ConfirmationTimeout,
		PollInterval:        cfg.Distribution.PollInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create distributor: %w", err)
	}

	var limiter *handlers.RateLimiter
	if *rateLimitFlag > 0 {
		limiter = handlers.NewRateLimiter(rate.Every(time.Minute/time.Duration(*rateLimitFlag)), max(*rateLimitFlag/6, 1), cfg.TrustedProxies...)
		defer limiter.Close()
	}

	api, err := handlers.New(handlers.Config{
		Logger:      log,
		Claims:      claims,
		Payments:    payments,
		Distributor: dist,
		Ready: func(ctx context.Context) error {
			_, err := store.Get(ctx, readyProbeKey)
			if errors.Is(err, kvstore.ErrNotFound) {
				return nil
			}
			return err
		},
		RateLimiter: limiter,
		CORSOrigins: cfg.CORSOrigins,
		Version:     handlers.VersionInfo{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		return fmt.Errorf("failed to create api: %w", err)
	}

	server := &http.Server{
		Addr:              *listenAddrFlag,
		Handler:           middleware.Logger(api),
		ReadHeaderTimeout: 10 * time.Second,
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("api server listening", "address", server.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down api server", "timeout", *shutdownTimeoutFlag)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeoutFlag)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if *metricsAddrFlag != "" {
		g.Go(func() error {
			return serveMetrics(gctx, log, *metricsAddrFlag)
		})
	}

	if cfg.Payments.SweepInterval > 0 {
		g.Go(func() error {
			return payments.RunSweeper(gctx, cfg.Payments.SweepInterval)
		})
	}

	if cfg.Distribution.Schedule > 0 {
		g.Go(func() error {
			err := dist.Run(gctx, cfg.Distribution.Schedule)
			switch {
			case errors.Is(err, context.Canceled):
				return nil
			case errors.Is(err, rejection.ErrAuthorityMismatch):
				// The API keeps serving claims and payments; /readyz reports the halt.
				log.Error("scheduled distribution stopped", "error", err)
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("api server stopped")
	return nil
}

// openStore opens the configured claim and quote store.
func openStore(ctx context.Context, log *slog.Logger, cfg config.StoreConfig) (kvstore.Store, func(), error) {
	switch cfg.Backend {
	case config.StorePostgres:
		pool, err := config.OpenPostgres(ctx, log, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using postgres store", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		return kvstore.NewPostgres(pool), pool.Close, nil
	case config.StorePebble:
		store, err := kvstore.NewPebble(cfg.PebblePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using pebble store", "path", cfg.PebblePath)
		return store, func() {
			if err := store.Close(); err != nil {
				log.Error("failed to close pebble store", "error", err)
			}
		}, nil
	default:
		log.Warn("using in-memory store; claim state is not shared between instances and is lost on restart")
		store := kvstore.NewMemory()
		return store, func() { _ = store.Close() }, nil
	}
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
