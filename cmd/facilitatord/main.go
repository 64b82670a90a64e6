// Command facilitatord runs the payment facilitator: verification pipeline,
// settlement engine, FCR monitor, and deferred voucher store behind an HTTP
// API.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"facilitatord/internal/bondledger"
	"facilitatord/internal/chainrpc"
	"facilitatord/internal/config"
	"facilitatord/internal/eip712"
	"facilitatord/internal/fcr"
	"facilitatord/internal/feeschedule"
	"facilitatord/internal/httpapi"
	"facilitatord/internal/httpapi/middleware"
	"facilitatord/internal/kvstore"
	"facilitatord/internal/observability"
	"facilitatord/internal/observability/metrics"
	"facilitatord/internal/riskstate"
	"facilitatord/internal/settlement"
	"facilitatord/internal/types"
	"facilitatord/internal/verification"
	"facilitatord/internal/voucherstore"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("facilitatord: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("FACILITATOR_ENV"))
	logger := observability.SetupLogging("facilitatord", env, os.Getenv("FACILITATOR_LOG_FILE"))

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	insecure := true
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); v != "" {
		if parsed, perr := strconv.ParseBool(v); perr == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := observability.Init(context.Background(), observability.Config{
		ServiceName: "facilitatord",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     observability.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     otlpEndpoint != "",
		Traces:      otlpEndpoint != "",
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	signingKey, err := parseSigningKey(cfg.SigningKeyHex)
	if err != nil {
		return fmt.Errorf("parse signing key: %w", err)
	}

	rootCtx, rootCancel := context.WithTimeout(context.Background(), 15*time.Second)
	signer := chainrpc.SignerFromKey(signingKey, cfg.TokenAddress, cfg.ChainID).WithEndpoint(cfg.ChainEndpoint)
	chainClient, err := chainrpc.NewAdapter(rootCtx, cfg.ChainEndpoint, signer, cfg.SettlementTimeout)
	rootCancel()
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}
	defer chainClient.Close()

	logger.Info("facilitatord starting",
		slog.String("chainEndpoint", cfg.ChainEndpoint),
		slog.Int64("chainId", cfg.ChainID),
		slog.String("signingAddress", signer.Address().Hex()),
	)

	riskLedger := riskstate.New(riskstate.Limits{
		MaxPerTransaction:   cfg.RiskMaxPerTransaction,
		MaxPendingPerWallet: cfg.RiskMaxPendingPerWallet,
		DailyLimitPerWallet: cfg.RiskDailyLimitPerWallet,
		TierCapsUSD: map[types.Tier]int64{
			types.TierUnknown:    500,
			types.TierHistory7D:  2000,
			types.TierHistory30D: 10000,
			types.TierVerified:   50000,
		},
		TokenDecimals: cfg.TokenDecimals,
	})

	domain := eip712.Domain{
		Name:              cfg.TokenName,
		Version:           cfg.TokenVersion,
		ChainID:           cfg.ChainID,
		VerifyingContract: cfg.TokenAddress,
	}
	verifyPipeline := verification.New(domain, chainClient, riskLedger)

	var kv *kvstore.Store
	if cfg.PersistenceEnabled {
		kv, err = kvstore.Open(cfg.PersistencePath, cfg.PersistencePrefix)
		if err != nil {
			return fmt.Errorf("open kvstore: %w", err)
		}
		defer kv.Close()
	}

	var bondLedger *bondledger.Ledger
	settlementOpts := []settlement.Option{
		settlement.WithMaxAttempts(cfg.SettlementMaxAttempts),
		settlement.WithRetryDelay(cfg.SettlementRetryDelay),
		settlement.WithMetrics(metrics.Settlement()),
	}
	if cfg.BondEnabled {
		bondLedger = bondledger.New(chainrpc.NewBondChainAdapter(chainClient, cfg.BondContractAddress))
		settlementOpts = append(settlementOpts, settlement.WithBond(bondLedger))
	}

	var fcrMonitor *fcr.Monitor
	if cfg.FCREnabled {
		fcrMonitor = fcr.New(chainrpc.NewFCRSource(chainClient), cfg.FCRPollInterval, logger)
		fcrMonitor.Start(context.Background())
		settlementOpts = append(settlementOpts, settlement.WithFCR(fcrMonitor))
	}

	settlementEngine := settlement.New(riskLedger, verifyPipeline, chainClient, domain, settlementOpts...)

	var voucherStore *voucherstore.Store
	if cfg.EscrowEnabled {
		voucherStore = voucherstore.New(chainrpc.NewEscrowAdapter(chainClient, cfg.EscrowContractAddress))
	}

	handlers := &httpapi.Handlers{
		Verify:      verifyPipeline,
		Settle:      settlementEngine,
		Risk:        riskLedger,
		Bond:        bondLedger,
		FCR:         fcrMonitor,
		Vouchers:    voucherStore,
		ChainID:     cfg.ChainID,
		ChainName:   cfg.TokenName,
		Idempotency: httpapi.NewIdempotencyStore(),
		Audit:       httpapi.NewAuditLog(1000),
		Logger:      logger,
		Fees:        feeschedule.DefaultSchedule(),
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   "facilitatord",
		MetricsPrefix: "facilitator_http",
		LogRequests:   false,
		Enabled:       true,
	}, nil)

	var authenticator *middleware.Authenticator
	if hmacSecret := os.Getenv("FACILITATOR_AUTH_HMAC_SECRET"); hmacSecret != "" {
		authenticator = middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    true,
			HMACSecret: hmacSecret,
		}, nil)
	}

	rateLimiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"verify_settle":  {RequestsPerMinute: 600, Burst: 60},
		"deferred_write": {RequestsPerMinute: 120, Burst: 20},
	}, nil)

	router := httpapi.New(httpapi.Config{
		Handlers:      handlers,
		Observability: obs,
		Authenticator: authenticator,
		RateLimiter:   rateLimiter,
	})

	handler := otelhttp.NewHandler(router, "facilitatord")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	settlementCtx, settlementCancel := context.WithCancel(context.Background())
	go settlementEngine.RunWorker(settlementCtx)

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("facilitatord listening", slog.String("addr", server.Addr))
		errs <- server.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
		}
		settlementCancel()
		if fcrMonitor != nil {
			fcrMonitor.Stop()
		}
		return nil
	case err := <-errs:
		settlementCancel()
		if fcrMonitor != nil {
			fcrMonitor.Stop()
		}
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func parseSigningKey(hexKey string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if len(trimmed) != 64 {
		return "", fmt.Errorf("signing key must be 32 bytes hex-encoded")
	}
	return trimmed, nil
}
