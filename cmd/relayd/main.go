package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tokligence/segment-relay/internal/adapter"
	adapteranthropic "github.com/tokligence/segment-relay/internal/adapter/anthropic"
	"github.com/tokligence/segment-relay/internal/adapter/breaker"
	"github.com/tokligence/segment-relay/internal/adapter/fallback"
	"github.com/tokligence/segment-relay/internal/adapter/loopback"
	adapteropenai "github.com/tokligence/segment-relay/internal/adapter/openai"
	adapterrouter "github.com/tokligence/segment-relay/internal/adapter/router"
	"github.com/tokligence/segment-relay/internal/auth"
	"github.com/tokligence/segment-relay/internal/bootstrap"
	"github.com/tokligence/segment-relay/internal/config"
	"github.com/tokligence/segment-relay/internal/health"
	"github.com/tokligence/segment-relay/internal/httpserver"
	"github.com/tokligence/segment-relay/internal/ledger"
	ledgerasync "github.com/tokligence/segment-relay/internal/ledger/async"
	ledgerpg "github.com/tokligence/segment-relay/internal/ledger/postgres"
	ledgersql "github.com/tokligence/segment-relay/internal/ledger/sqlite"
	"github.com/tokligence/segment-relay/internal/logging"
	"github.com/tokligence/segment-relay/internal/metrics"
	"github.com/tokligence/segment-relay/internal/ratelimit"
	"github.com/tokligence/segment-relay/internal/relay"
	"github.com/tokligence/segment-relay/internal/tracing"
	"github.com/tokligence/segment-relay/internal/version"
)

func main() {
	configRoot := flag.String("config", ".", "directory holding config/setting.ini")
	showVersion := flag.Bool("version", false, "print version and exit")
	initConfig := flag.Bool("init", false, "scaffold config files under -config and exit")
	initDomain := flag.String("domain", "", "allowed email domain written by -init")
	initEnv := flag.String("env", "dev", "environment written by -init")
	initForce := flag.Bool("force", false, "overwrite existing files with -init")
	flag.Parse()
	if *showVersion {
		fmt.Println(version.FullInfo())
		return
	}
	if *initConfig {
		err := bootstrap.Init(bootstrap.InitOptions{
			Root:          *configRoot,
			Environment:   *initEnv,
			AllowedDomain: *initDomain,
			Force:         *initForce,
		})
		if err != nil {
			log.Fatalf("init config failed: %v", err)
		}
		fmt.Printf("wrote config under %s/config\n", *configRoot)
		return
	}

	cfg, err := config.LoadRelayConfig(*configRoot)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	out, closer, err := logging.Output(strings.TrimSpace(cfg.LogFile), logging.Options{})
	if err != nil {
		log.Fatalf("init rotating log: %v", err)
	}
	defer closer.Close()
	log.SetOutput(out)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[relayd] ")
	log.Printf("relayd %s env=%s", version.FullInfo(), cfg.Environment)

	ctx := context.Background()
	shutdownTracing, err := tracing.Setup(ctx, cfg.TracingExporter, out)
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	store, ledgerPinger, err := openLedger(cfg)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer store.Close()

	models, err := buildRouter(cfg)
	if err != nil {
		log.Fatalf("configure adapters: %v", err)
	}
	log.Printf("adapters registered: %v", models.ListAdapters())
	log.Printf("routes configured: %v", models.ListRoutes())

	gate, err := auth.NewGate(cfg.AuthSecret, cfg.AllowedDomain)
	if err != nil {
		log.Fatalf("init gate: %v", err)
	}
	issuer, err := auth.NewIssuer(cfg.AuthSecret, cfg.TokenTTL)
	if err != nil {
		log.Fatalf("init issuer: %v", err)
	}
	var verifier auth.IdentityVerifier
	if cfg.IdentityAPIKey != "" {
		tv, err := auth.NewToolkitVerifier(auth.ToolkitConfig{APIKey: cfg.IdentityAPIKey, BaseURL: cfg.IdentityURL})
		if err != nil {
			log.Fatalf("init identity verifier: %v", err)
		}
		verifier = tv
	} else {
		log.Printf("identity_api_key not set; /api/login disabled")
	}

	probes := []health.Probe{{Name: "ledger", Pinger: ledgerPinger, Critical: true}}
	limiterCfg := ratelimit.Config{RequestsPerMinute: cfg.RateLimitPerMin, Burst: cfg.RateLimitBurst}
	if cfg.RateLimitPerMin > 0 && cfg.RedisAddr != "" {
		redisStore, err := ratelimit.NewRedisStore(ctx, cfg.RedisAddr)
		if err != nil {
			log.Fatalf("init redis rate limit store: %v", err)
		}
		limiterCfg.Store = redisStore
		probes = append(probes, health.Probe{Name: "redis", Type: "cache", Pinger: redisStore})
		log.Printf("rate limit store=redis addr=%s per_min=%d", cfg.RedisAddr, cfg.RateLimitPerMin)
	}
	limiter := ratelimit.NewLimiter(limiterCfg)
	defer limiter.Close()

	relayLogger := log.New(log.Writer(), "[relayd/relay] ", log.LstdFlags|log.Lmicroseconds)
	controller := relay.New(models, relay.Config{
		MaxSegments: cfg.MaxSegments,
		MaxTokens:   cfg.MaxTokens,
		Logger:      relayLogger,
	})

	httpSrv, err := httpserver.New(httpserver.Options{
		Relays:   controller,
		Gate:     gate,
		Issuer:   issuer,
		Verifier: verifier,
		Ledger:   store,
		Limiter:  limiter,
		Metrics:  metrics.NewCollector(),
		Health:   health.New(health.Config{Probes: probes}),
		Models:   models,
	})
	if err != nil {
		log.Fatalf("init http server: %v", err)
	}
	httpSrv.SetLogger(cfg.LogLevel, log.New(log.Writer(), "[relayd/http] ", log.LstdFlags|log.Lmicroseconds))

	srv := &http.Server{
		Addr:        cfg.HTTPAddress,
		Handler:     httpSrv.Router(),
		ReadTimeout: 15 * time.Second,
		// Relays stream for as long as the segments take.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("relay server listening on %s max_segments=%d max_tokens=%d", cfg.HTTPAddress, cfg.MaxSegments, cfg.MaxTokens)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// openLedger picks postgres for postgres:// DSNs and sqlite otherwise. The
// returned pinger is the underlying store even when writes go through the
// async batcher.
func openLedger(cfg config.RelayConfig) (ledger.Store, health.Pinger, error) {
	dsn := cfg.LedgerDSN
	var (
		store  ledger.Store
		pinger health.Pinger
	)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		pg, err := ledgerpg.New(dsn, ledgerpg.PoolConfig{})
		if err != nil {
			return nil, nil, err
		}
		store, pinger = pg, pg
		log.Printf("ledger backend=postgres")
	} else {
		lite, err := ledgersql.New(dsn)
		if err != nil {
			return nil, nil, err
		}
		store, pinger = lite, lite
		log.Printf("ledger backend=sqlite path=%s", dsn)
	}
	if cfg.LedgerAsync {
		store = ledgerasync.New(store, ledgerasync.Config{
			Logger: log.New(log.Writer(), "[relayd/ledger] ", log.LstdFlags|log.Lmicroseconds),
		})
		log.Printf("ledger async batching enabled")
	}
	return store, pinger, nil
}

// buildRouter registers every provider behind retry, fallback and a circuit
// breaker, then applies the routes file.
func buildRouter(cfg config.RelayConfig) (*adapterrouter.Router, error) {
	breakerLogger := log.New(log.Writer(), "[relayd/breaker] ", log.LstdFlags|log.Lmicroseconds)
	guard := func(name string, inner adapter.StreamingAdapter) (adapter.StreamingAdapter, error) {
		guarded := breaker.Wrap(name, inner, breaker.Config{
			MaxFailures: uint32(cfg.BreakerMaxFailures),
			Timeout:     cfg.BreakerTimeout,
			Logger:      breakerLogger,
		})
		return fallback.New(fallback.Config{
			Adapters:   []adapter.StreamingAdapter{guarded},
			RetryCount: cfg.UpstreamRetries,
		})
	}

	r := adapterrouter.New()
	providers := map[string]adapter.StreamingAdapter{
		"openai": adapteropenai.New(adapteropenai.Config{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			Organization:   cfg.OpenAIOrg,
			RequestTimeout: cfg.UpstreamTimeout,
		}),
		"anthropic": adapteranthropic.New(adapteranthropic.Config{
			APIKey:         cfg.AnthropicAPIKey,
			BaseURL:        cfg.AnthropicBaseURL,
			Version:        cfg.AnthropicVersion,
			RequestTimeout: cfg.UpstreamTimeout,
		}),
	}
	for name, inner := range providers {
		guarded, err := guard(name, inner)
		if err != nil {
			return nil, err
		}
		if err := r.RegisterAdapter(name, guarded); err != nil {
			return nil, err
		}
	}
	if err := r.RegisterAdapter("loopback", loopback.New(loopback.Config{ContinuePrompt: relay.ContinuePrompt})); err != nil {
		return nil, err
	}
	if err := r.LoadRoutes(cfg.RoutesFile); err != nil {
		return nil, err
	}
	// Echo unknown models only on a dev box without a routes file.
	if cfg.RoutesFile == "" && cfg.Environment == "dev" {
		if err := r.SetFallback("loopback"); err != nil {
			return nil, err
		}
		log.Printf("routes: unmatched models fall back to loopback (environment=dev)")
	}
	return r, nil
}
