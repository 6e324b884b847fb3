package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"warden/pkg/arbiter"
	"warden/pkg/audit"
	"warden/pkg/backend"
	"warden/pkg/gateway"
	"warden/pkg/healing"
	"warden/pkg/metrics"
	"warden/pkg/ontology"
	"warden/pkg/piimask"
	"warden/pkg/policy"
	"warden/pkg/ratelimit"
	"warden/pkg/router"
	"warden/pkg/store"
	"warden/pkg/stream"
	"warden/pkg/telemetry"
	"warden/pkg/tenant"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	if err := run(); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, env("OTEL_SERVICE_NAME", "warden-gateway"))
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	redisClient, err := store.NewRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, using in-process fallbacks: %v", err)
	}
	decisionCache := store.NewCache(ctx, redisClient)

	rateWindow := envDurationSec("RATE_WINDOW_SEC", 3600)
	var limiter ratelimit.Limiter = ratelimit.NewSlidingWindow(rateWindow)
	if redisClient != nil {
		limiter = ratelimit.NewRedisWindow(redisClient, rateWindow)
	}

	grants := policy.NewMemoryGrants()
	seedGrants(grants, os.Getenv("SEED_GRANTS"))

	engine := policy.NewEngine(policy.Config{
		RateLimitPerWindow: envInt("RATE_LIMIT_PER_WINDOW", 100),
		RateWindow:         rateWindow,
		MaxComplexity:      envInt("MAX_COMPLEXITY", 100),
		CacheTTL:           envDurationSec("DECISION_CACHE_TTL_SEC", 300),
	}, limiter, grants, decisionCache, parseToolSet(os.Getenv("PII_TOOLS")))

	concepts, err := ontology.LoadConcepts(env("CONCEPTS_PATH", "config/concepts.yaml"))
	if err != nil {
		return err
	}
	learned, err := ontology.NewLearnedStore(env("LEARNED_MAPPINGS_PATH", "data/learned_mappings.json"))
	if err != nil {
		return err
	}
	arb := arbiter.NewHTTPArbitrator(env("ARBITER_URL", "http://localhost:8091"), envDurationSec("ARBITER_TIMEOUT_SEC", 5))
	executor := healing.NewExecutor(ontology.NewMatcher(concepts, learned), learned, arb, envInt("HEALING_MAX_RETRIES", 2))

	var templates *tenant.Templates
	if path := os.Getenv("TENANTS_PATH"); path != "" {
		templates, err = tenant.LoadTemplates(path)
		if err != nil {
			return err
		}
	}
	var credSource tenant.CredentialSource = tenant.EnvSource{}
	if vaultAddr := os.Getenv("VAULT_ADDR"); vaultAddr != "" {
		credSource = tenant.VaultSource{
			Addr:       vaultAddr,
			Token:      os.Getenv("VAULT_TOKEN"),
			Mount:      env("VAULT_MOUNT", "secret"),
			SecretPath: env("VAULT_SECRET_PATH", "warden/tenants"),
		}
	}
	dialer := backend.NewHTTPDialer(env("BACKEND_URL", "http://localhost:8090"), envDurationSec("BACKEND_TIMEOUT_SEC", 10))
	manager := tenant.NewManager(dialer, templates, credSource, tenant.Config{
		MaxPerTenant: envInt("TENANT_POOL_MAX", 5),
		IdleTimeout:  envDurationSec("TENANT_POOL_IDLE_SEC", 600),
		CredTTL:      envDurationSec("TENANT_CRED_TTL_SEC", 300),
	})
	defer manager.Close()
	manager.StartSweeper(ctx, envDurationSec("TENANT_SWEEP_INTERVAL_SEC", 60))

	hashSalt := []byte(env("AUDIT_HASH_SALT", "warden-dev-salt"))
	var sinks []audit.Sink
	if dsn := os.Getenv("AUDIT_DATABASE_URL"); dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return err
		}
		defer pool.Close()
		sinks = append(sinks, &audit.Writer{DB: pool, HashSalt: hashSalt, Redact: true})
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		emitter, err := audit.NewKafkaEmitter(audit.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_AUDIT_TOPIC", "warden.audit"),
		})
		if err != nil {
			return err
		}
		defer emitter.Close()
		sinks = append(sinks, emitter)
	}
	var recorder *audit.Recorder
	if len(sinks) > 0 {
		recorder = audit.NewRecorder(audit.RecorderConfig{
			BufferSize:   envInt("AUDIT_BUFFER_SIZE", 1024),
			FlushTimeout: envDurationSec("AUDIT_FLUSH_TIMEOUT_SEC", 5),
		}, sinks...)
		defer recorder.Close()
	} else {
		log.Printf("audit sinks not configured, audit trail disabled")
	}

	sensitivity, err := piimask.ParseSensitivity(env("MASK_SENSITIVITY", "standard"))
	if err != nil {
		return err
	}

	srv := &gateway.Server{
		Policy:      engine,
		Tenants:     manager,
		Executor:    executor,
		Router:      router.New(concepts, parseList(env("FALLBACK_TOOLS", "describe_schema")), envFloat("CONFIDENCE_FLOOR", 0)),
		Sensitivity: sensitivity,
		Recorder:    recorder,
		HashSalt:    hashSalt,
		Hub:         stream.NewHub(),
		Metrics:     metrics.NewRegistry(),
	}

	handler := telemetry.HTTPMiddleware("warden-gateway")(srv.Routes(grants))
	addr := env("ADDR", ":8080")
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("gateway listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), envDurationSec("SHUTDOWN_TIMEOUT_SEC", 10))
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// seedGrants parses "user:tenant,user2:pii" pairs for local development.
func seedGrants(grants *policy.MemoryGrants, raw string) {
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		user, target, ok := strings.Cut(pair, ":")
		if !ok || user == "" || target == "" {
			log.Printf("skipping malformed grant seed %q", pair)
			continue
		}
		if target == "pii" {
			grants.GrantPIIRead(user)
			continue
		}
		grants.GrantTenant(user, target)
	}
}

func parseToolSet(raw string) map[string]bool {
	out := map[string]bool{}
	for _, tool := range parseList(raw) {
		out[tool] = true
	}
	return out
}

func parseList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
