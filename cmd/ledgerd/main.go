package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"fides/pkg/anchor"
	"fides/pkg/attest"
	"fides/pkg/auth"
	"fides/pkg/hardening"
	"fides/pkg/httpx"
	"fides/pkg/ledger"
	"fides/pkg/metrics"
	"fides/pkg/payment"
	"fides/pkg/ratelimit"
	"fides/pkg/revoke"
	"fides/pkg/sigver"
	"fides/pkg/store"
	"fides/pkg/stream"
	"fides/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Server wires the chain core to its HTTP boundary. Handlers own no protocol
// logic; every rule lives in pkg/ledger, pkg/payment, pkg/revoke and
// pkg/anchor.
type Server struct {
	mu       sync.RWMutex
	chain    *ledger.Ledger
	payments *payment.Authorizer

	Anchors *anchor.Publisher
	Events  *stream.Hub
	Metrics *metrics.Registry
	Cache   store.Cache

	RateLimiter ratelimit.Limiter
	ReadLimit   int
	WriteLimit  int

	AuthMode            string
	AuthSecret          string
	SignerRegistry      auth.KeyStore
	MaxRequestBodyBytes int64
	DecisionCacheTTL    time.Duration
	TestEndpoints       bool

	// ResetChain rebuilds an empty chain for the conformance harness. Nil
	// outside test deployments.
	ResetChain func(ctx context.Context) (*ledger.Ledger, *payment.Authorizer, error)
}

func (s *Server) ledger() *ledger.Ledger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chain
}

func (s *Server) authorizer() *payment.Authorizer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.payments
}

type ledgerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (ledgerDB, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(server *http.Server) error
type startLoopsFunc func(ctx context.Context, s *Server)

// Testable variables for main()
var (
	logFatalf     = log.Fatalf
	initTelemetry = telemetry.Init
	openDBFn      = func(ctx context.Context) (ledgerDB, error) { return store.NewPostgresPool(ctx) }
	openRedisFn   = store.NewRedis
	listenFn      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFn  = func(ctx context.Context, s *Server) {
		if s.Anchors != nil {
			go s.Anchors.Run(ctx)
		}
		go s.metricsLoop(ctx)
	}
)

func main() {
	if err := runLedgerd(initTelemetry, openDBFn, openRedisFn, listenFn, startLoopsFn); err != nil {
		logFatalf("ledgerd: %v", err)
	}
}

func runLedgerd(
	initTel initTelemetryFunc,
	openDB openDBFunc,
	openRedis openRedisFunc,
	listen listenFunc,
	startLoops startLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTel(ctx, "ledgerd")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	var db ledgerDB
	if env("DATABASE_URL", "") != "" || env("DB_HOST", "") != "" {
		db, err = openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer db.Close()
	} else {
		log.Printf("no database configured, chain is in-memory only")
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	testEndpoints := env("FIDES_TEST_ENDPOINTS", "false") == "true"
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	authMode := env("AUTH_MODE", "oidc_hs256")
	authSecret := env("OIDC_HS256_SECRET", "")
	if strings.EqualFold(authMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "ledgerd",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		TestEndpoints:         env("FIDES_TEST_ENDPOINTS", ""),
	}); err != nil {
		return err
	}

	s, err := buildServer(ctx, db, redisClient)
	if err != nil {
		return err
	}
	s.AuthMode = authMode
	s.AuthSecret = authSecret
	s.TestEndpoints = testEndpoints

	r := newRouter(s)

	if startLoops != nil {
		startLoops(ctx, s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("ledgerd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// buildServer assembles the ledger, its validation gates, the payment
// authorizer and the anchor publisher from the environment.
func buildServer(ctx context.Context, db ledgerDB, redisClient *redis.Client) (*Server, error) {
	httpClient := telemetry.InstrumentClient(&http.Client{
		Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 3000)),
	})

	sigVerifier := &sigver.Verifier{}
	attVerifier := &attest.Verifier{
		DomesticTSASuffixes: splitList(env("ATTEST_DOMESTIC_TSA_SUFFIXES", "")),
		CheckerRetries:      envInt("ATTEST_CHECKER_RETRIES", 2),
		CheckerRetryDelay:   time.Millisecond * time.Duration(envInt("ATTEST_CHECKER_RETRY_DELAY_MS", 200)),
	}
	if explorer := env("ATTEST_EXPLORER_URL", ""); explorer != "" {
		attVerifier.Checker = &explorerChecker{Client: httpClient, BaseURL: explorer}
	}

	var directory revoke.HierarchyDirectory
	if base := env("HIERARCHY_DIRECTORY_URL", ""); base != "" {
		directory = revoke.NewHTTPDirectory(base, httpClient)
	}
	revChecker := revoke.NewChecker(directory)

	var chainStore ledger.Store = ledger.NullStore{}
	var sink payment.OutcomeSink
	var anchorStore anchor.Store = &anchor.MemoryStore{}
	if db != nil {
		chainStore = &store.ChainStore{DB: db}
		sink = &store.OutcomeStore{DB: db}
		anchorStore = &store.AnchorStore{DB: db}
	}

	newChain := func(ctx context.Context) (*ledger.Ledger, error) {
		return ledger.New(ctx, chainStore,
			ledger.WithSignatureVerifier(sigVerifier),
			ledger.WithAttestationVerifier(attVerifier),
			ledger.WithRevocationChecker(revChecker),
		)
	}
	led, err := newChain(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain replay: %w", err)
	}

	s := &Server{
		chain:               led,
		payments:            payment.New(led, sink),
		Events:              stream.NewHub(),
		Metrics:             metrics.NewRegistry(),
		Cache:               store.NewCache(ctx, redisClient),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		DecisionCacheTTL:    time.Second * time.Duration(envInt("DECISION_CACHE_TTL_SEC", 5)),
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}
	s.wireNotify(led)
	s.ResetChain = func(ctx context.Context) (*ledger.Ledger, *payment.Authorizer, error) {
		if db != nil {
			for _, table := range []string{"chain_records", "payment_outcomes", "anchors"} {
				if _, err := db.Exec(ctx, "TRUNCATE "+table); err != nil {
					return nil, nil, err
				}
			}
		}
		fresh, err := newChain(ctx)
		if err != nil {
			return nil, nil, err
		}
		return fresh, payment.New(fresh, sink), nil
	}

	signerRegistry, err := buildSignerRegistry(httpClient)
	if err != nil {
		return nil, err
	}
	s.SignerRegistry = signerRegistry

	media, err := buildAnchorMedia(httpClient)
	if err != nil {
		return nil, err
	}
	if len(media) > 0 {
		pub, err := anchor.NewPublisher(led, anchorStore, media,
			anchor.WithInterval(time.Second*time.Duration(envInt("ANCHOR_INTERVAL_SEC", 3600))),
			anchor.WithRecordTrigger(envInt("ANCHOR_RECORD_TRIGGER", 100)),
		)
		if err != nil {
			return nil, fmt.Errorf("anchor: %w", err)
		}
		s.Anchors = pub
	} else {
		log.Printf("no anchor media configured, anchoring disabled")
	}

	if env("RATE_LIMIT_ENABLED", "true") == "true" {
		window := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
		if window <= 0 {
			window = time.Minute
		}
		var limiter ratelimit.Limiter
		if redisClient != nil {
			limiter = ratelimit.NewRedis(redisClient, window)
		} else {
			limiter = ratelimit.NewInMemory(window)
		}
		s.RateLimiter = limiter
		s.ReadLimit = envInt("RATE_LIMIT_READS_PER_WINDOW", 600)
		s.WriteLimit = envInt("RATE_LIMIT_WRITES_PER_WINDOW", 120)
	}
	return s, nil
}

// wireNotify feeds accepted records to metrics, the event stream and the
// decision cache invalidator. Called once per chain instance.
func (s *Server) wireNotify(led *ledger.Ledger) {
	led.Notify = func(rec ledger.Record) {
		s.Metrics.IncRecord(rec.Type)
		s.Metrics.SetGauge("chain_height", float64(led.Height()))
		if rec.DecisionID != "" {
			_ = s.Cache.Del(context.Background(), decisionCacheKey(rec.DecisionID))
		}
		s.Events.Publish(stream.NewEvent(stream.EventRecordAccepted, map[string]interface{}{
			"seq":         rec.Seq,
			"type":        rec.Type,
			"id":          rec.ID,
			"decision_id": rec.DecisionID,
			"hash":        rec.Hash,
		}))
	}
}

func buildSignerRegistry(client *http.Client) (auth.KeyStore, error) {
	switch provider := strings.ToLower(env("SIGNER_REGISTRY_PROVIDER", "none")); provider {
	case "none", "":
		return nil, nil
	case "vault":
		addr := env("VAULT_ADDR", "")
		token := env("VAULT_TOKEN", "")
		if addr == "" || token == "" {
			return nil, errors.New("SIGNER_REGISTRY_PROVIDER=vault requires VAULT_ADDR and VAULT_TOKEN")
		}
		return auth.VaultTransitKeyStore{
			Client:     client,
			Addr:       addr,
			Token:      token,
			Namespace:  env("VAULT_NAMESPACE", ""),
			Transit:    env("VAULT_TRANSIT_MOUNT", "transit"),
			KeyPrefix:  env("VAULT_KEY_PREFIX", ""),
			Timeout:    time.Millisecond * time.Duration(envInt("VAULT_KEY_LOOKUP_TIMEOUT_MS", 1500)),
			MaxRetries: envInt("VAULT_KEY_LOOKUP_RETRIES", 1),
			RetryDelay: time.Millisecond * time.Duration(envInt("VAULT_KEY_LOOKUP_RETRY_DELAY_MS", 100)),
		}, nil
	default:
		return nil, fmt.Errorf("unknown SIGNER_REGISTRY_PROVIDER %q", provider)
	}
}

// buildAnchorMedia assembles the configured external anchor targets. The
// publisher itself enforces the two-category floor.
func buildAnchorMedia(client *http.Client) ([]anchor.Medium, error) {
	var media []anchor.Medium
	if brokers := splitList(env("ANCHOR_KAFKA_BROKERS", "")); len(brokers) > 0 {
		m, err := anchor.NewKafkaMedium(anchor.KafkaConfig{
			Brokers: brokers,
			Topic:   env("ANCHOR_KAFKA_TOPIC", "fides.anchors"),
			Name:    env("ANCHOR_KAFKA_NAME", ""),
		})
		if err != nil {
			return nil, err
		}
		media = append(media, m)
	}
	for i, raw := range splitList(env("ANCHOR_WEBHOOKS", "")) {
		// category=name=url, e.g. official_gazette=dou=https://...
		parts := strings.SplitN(raw, "=", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("ANCHOR_WEBHOOKS entry %d: want category=name=url", i)
		}
		media = append(media, anchor.NewWebhookMedium(parts[0], parts[1], parts[2], client))
	}
	return media, nil
}

func (s *Server) metricsLoop(ctx context.Context) {
	interval := time.Second * time.Duration(envInt("METRICS_REFRESH_SEC", 15))
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			led := s.ledger()
			s.Metrics.SetGauge("chain_height", float64(led.Height()))
			s.Metrics.SetGauge("records_since_anchor", float64(led.SinceLastAnchor()))
			if s.Anchors != nil {
				st := s.Anchors.Status()
				if st.Healthy {
					s.Metrics.SetGauge("anchor_healthy", 1)
				} else {
					s.Metrics.SetGauge("anchor_healthy", 0)
				}
			}
		}
	}
}

func newRouter(s *Server) chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.ImmutableMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("ledgerd"))
	r.Use(s.limitRequestBodyMiddleware)
	if s.RateLimiter != nil {
		r.Use(ratelimit.Middleware(s.RateLimiter, s.ReadLimit, s.WriteLimit))
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "ledgerd"})
	})

	authRouter := chi.NewRouter()
	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	authRouter.Post("/dr", s.withRoles(s.handleAppendDecision, "operator", "registrar"))
	authRouter.Get("/dr", s.withRoles(s.handleListRecords, "operator", "registrar", "auditor", "complianceofficer"))
	authRouter.Get("/dr/{decision_id}", s.withRoles(s.handleGetDecision, "operator", "registrar", "auditor", "complianceofficer"))
	authRouter.Post("/rr", s.withRoles(s.handleAppendRevocation, "operator", "registrar", "complianceofficer"))
	authRouter.Post("/payment/authorize", s.withRoles(s.handlePaymentAuthorize, "operator", "financeoperator", "auditor"))
	authRouter.Post("/payment", s.withRoles(s.handlePaymentExecute, "operator", "financeoperator"))
	authRouter.Get("/payment", s.withRoles(s.handleListPayments, "operator", "financeoperator", "auditor", "complianceofficer"))
	authRouter.Get("/chain/height", s.withRoles(s.handleChainHeight, "operator", "registrar", "auditor", "complianceofficer"))
	authRouter.Get("/chain/state", s.withRoles(s.handleChainState, "operator", "registrar", "auditor", "complianceofficer"))
	authRouter.Get("/chain/verify", s.withRoles(s.handleChainVerify, "operator", "registrar", "auditor", "complianceofficer"))
	authRouter.Get("/chain/hash", s.withRoles(s.handleChainHash, "operator", "registrar", "auditor", "complianceofficer"))
	authRouter.Get("/anchor", s.withRoles(s.handleListAnchors, "operator", "registrar", "auditor", "complianceofficer"))
	authRouter.Get("/anchor/status", s.withRoles(s.handleAnchorStatus, "operator", "registrar", "auditor", "complianceofficer"))
	authRouter.Post("/anchor", s.withRoles(s.handleForceAnchor, "operator"))
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, "operator", "registrar", "auditor", "complianceofficer"))
	if s.TestEndpoints {
		authRouter.Post("/_test/reset", s.withRoles(s.handleTestReset, "operator"))
	}
	r.Mount("/", authRouter)
	return r
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// explorerChecker resolves blockchain confirmation counts from a block
// explorer API shaped like GET {base}/{chain}/{network}/tx/{id}.
type explorerChecker struct {
	Client  *http.Client
	BaseURL string
}

func (c *explorerChecker) Confirmations(ctx context.Context, chain, network, transactionID string) (int, error) {
	var out struct {
		Confirmations int `json:"confirmations"`
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/" + chain + "/" + network + "/tx/" + transactionID
	status, body, err := httpx.RequestJSON(ctx, c.Client, http.MethodGet, endpoint, nil, nil, 1, 100*time.Millisecond)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("explorer status %d", status)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, err
	}
	return out.Confirmations, nil
}

func decisionCacheKey(decisionID string) string {
	return "fides:dr:" + decisionID
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
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
