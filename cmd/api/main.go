package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/pos-billing/internal/auth"
	"github.com/noah-isme/pos-billing/internal/billing"
	"github.com/noah-isme/pos-billing/internal/catalog"
	"github.com/noah-isme/pos-billing/internal/common"
	"github.com/noah-isme/pos-billing/internal/config"
	"github.com/noah-isme/pos-billing/internal/customer"
	"github.com/noah-isme/pos-billing/internal/db"
	"github.com/noah-isme/pos-billing/internal/events"
	"github.com/noah-isme/pos-billing/internal/health"
	"github.com/noah-isme/pos-billing/internal/invoice"
	"github.com/noah-isme/pos-billing/internal/lock"
	"github.com/noah-isme/pos-billing/internal/notify"
	"github.com/noah-isme/pos-billing/internal/obs"
	"github.com/noah-isme/pos-billing/internal/queue"
	"github.com/noah-isme/pos-billing/internal/ratelimit"
	"github.com/noah-isme/pos-billing/internal/scan"
	"github.com/noah-isme/pos-billing/internal/security"
	"github.com/noah-isme/pos-billing/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().
		Str("service", cfg.Obs.ServiceName).
		Str("env", cfg.AppEnv).
		Logger()

	obs.MustRegisterDomainMetrics("billing", nil)

	shutdownTracer, err := obs.InitTracer(context.Background(), obs.TracingConfig{
		Enabled:       cfg.Obs.TracingEnabled,
		ServiceName:   cfg.Obs.ServiceName,
		Endpoint:      cfg.Obs.OTLPEndpoint,
		SamplingRatio: cfg.Obs.SampleRatio,
		Environment:   cfg.AppEnv,
		Attributes: []attribute.KeyValue{
			attribute.String("billing.gst_rate", cfg.Billing.GSTRate.String()),
			attribute.String("billing.default_price_book", cfg.Billing.DefaultPriceBook),
		},
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		shutdownTracer = func(context.Context) error { return nil }
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	if cfg.MigrateOnStart {
		if err := db.Up(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
		logger.Info().Msg("migrations applied")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = cfg.Obs.ServiceName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	redisClient := newRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	calc := billing.NewCalculator(cfg.Billing.GSTRate)
	defaultBook := billing.PriceBook(cfg.Billing.DefaultPriceBook)
	prefix := cfg.Queue.RedisPrefix

	catalogService, err := catalog.NewService(catalog.ServiceConfig{
		Repository: catalog.PGRepository{DB: pool},
		Cache:      catalog.NewCache(redisClient, cfg.Search.CatalogCacheTTL, prefix+":catalog"),
		Limit:      cfg.Search.CatalogLimit,
		Logger:     &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise catalog service")
	}
	catalogHandler := catalog.NewHandler(catalog.HandlerConfig{Service: catalogService, DefaultPriceBook: defaultBook})

	customerService, err := customer.NewService(customer.ServiceConfig{
		Repository: customer.PGRepository{DB: pool},
		MinChars:   cfg.Search.CustomerMinChars,
		Limit:      cfg.Search.CustomerLimit,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise customer service")
	}
	customerHandler := customer.NewHandler(customerService)

	bus := &events.Bus{
		Store: events.PGStore{DB: pool},
		Notifiers: []events.Notifier{notify.EmailNotifier{
			Queue: queue.Enqueuer{
				R:           redisClient,
				Prefix:      prefix,
				DedupTTL:    cfg.IdemTTL,
				MaxAttempts: cfg.Queue.MaxAttempts,
			},
			Enabled:     cfg.Notify.EmailEnabled,
			MaxAttempts: cfg.Queue.MaxAttempts,
		}},
	}

	invoiceService, err := invoice.NewService(invoice.ServiceConfig{
		Store:      invoice.PGStore{Pool: pool},
		Calculator: &calc,
		Products:   catalogService,
		Events:     bus,
		Logger:     &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise invoice service")
	}
	invoiceHandler := invoice.NewHandler(invoiceService)

	sessionService, err := session.NewService(session.ServiceConfig{
		Store: &session.Store{
			R:      redisClient,
			Prefix: prefix + ":",
			TTL:    cfg.Session.TTL,
			Locker: lock.Locker{
				R:            redisClient,
				Prefix:       prefix + ":",
				RetryBackoff: cfg.Session.RetryBackoff,
				MaxWait:      cfg.Session.LockTTL,
			},
			LockTTL:    cfg.Session.LockTTL,
			Calculator: calc,
		},
		Products:         catalogService,
		Scanner:          scan.Resolver{Catalog: catalogService, Logger: &logger},
		Accounts:         customerService,
		Invoices:         invoiceService,
		DefaultPriceBook: defaultBook,
		SubmitTimeout:    cfg.Session.SubmitTimeout,
		Logger:           &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise session service")
	}
	sessionHandler := session.NewHandler(sessionService)

	var tokens *auth.Tokens
	if cfg.Auth.Enabled() {
		tokens = &auth.Tokens{
			Secret:    []byte(cfg.Auth.JWTSecret),
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			TTL:       cfg.Auth.TokenTTL,
			ClockSkew: cfg.Auth.ClockSkew,
		}
	} else {
		logger.Warn().Msg("AUTH_JWT_SECRET not set; cashier authentication disabled")
	}
	authMiddleware := auth.Middleware{Tokens: tokens}

	idem := common.Idem{R: redisClient, TTL: cfg.IdemTTL, Prefix: prefix + ":idem"}

	searchLimit := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: redisClient, Prefix: prefix + ":ratelimit:"},
		Config: ratelimit.Config{
			Key:    ratelimit.KeyByClientIP("search"),
			Window: time.Minute,
			Max:    cfg.Search.RateLimitPerMinute,
		},
		OnError: func(err error) { logger.Warn().Err(err).Msg("search rate limiter failed") },
	}
	limiterStore, err := ratelimit.RedisStore(redisClient, prefix+":limiter")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise invoice rate limiter store")
	}
	invoiceLimit, err := ratelimit.FixedWindow(limiterStore, cfg.Search.InvoiceRate, ratelimit.KeyByCashierOrIP("invoice"),
		func(err error) { logger.Warn().Err(err).Msg("invoice rate limiter failed") })
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise invoice rate limiter")
	}

	var httpMetrics *obs.HTTPMetrics
	if cfg.Obs.MetricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics("billing", buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)
	r.Use(security.Headers{Enable: cfg.SecurityHeaders, EnableHSTS: cfg.HSTS, HSTSMaxAge: cfg.HSTSMaxAge}.Middleware)
	r.Use(obs.RoutePatternMiddleware)
	if cfg.Obs.TracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Idempotent-Replayed", "Retry-After", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.Obs.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", ""), envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")))
	}

	healthHandler := health.Handler{
		Probes: map[string]health.Probe{
			"postgres": health.PostgresProbe(pool),
			"redis":    health.RedisProbe(redisClient),
		},
		Timeout: 500 * time.Millisecond,
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(authMiddleware.RequireCashier)

		v.With(searchLimit.Middleware).Get("/products/search", catalogHandler.Search)
		v.Get("/products/{id}", catalogHandler.Get)

		v.Get("/customers/search", customerHandler.Search)
		v.Get("/customers/lookup", customerHandler.Lookup)

		v.Route("/invoices", func(inv chi.Router) {
			inv.With(invoiceLimit, idem.Middleware).Post("/", invoiceHandler.Create)
			inv.Get("/{id}", invoiceHandler.Get)
		})

		v.Route("/sessions", func(s chi.Router) {
			s.Post("/", sessionHandler.Create)
			s.Route("/{id}", func(one chi.Router) {
				one.Get("/", sessionHandler.Get)
				one.Delete("/", sessionHandler.Cancel)
				one.Post("/close", sessionHandler.Close)
				one.Put("/customer", sessionHandler.SetCustomer)
				one.Put("/price-book", sessionHandler.SetPriceBook)
				one.Put("/mode", sessionHandler.SetMode)
				one.Post("/items", sessionHandler.AddProduct)
				one.Patch("/items", sessionHandler.EditQuantities)
				one.With(searchLimit.Middleware).Post("/scan", sessionHandler.Scan)
				one.With(invoiceLimit, idem.Middleware).Post("/submit", sessionHandler.Submit)
			})
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop, stopCancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopCancel()

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	<-stop.Done()
	health.SetReady(false)
	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
}

func newRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(redisOpts)
	if cfg.Obs.TracingEnabled {
		if err := redisotel.InstrumentTracing(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis tracing")
		}
	}
	if cfg.Obs.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return client
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
