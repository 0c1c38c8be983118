package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/apptnegotiation/libs/amqpx"
	"github.com/md-rashed-zaman/apptnegotiation/libs/auth"
	"github.com/md-rashed-zaman/apptnegotiation/libs/config"
	"github.com/md-rashed-zaman/apptnegotiation/libs/db"
	"github.com/md-rashed-zaman/apptnegotiation/libs/httpx"
	"github.com/md-rashed-zaman/apptnegotiation/libs/kafkax"
	otelx "github.com/md-rashed-zaman/apptnegotiation/libs/otel"
	"github.com/md-rashed-zaman/apptnegotiation/libs/runtime"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/consumer"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/handlers"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/inbox"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/negotiation"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/outbox"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/storage"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/migrations"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	config.LoadDotEnv()

	service := config.String("SERVICE_NAME", "negotiation-service")
	port, err := config.Port("PORT", "8086")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	maxConns, err := config.Int("DB_MAX_CONNS", 10)
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL, db.Options{MaxConns: int32(maxConns)})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if config.Bool("MIGRATE_ON_START", false) {
		applied, err := db.NewMigrator(pool, migrations.Files).Up(ctx)
		if err != nil {
			logger.Error("migrations failed", "err", err)
			panic(err)
		}
		logger.Info("migrations applied", "count", applied)
	}

	outboxRepo := outbox.NewRepository(pool)
	requests := storage.NewRequestRepository(pool, outbox.NewEventWriter(outboxRepo))
	registry := storage.NewRegistryRepository(pool)
	directory := storage.NewDirectoryRepository(pool)

	engine := negotiation.NewEngine(requests, registry, directory, logger)

	brokers := config.String("KAFKA_BROKERS", "")
	checks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}

	sink, sinkCheck, err := newSink(config.String("NOTIFY_TRANSPORT", "kafka"), brokers)
	if err != nil {
		logger.Error("event sink init failed", "err", err)
		panic(err)
	}
	checks = append(checks, sinkCheck)

	pollEvery, err := config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		panic(err)
	}
	batchSize, err := config.Int("OUTBOX_BATCH_SIZE", 50)
	if err != nil {
		panic(err)
	}
	publisher := outbox.NewPublisher(pool, outboxRepo, sink, logger, outbox.PublisherConfig{
		PollEvery: pollEvery,
		BatchSize: batchSize,
	})
	published := make(chan struct{})
	go func() {
		defer close(published)
		publisher.Run(ctx)
	}()

	if config.Bool("REPLICATION_ENABLED", true) && strings.TrimSpace(brokers) != "" {
		inboxRepo := inbox.NewRepository(pool)
		replicator := consumer.NewReplicator(directory, registry, logger)
		groupID := config.String("KAFKA_GROUP_ID", service)
		for topic, handle := range replicator.Handlers() {
			c := consumer.New(logger, pool, inboxRepo, consumer.Config{Brokers: brokers, GroupID: groupID, Topic: topic}, handle)
			go c.Run(ctx)
		}
	}

	rateLimit, rateCheck, closeLimiter := newRateLimit(logger)
	defer closeLimiter()
	if rateCheck != nil {
		checks = append(checks, *rateCheck)
	}

	mux := runtime.NewBaseMuxWithReady(checks...)
	api := http.NewServeMux()
	handlers.NewRequestHandler(engine, logger).Register(api)
	if verifier := newVerifier(logger); verifier != nil {
		mux.Handle("/api/", verifier.Middleware()(api))
	} else {
		mux.Handle("/api/", api)
	}

	bodyLimit, err := config.Int("HTTP_BODY_LIMIT_BYTES", 64<<10)
	if err != nil {
		panic(err)
	}
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithRecover(logger),
		httpx.WithAccessLog(logger),
		httpx.OnlyMethods(rateLimit, http.MethodPost),
		httpx.WithBodyLimit(int64(bodyLimit)),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "negotiation")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
	<-published
}

// newSink picks the broker the outbox relays to.
func newSink(transport, brokers string) (outbox.Sink, runtime.ReadyCheck, error) {
	switch strings.ToLower(strings.TrimSpace(transport)) {
	case "amqp", "rabbitmq":
		url, err := config.RequiredString("AMQP_URL")
		if err != nil {
			return nil, runtime.ReadyCheck{}, err
		}
		pub, err := amqpx.Dial(url, config.String("AMQP_EXCHANGE", "negotiation.events"))
		if err != nil {
			return nil, runtime.ReadyCheck{}, err
		}
		return outbox.NewAMQPSink(pub), runtime.ReadyCheck{Name: "amqp", Check: amqpx.ReadyCheck(pub)}, nil
	default:
		return outbox.NewKafkaSink(kafkax.SplitBrokers(brokers)), runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)}, nil
	}
}

// newVerifier enables bearer token auth when a secret or JWKS url is set.
// Without either, the service trusts identity headers from the gateway.
func newVerifier(logger *slog.Logger) *auth.Verifier {
	secret := config.String("AUTH_JWT_SECRET", "")
	jwksURL := config.String("AUTH_JWKS_URL", "")
	if secret == "" && jwksURL == "" {
		logger.Info("bearer auth disabled; trusting gateway identity headers")
		return nil
	}
	var jwks *auth.JWKSClient
	if jwksURL != "" {
		ttl, err := config.Duration("AUTH_JWKS_TTL", 5*time.Minute)
		if err != nil {
			panic(err)
		}
		jwks = auth.NewJWKSClient(jwksURL, ttl)
	}
	logger.Info("bearer auth enabled", "jwks", jwksURL != "")
	return auth.NewVerifier(secret, jwks)
}

// newRateLimit shares the limit through Redis when REDIS_ADDR is set and
// falls back to a per-process limiter otherwise.
func newRateLimit(logger *slog.Logger) (httpx.Middleware, *runtime.ReadyCheck, func()) {
	perMinute, err := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	if err != nil || perMinute <= 0 {
		perMinute = 120
	}

	addr := strings.TrimSpace(config.String("REDIS_ADDR", ""))
	if addr == "" {
		logger.Info("rate limiting enabled (in-memory)", "per_minute", perMinute)
		return httpx.NewRateLimiter(perMinute, perMinute/4+1).Middleware(), nil, func() {}
	}

	redisDB, err := config.Int("REDIS_DB", 0)
	if err != nil || redisDB < 0 {
		redisDB = 0
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.String("REDIS_PASSWORD", ""),
		DB:       redisDB,
	})
	rl := httpx.NewRedisRateLimiter(rdb, perMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl:negotiation"))
	logger.Info("rate limiting enabled (redis)", "per_minute", perMinute, "redis_addr", addr)
	check := &runtime.ReadyCheck{Name: "redis", Check: rl.ReadyCheck(), Optional: true}
	return rl.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true)), check, func() { _ = rdb.Close() }
}
