package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/skinalyze/consult/libs/auth"
	"github.com/skinalyze/consult/libs/config"
	"github.com/skinalyze/consult/libs/db"
	"github.com/skinalyze/consult/libs/httpx"
	"github.com/skinalyze/consult/libs/kafkax"
	otelx "github.com/skinalyze/consult/libs/otel"
	"github.com/skinalyze/consult/libs/runtime"
	"github.com/skinalyze/consult/services/appointment-service/internal/booking"
	"github.com/skinalyze/consult/services/appointment-service/internal/handlers"
	"github.com/skinalyze/consult/services/appointment-service/internal/lifecycle"
	"github.com/skinalyze/consult/services/appointment-service/internal/meetlink"
	"github.com/skinalyze/consult/services/appointment-service/internal/outbox"
	"github.com/skinalyze/consult/services/appointment-service/internal/payments"
	"github.com/skinalyze/consult/services/appointment-service/internal/reconcile"
	"github.com/skinalyze/consult/services/appointment-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "appointment-service")
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
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	jwtSecret, err := config.RequiredString("JWT_SECRET")
	if err != nil {
		panic(err)
	}
	var jwksClient *auth.JWKSClient
	if jwksURL := config.String("JWKS_URL", ""); jwksURL != "" {
		jwksClient = auth.NewJWKSClient(jwksURL, config.Duration("JWKS_TTL", 10*time.Minute))
	}

	appointmentRepo := storage.NewAppointmentRepository(pool)
	slotRepo := storage.NewSlotRepository(pool)
	walletRepo := storage.NewWalletRepository(pool)
	subscriptionRepo := storage.NewSubscriptionRepository(pool)
	paymentRepo := storage.NewPaymentRepository(pool)
	directory := storage.NewDirectory(pool)
	outboxRepo := outbox.NewRepository(pool)

	gateway := payments.NewStripeGateway(payments.StripeConfig{
		SecretKey: config.String("STRIPE_SECRET_KEY", ""),
		Currency:  config.String("PAYMENT_CURRENCY", "vnd"),
	}, logger)

	meetingProvider, err := meetlink.NewProvider(config.String("MEETING_GRPC_ADDR", ""))
	if err != nil {
		logger.Error("meeting provider init failed; links will not be provisioned", "err", err)
		meetingProvider = nil
	}

	orchestrator := booking.NewOrchestrator(
		appointmentRepo, slotRepo, walletRepo, subscriptionRepo, paymentRepo, directory, outboxRepo, gateway,
		booking.Config{
			Banking: booking.BankingDetails{
				BankCode:      config.String("BANK_CODE", ""),
				AccountNumber: config.String("BANK_ACCOUNT_NUMBER", ""),
				AccountName:   config.String("BANK_ACCOUNT_NAME", ""),
				QRBaseURL:     config.String("BANK_QR_BASE_URL", "https://img.vietqr.io"),
			},
			PendingTTL: config.Duration("PENDING_PAYMENT_TTL", 5*time.Minute),
		}, logger)

	engine := lifecycle.NewEngine(appointmentRepo, slotRepo, walletRepo, subscriptionRepo, paymentRepo, outboxRepo, logger)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	runner := reconcile.NewRunner(pool, engine, appointmentRepo, paymentRepo, gateway, meetingProvider, outboxRepo, logger, reconcile.Config{
		CleanupEvery:    config.Duration("CLEANUP_SWEEP_INTERVAL", 30*time.Minute),
		SettlementEvery: config.Duration("SETTLEMENT_SWEEP_INTERVAL", time.Hour),
		ExpiryEvery:     config.Duration("PAYMENT_EXPIRY_SWEEP_INTERVAL", time.Minute),
		MeetLinkEvery:   config.Duration("MEETLINK_SWEEP_INTERVAL", time.Minute),
		AdvisoryLockKey: int64(config.Int("RECONCILE_LOCK_KEY", 0)),
	})
	go runner.Run(ctx)

	handler := handlers.NewAppointmentHandler(orchestrator, engine, appointmentRepo, directory, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	api := http.NewServeMux()
	api.HandleFunc("/api/v1/appointments/reserve", handler.Reserve)
	api.HandleFunc("/api/v1/appointments/wallet", handler.BookWithWallet)
	api.HandleFunc("/api/v1/appointments/subscription", handler.BookWithSubscription)
	api.HandleFunc("/api/v1/appointments/check-in", handler.CheckIn)
	api.HandleFunc("/api/v1/appointments/complete", handler.Complete)
	api.HandleFunc("/api/v1/appointments/note", handler.UpdateNote)
	api.HandleFunc("/api/v1/appointments/cancel", handler.Cancel)
	api.HandleFunc("/api/v1/appointments/withdraw", handler.Withdraw)
	api.HandleFunc("/api/v1/appointments/no-show", handler.ReportNoShow)
	api.HandleFunc("/api/v1/appointments/report", handler.ReportIssue)
	api.HandleFunc("/api/v1/appointments/detail", handler.Detail)
	api.HandleFunc("/api/v1/appointments", handler.List)
	mux.Handle("/api/v1/", handlers.RequireAuth(api, jwtSecret, jwksClient))

	middlewares := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1 << 20),
	}
	if origins := config.String("CORS_ALLOWED_ORIGINS", ""); origins != "" {
		middlewares = append(middlewares, httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: strings.Split(origins, ","),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", httpx.RequestIDHeader},
			MaxAge:         10 * time.Minute,
		}))
	}
	if redisAddr := config.String("REDIS_ADDR", ""); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr, Password: config.String("REDIS_PASSWORD", "")})
		limiter := httpx.NewRedisRateLimiter(rdb,
			config.Int("RATE_LIMIT", 60),
			config.Duration("RATE_LIMIT_WINDOW", time.Minute),
			service)
		middlewares = append(middlewares, limiter.Middleware(logger, true))
	} else {
		limiter := httpx.NewRateLimiter(config.Int("RATE_LIMIT", 60), config.Duration("RATE_LIMIT_WINDOW", time.Minute))
		middlewares = append(middlewares, limiter.Middleware())
	}

	httpHandler := httpx.Chain(mux, middlewares...)
	httpHandler = otelhttp.NewHandler(httpHandler, "appointment")
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
}
