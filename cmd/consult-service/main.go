package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/harshu-panchal/healiinn-sub004/internal/bus"
	"github.com/harshu-panchal/healiinn-sub004/internal/config"
	"github.com/harshu-panchal/healiinn-sub004/internal/httpapi"
	"github.com/harshu-panchal/healiinn-sub004/internal/media"
	"github.com/harshu-panchal/healiinn-sub004/internal/notify"
	"github.com/harshu-panchal/healiinn-sub004/internal/payment"
	"github.com/harshu-panchal/healiinn-sub004/internal/realtime"
	"github.com/harshu-panchal/healiinn-sub004/internal/schedule"
	"github.com/harshu-panchal/healiinn-sub004/internal/signaling"
	"github.com/harshu-panchal/healiinn-sub004/internal/store/postgres"
	"github.com/harshu-panchal/healiinn-sub004/internal/telemetry"
)

func main() {
	cfg := config.Load()

	shutdownTracing := telemetry.Setup("consult-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Printf("tracing shutdown error: %v", err)
		}
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	st := postgres.NewStore(pool)
	fanout := bus.New()

	manager := schedule.NewManager(st, fanout, schedule.Config{
		AverageConsultMinutes: cfg.AverageConsultMinutes,
		DayStartHour:          cfg.DayStartHour,
		DayEndHour:            cfg.DayEndHour,
		RecallLimit:           cfg.RecallLimit,
		TokenRetryLimit:       cfg.TokenRetryLimit,
	})

	var mediaMgr *media.Manager
	if cfg.SFUBaseURL != "" {
		mediaMgr = media.NewManager(media.NewHTTPSFU(cfg.SFUBaseURL), fanout)
	}

	var cleaner signaling.MediaCleaner
	if mediaMgr != nil {
		cleaner = mediaMgr
	}
	coord := signaling.NewCoordinator(st, fanout, cleaner)

	var payments payment.Gateway
	if cfg.PaymentBaseURL != "" {
		payments = payment.NewHTTPGateway(cfg.PaymentBaseURL, cfg.PaymentKeyID, cfg.PaymentKeySecret)
	}

	handler := httpapi.NewHandler(manager, coord, httpapi.Options{Payments: payments})
	limitCfg := httpapi.DefaultRateLimitConfig()
	limitCfg.PerIPPerMinute = cfg.RateLimitPerMinute
	limitCfg.PerUserPerMinute = cfg.UserRateLimitPerMinute
	limitCfg.Burst = cfg.RateLimitBurst
	limiter := httpapi.NewRateLimiter(limitCfg)
	gateway := realtime.NewGateway(fanout, coord, mediaMgr, nil)

	mux := http.NewServeMux()
	mux.Handle("/ws/", gateway.Handler("/ws"))
	mux.Handle("/debug/vars", expvar.Handler())
	mux.Handle("/", limiter.Middleware(httpapi.LoggingMiddleware(handler.Routes())))

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     otelhttp.NewHandler(mux, "consult-service"),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("consult-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// Session sweep: auto-complete live sessions whose window has passed.
	go func() {
		if cfg.SweepInterval <= 0 {
			return
		}
		var running int32
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
			}
			if !atomic.CompareAndSwapInt32(&running, 0, 1) {
				continue
			}
			ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
			count, err := manager.AutoCompleteExpired(ctx)
			cancel()
			atomic.StoreInt32(&running, 0)
			if err != nil {
				log.Printf("session sweep error: %v", err)
				continue
			}
			if count > 0 {
				log.Printf("session sweep completed %d sessions", count)
			}
		}
	}()

	// Outbox-driven notifications.
	go func() {
		if cfg.NotifyPollInterval <= 0 {
			return
		}
		worker := notify.NewWorker(st, notify.NoopDirectory{}, notify.Config{
			BatchSize:     cfg.NotifyBatchSize,
			SMSProvider:   notify.NewProvider(cfg.SMSProvider, "sms", cfg.NotifyWebhookURL, cfg.NotifyWebhookToken),
			EmailProvider: notify.NewProvider(cfg.EmailProvider, "email", cfg.NotifyWebhookURL, cfg.NotifyWebhookToken),
		})
		notify.Start(rootCtx, cfg.NotifyPollInterval, worker)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancelRoot()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
