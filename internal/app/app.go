// Package app wires the kart API server from configuration.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-sync/internal/commerce"
	"github.com/xenking/kart-sync/internal/domain/checkout"
	"github.com/xenking/kart-sync/internal/domain/pricing"
	"github.com/xenking/kart-sync/internal/domain/shipping"
	"github.com/xenking/kart-sync/internal/handler"
	"github.com/xenking/kart-sync/pkg/health"
	"github.com/xenking/kart-sync/pkg/httpmiddleware"
)

// NewPricing builds the shared pricing calculator from configuration.
func NewPricing(cfg PricingConfig) (*pricing.Calculator, error) {
	p, err := cfg.parse()
	if err != nil {
		return nil, err
	}
	table := shipping.DefaultTable()
	table.Default = p.defaultRate
	if len(cfg.CountryRates) > 0 {
		if table, err = table.WithCountryRates(cfg.CountryRates); err != nil {
			return nil, errors.Wrap(err, "shipping rates")
		}
	}
	return pricing.NewCalculator(shipping.NewCalculator(table, p.freeThreshold), p.earnDivisor), nil
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("commerce", cfg.Commerce.BaseURL),
	)

	store, err := openStorage(ctx, lg, cfg.Storage)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	defer store.close()

	backend, err := commerce.NewClient(cfg.Commerce.BaseURL,
		commerce.WithTimeout(cfg.Commerce.Timeout),
		commerce.WithTracerProvider(m.TracerProvider()),
		commerce.WithMeterProvider(m.MeterProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create commerce client")
	}

	calc, err := NewPricing(cfg.Pricing)
	if err != nil {
		return errors.Wrap(err, "pricing")
	}

	attachments := checkout.NewAttachments(cfg.Checkout.MaxAttachmentSize, cfg.Checkout.AttachmentTTL)
	registry := handler.NewRegistry(handler.RegistryConfig{
		Backend:     backend,
		Slots:       store.slots,
		Pricing:     calc,
		Attachments: attachments,
		Journal:     store.journal,
		Relay:       store.relay,
		IdleTimeout: cfg.Sessions.IdleTimeout,
		EngineOptions: []pricing.EngineOption{
			pricing.WithDiscountTimeout(cfg.Commerce.DiscountTimeout),
		},
		Logger:         lg.Named("sessions"),
		MeterProvider:  m.MeterProvider(),
		TracerProvider: m.TracerProvider(),
	})
	defer registry.Close()

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go func() {
		if err := registry.Run(bgCtx, cfg.Sessions.SweepInterval); err != nil {
			lg.Error("Session sweeper stopped", zap.Error(err))
		}
	}()
	if store.run != nil {
		go store.run(bgCtx)
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.Add(health.Readiness, "storage", health.PingCheck(cfg.Storage.Backend, store.ping),
		health.WithTimeout(5*time.Second),
	)
	healthSvc.Add(health.Liveness, "goroutines", health.GoroutineCountCheck(50000))
	healthSvc.Add(health.Liveness, "gc", health.GCMaxPauseCheck(time.Second))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	h := handler.NewHandler(handler.Config{WaitTimeout: cfg.Sessions.WaitTimeout}, registry, attachments, lg)

	mux := http.NewServeMux()
	healthSvc.Register(mux)
	h.Register(mux)
	routeFinder := httpmiddleware.MakeRouteFinder(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       10 * time.Second,
		// Long-polling holds responses for up to the wait timeout.
		WriteTimeout:   cfg.Sessions.WaitTimeout + 10*time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", handler.SessionHeader},
				ExposeHeaders:    []string{handler.SessionHeader, httpmiddleware.RequestIDHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:     cfg.RateLimit.Max,
				Window:  cfg.RateLimit.Window,
				KeyFunc: httpmiddleware.HeaderKey(handler.SessionHeader),
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("kart-api", routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
