package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ticketarc/ticketarc/internal/config"
	"github.com/ticketarc/ticketarc/internal/dispatcher"
	"github.com/ticketarc/ticketarc/internal/idempotency"
	"github.com/ticketarc/ticketarc/internal/ingress"
	"github.com/ticketarc/ticketarc/internal/orchestrator"
	"github.com/ticketarc/ticketarc/internal/pathpolicy"
	"github.com/ticketarc/ticketarc/internal/renderer"
	"github.com/ticketarc/ticketarc/internal/signer"
	"github.com/ticketarc/ticketarc/internal/snapshot"
	"github.com/ticketarc/ticketarc/internal/storage"
	"github.com/ticketarc/ticketarc/internal/tagstate"
	"github.com/ticketarc/ticketarc/internal/tms"
	"github.com/ticketarc/ticketarc/internal/tsa"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook listener and archive pipeline",
	Long:  `Loads configuration, wires the TMS client, optional signer and TSA client, idempotency store, processing dispatcher, and HTTP ingress router, then serves until interrupted.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	getenv := os.Getenv
	if configFlag, _ := cmd.Root().PersistentFlags().GetString("config"); configFlag != "" {
		getenv = func(key string) string {
			if key == "CONFIG_PATH" {
				return configFlag
			}
			return os.Getenv(key)
		}
	}

	cfg, err := config.LoadWithEnv(getenv)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	tmsClient, err := tms.NewClient(tms.Options{
		BaseURL:              cfg.TMS.BaseURL,
		Token:                cfg.TMS.Token,
		Timeout:              cfg.TMS.Timeout,
		AllowPlaintext:       cfg.Hardening.AllowPlaintextTMS,
		AllowInsecureTLS:     cfg.Hardening.AllowInsecureTLS,
		AllowLoopbackOrLocal: cfg.Hardening.AllowLoopback,
	})
	if err != nil {
		return fmt.Errorf("failed to build TMS client: %w", err)
	}

	var sgnr orchestrator.Signer
	if cfg.Signing.Enabled {
		sgnr, err = buildSigner(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialise signer: %w", err)
		}
	}

	idem, idemCloser, err := buildIdempotencyStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialise idempotency store: %w", err)
	}
	if idemCloser != nil {
		defer idemCloser()
	}
	inflight := idempotency.NewInFlight()

	orch := orchestrator.New(orchestrator.Config{
		ServiceName:          cfg.Server.ServiceName,
		ServiceVersion:       cfg.Server.ServiceVersion,
		RuntimeVersion:       runtime.Version(),
		TagNames:             tagstate.Names{Trigger: cfg.Tags.Trigger, Processing: cfg.Tags.Processing, Done: cfg.Tags.Done, Error: cfg.Tags.Error},
		RequireTriggerTag:    cfg.Tags.RequireTriggerTag,
		DeliveryTTL:          cfg.Server.DeliveryTTL,
		ArchivePathField:     cfg.Archive.PathField,
		ArchiveUserModeField: cfg.Archive.UserModeField,
		ArchiveUserField:     cfg.Archive.UserField,
		TemplateVariant:      cfg.Archive.TemplateVariant,
		SigningEnabled:       cfg.Signing.Enabled,
		PathPolicy: pathpolicy.Policy{
			Root:            cfg.Archive.Root,
			AllowedPrefixes: cfg.Archive.AllowedPrefixes,
			FilenamePattern: cfg.Archive.FilenamePattern,
		},
		StorageRoot:    cfg.Archive.Root,
		StorageOptions: storage.DefaultOptions(),
		SnapshotPolicy: snapshot.Policy{
			ArticleLimit: cfg.Archive.ArticleLimit,
			LimitMode:    snapshot.ArticleLimitMode(cfg.Archive.ArticleLimitMode),
		},
	}, tmsClient, renderer.NewReference(), sgnr, idem, inflight)

	disp, stopDispatcher, err := buildDispatcher(cfg, orch)
	if err != nil {
		return fmt.Errorf("failed to initialise dispatcher: %w", err)
	}

	var shuttingDown = func() bool { return false }
	if sd, ok := disp.(interface{ ShuttingDown() bool }); ok {
		shuttingDown = sd.ShuttingDown
	}

	router := ingress.NewRouter(ingress.Config{
		Scheduler:            disp,
		InFlight:             inflight,
		HMAC:                 ingress.HMACConfig{Secret: cfg.Webhook.Secret, AllowUnsigned: cfg.Webhook.AllowUnsigned},
		BodyMaxBytes:         cfg.Hardening.BodyMaxBytes,
		RateLimitRPS:         cfg.Hardening.RateLimitRPS,
		RateLimitBurst:       cfg.Hardening.RateLimitBurst,
		RateLimitKey:         rateLimitKeyFunc(cfg),
		RequireDeliveryID:    cfg.Hardening.RequireDeliveryID,
		ServiceName:          cfg.Server.ServiceName,
		ServiceVersion:       cfg.Server.ServiceVersion,
		OmitVersionInHealthz: cfg.Server.OmitVersionInHealthz,
		ShuttingDown:         shuttingDown,
		MetricsBearerToken:   cfg.Server.MetricsBearerToken,
	})

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("[ticketarc] listening addr=%s dispatcher=%s", cfg.Server.Addr, cfg.Server.DispatcherBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-sigCh:
		log.Printf("[ticketarc] shutdown_signal_received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ticketarc] http_shutdown_error err=%v", err)
	}

	stopDispatcher()
	return nil
}

func rateLimitKeyFunc(cfg *config.Config) ingress.KeyFunc {
	if cfg.Hardening.TrustedForwardedHeader != "" {
		return ingress.TrustedHeaderKey(cfg.Hardening.TrustedForwardedHeader)
	}
	return ingress.RemoteAddrKey
}

func buildSigner(cfg *config.Config) (orchestrator.Signer, error) {
	material, err := signer.LoadMaterial(cfg.Signing.PFXPath, cfg.Signing.PFXPassword)
	if err != nil {
		return nil, err
	}
	if err := material.CheckValidity(time.Now()); err != nil {
		return nil, err
	}

	var tsaClient *tsa.Client
	if cfg.Signing.TSAURL != "" {
		tsaClient, err = tsa.NewClient(tsa.Options{
			URL:      cfg.Signing.TSAURL,
			Username: cfg.Signing.TSAUsername,
			Password: cfg.Signing.TSAPassword,
			Timeout:  cfg.Signing.TSATimeout,
		})
		if err != nil {
			return nil, err
		}
	}

	return signer.NewSigner(signer.Config{
		Material: material,
		TSA:      tsaClient,
	}), nil
}

// idemCloser is returned alongside the store so callers can release durable
// backends (SQLite handles, sweep goroutines) on shutdown.
type idemCloser func()

func buildIdempotencyStore(cfg *config.Config) (idempotency.Store, idemCloser, error) {
	switch cfg.Server.IdempotencyBackend {
	case "sqlite":
		durable, err := idempotency.OpenDurable(cfg.Server.IdempotencyDBPath)
		if err != nil {
			return nil, nil, err
		}
		return durable, func() { durable.Close() }, nil
	case "memory", "":
		mem := idempotency.NewMemory(10_000, time.Minute)
		return mem, func() { mem.Stop() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown idempotency_backend %q", cfg.Server.IdempotencyBackend)
	}
}

// buildDispatcher wraps the two dispatcher backends' differing Stop
// signatures behind a single closure the caller can defer uniformly.
func buildDispatcher(cfg *config.Config, orch *orchestrator.Orchestrator) (ingress.Scheduler, func(), error) {
	switch cfg.Server.DispatcherBackend {
	case "queue":
		q, err := dispatcher.OpenQueue(dispatcher.QueueOptions{
			DBPath:         cfg.Server.QueueDBPath,
			MaxConcurrency: cfg.Server.MaxConcurrency,
		}, orch)
		if err != nil {
			return nil, nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		q.Start(ctx, cfg.Server.MaxConcurrency)
		return q, func() {
			q.Stop(context.Background(), cfg.Server.DrainTimeout)
			cancel()
			q.Close()
		}, nil
	case "inprocess", "":
		pool := dispatcher.NewPool(orch, cfg.Server.MaxConcurrency, cfg.Server.QueueSize)
		ctx, cancel := context.WithCancel(context.Background())
		pool.Start(ctx)
		return pool, func() {
			pool.Stop(cfg.Server.DrainTimeout)
			cancel()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown dispatcher_backend %q", cfg.Server.DispatcherBackend)
	}
}
