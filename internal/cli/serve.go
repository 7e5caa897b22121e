package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"stackline/internal/blob"
	"stackline/internal/config"
	"stackline/internal/enhance"
	"stackline/internal/events"
	"stackline/internal/grpcserver"
	"stackline/internal/hdr"
	"stackline/internal/logging"
	"stackline/internal/metrics"
	"stackline/internal/pipeline"
	"stackline/internal/server"
	"stackline/internal/storage"
)

const (
	eventBuffer = 256
	imageURLTTL = 24 * time.Hour
)

// defaultServe wires storage, the pipeline and every listener, and runs them
// until ctx ends or one of them fails.
func defaultServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if err := cfg.Validate(true); err != nil {
		return err
	}
	metrics.MustRegister()

	history, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer history.Close()

	blobs, err := blob.NewStore(cfg.Paths.BlobRoot)
	if err != nil {
		return err
	}
	signer := blob.NewSigner(cfg.Auth.Secret, cfg.Server.PublicURL, cfg.Transfer.PresignTTL())

	bus := events.NewBroadcaster(eventBuffer, log)
	defer bus.Close()

	machine := pipeline.NewMachine(pipeline.Options{
		Publisher:  bus,
		Store:      history,
		Reserver:   pipeline.NewCreditLedger(cfg.Processing.CreditsPerOwner),
		RetryLimit: cfg.Processing.RetryLimit,
		ToolFolder: cfg.Grouping.ToolFolder,
		ImageURL: func(key string) string {
			u, _, err := signer.GetURL(key, imageURLTTL)
			if err != nil {
				return ""
			}
			return u
		},
		Logger: log,
	})
	restored, err := machine.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}
	if restored > 0 {
		log.Info("restored in-flight jobs", "count", restored)
	}

	tools := hdr.NewToolManager(cfg.HDR)
	for _, st := range tools.Status() {
		logging.LogToolStatus(log, st.Name, st.Available, st.Version, st.Path, st.Error)
	}
	if missing := tools.Missing(hdr.ToolAlign, hdr.ToolEnfuse); len(missing) > 0 {
		log.Warn("fusion tools missing, bracketed groups will fail", "missing", missing)
	}
	compositor := hdr.NewCompositor(blobs, hdr.NewExecToolchain(cfg.HDR, log), hdr.Options{
		TempDir:          cfg.Paths.TempDir,
		FetchConcurrency: cfg.HDR.FetchConcurrency,
		JPEGQuality:      cfg.HDR.JPEGQuality,
	}, log)
	defer hdr.Shutdown()

	catalog, err := enhance.LoadCatalog(cfg.Enhance.WorkflowsFile, cfg.Enhance.DefaultWorkflow)
	if err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}
	callbacks := enhance.NewCallbacks(cfg.Auth.Secret, cfg.Server.PublicURL, time.Duration(cfg.Enhance.CallbackTTLMinutes)*time.Minute)
	enhancer := enhance.NewDispatcher(catalog, blobs, signer, callbacks, enhance.OptionsFromConfig(cfg.Enhance), log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := pipeline.New(ctx, machine,
		pipeline.NewProcessor(machine, compositor, enhancer, log),
		pipeline.NewPackager(machine, blobs, cfg.Paths.TempDir, log),
		pipeline.PoolOptions{
			Workers:       cfg.Processing.Workers,
			QueueSize:     cfg.Processing.QueueSize,
			SweepInterval: time.Duration(cfg.Processing.SweepSeconds) * time.Second,
		}, log)
	defer pool.Stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		relay := events.NewRelay(events.NewRedisPubSub(rdb), cfg.Redis.Channel, bus, log)
		g.Go(func() error { return relay.Run(gctx) })
		log.Info("event relay enabled", "redis", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	}

	health := grpcserver.New(log)
	if cfg.Server.GRPCAddr != "" {
		g.Go(func() error { return health.ListenAndServe(gctx, cfg.Server.GRPCAddr) })
	}

	api := server.New(server.Options{
		Addr:      cfg.Server.Addr,
		Machine:   machine,
		Events:    bus,
		Blobs:     blobs,
		Signer:    signer,
		Callbacks: callbacks,
		History:   history,
		Auth:      server.NewAuthenticator(cfg.Auth.Secret, time.Duration(cfg.Auth.TokenTTLHours)*time.Hour),
		Transfer:  cfg.Transfer,
		Shutdown:  time.Duration(cfg.Server.ShutdownSeconds) * time.Second,
		Logger:    log,
	})
	g.Go(func() error { return api.Start(gctx) })
	health.SetServing(true)

	err = g.Wait()
	health.SetServing(false)
	log.Info("server stopped", "error", err)
	return err
}
