package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/navcam/dashcam/config"
	"github.com/navcam/dashcam/internal/api"
	"github.com/navcam/dashcam/internal/auth"
	"github.com/navcam/dashcam/internal/backup"
	"github.com/navcam/dashcam/internal/capture"
	"github.com/navcam/dashcam/internal/clipstore"
	"github.com/navcam/dashcam/internal/events"
	"github.com/navcam/dashcam/internal/ledger"
	"github.com/navcam/dashcam/internal/models"
	"github.com/navcam/dashcam/internal/network"
	"github.com/navcam/dashcam/internal/realtime"
	"github.com/navcam/dashcam/internal/recorder"
	"github.com/navcam/dashcam/internal/settings"
	"github.com/navcam/dashcam/internal/upload"
	"github.com/navcam/dashcam/pkg/database"
	"github.com/navcam/dashcam/pkg/filelock"
	"github.com/navcam/dashcam/pkg/redis"
	"github.com/navcam/dashcam/pkg/storage"
)

const (
	shutdownTimeout = 15 * time.Second
	backendDrain    = 10 * time.Second
)

// waiter is implemented by backends whose clip writers outlive Stop.
type waiter interface {
	Wait(ctx context.Context) error
}

func newServeCmd() *cobra.Command {
	var record bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the recorder, the backup coordinator and the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg, logger, record)
		},
	}
	cmd.Flags().BoolVar(&record, "record", false, "Start recording as soon as the daemon is up")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger, record bool) error {
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		c, err := redis.NewClient(ctx, redis.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
		if err != nil {
			return err
		}
		defer c.Close()
		rdb = c
	}

	var settingsStore settings.Store = settings.NewMemoryStore()
	if cfg.Database.URL != "" {
		pool, err := database.NewPostgresPool(ctx, database.PoolConfig{DSN: cfg.Database.URL, MaxConns: int32(cfg.Database.MaxConns)}, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		settingsStore = settings.NewPostgresStore(pool, cfg.Database.DeviceID)
	}
	saved, err := settings.LoadOr(ctx, settingsStore, settings.Settings{
		Recording: cfg.Recording.Defaults(),
		Backup:    models.BackupSettings{AutoBackup: cfg.Backup.AutoBackup, WifiOnly: cfg.Backup.WifiOnly},
	})
	if err != nil {
		logger.Warn("load saved settings failed, using defaults", zap.Error(err))
	}

	led, err := openLedger(cfg, rdb, logger)
	if err != nil {
		return err
	}
	store, err := clipstore.New(cfg.Recording.Dir, cfg.Recording.Ext, logger)
	if err != nil {
		return err
	}
	dirLock, err := filelock.TryAcquire(store.LockPath())
	if errors.Is(err, filelock.ErrLocked) {
		return fmt.Errorf("clip directory %s is in use by another navcam process", store.Dir())
	}
	if err != nil {
		return err
	}
	defer dirLock.Release()
	backend := newBackend(cfg, logger)
	bus := events.NewBus()
	netMon := network.NewMonitor(logger)

	coord, err := backup.New(backup.Options{
		Gateway:        upload.NewGateway(logger),
		Ledger:         led,
		Settings:       saved.Backup,
		Network:        netMon.Current(),
		FolderName:     cfg.Backup.FolderName,
		MaxConcurrent:  cfg.Backup.MaxConcurrent,
		AttemptTimeout: cfg.Backup.AttemptTimeout(),
		Publisher:      bus,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	rec, err := recorder.New(recorder.Options{
		Store:          store,
		Backend:        backend,
		Config:         saved.Recording,
		Publisher:      bus,
		OnClipFinished: coord.ClipFinished,
		OnClipsEvicted: func(ids []string) { coord.Forget(ids...) },
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	jwtSvc, err := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	if err != nil {
		return err
	}
	var mirror realtime.EventPublisher
	if rdb != nil {
		mirror = realtime.NewRedisPubSub(rdb.Client, cfg.Redis.EventsChannel, logger)
	}
	hub := realtime.NewHub(logger, mirror)
	remoteCfg := storage.Config{
		Provider:     cfg.Remote.Provider,
		Region:       cfg.Remote.Region,
		Endpoint:     cfg.Remote.Endpoint,
		Bucket:       cfg.Remote.Bucket,
		UseSSL:       cfg.Remote.UseSSL,
		UsePathStyle: cfg.Remote.UsePathStyle,
	}
	handler := api.NewHandler(api.Deps{
		Recorder: rec,
		Store:    store,
		Backup:   coord,
		Network:  netMon,
		Settings: settingsStore,
		Connect: func(ctx context.Context, creds storage.Credentials) (upload.Remote, error) {
			return storage.Connect(ctx, remoteCfg, creds, logger)
		},
		Logger: logger,
	})
	router := api.NewRouter(api.RouterConfig{
		Handler:     handler,
		JWT:         jwtSvc,
		Hub:         hub,
		CORSOrigins: cfg.Server.CORSAllowedOrigins,
		Logger:      logger,
	})

	// The recorder stops before the coordinator so the last clip is still
	// handed over.
	recCtx, stopRec := context.WithCancel(context.Background())
	defer stopRec()
	bgCtx, stopBg := context.WithCancel(context.Background())
	defer stopBg()

	var recWG, bgWG sync.WaitGroup
	goRun(&recWG, func() { rec.Run(recCtx) })
	goRun(&bgWG, func() { coord.Run(bgCtx) })
	goRun(&bgWG, func() { hub.Run(bgCtx, bus) })
	goRun(&bgWG, func() { forwardNetwork(bgCtx, netMon, coord) })
	if cfg.Network.Source == "sysfs" {
		goRun(&bgWG, func() { netMon.Run(bgCtx, network.SysfsDetector(cfg.Network.SysfsRoot), cfg.Network.PollInterval()) })
	}

	if record {
		if err := rec.Start(ctx); err != nil {
			logger.Error("start recording failed", zap.Error(err))
		}
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-srvErr:
		logger.Error("server", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	stopRec()
	recWG.Wait()
	if w, ok := backend.(waiter); ok {
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), backendDrain)
		if err := w.Wait(drainCtx); err != nil {
			logger.Warn("capture backend did not exit in time", zap.Error(err))
		}
		cancelDrain()
	}
	stopBg()
	bgWG.Wait()
	logger.Info("navcam stopped")
	return runErr
}

func goRun(wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn()
	}()
}

func openLedger(cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (ledger.Store, error) {
	switch cfg.Backup.Ledger {
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis ledger needs REDIS_ADDR")
		}
		return ledger.NewRedisStore(rdb.Client, cfg.Redis.LedgerPrefix, logger), nil
	case "file":
		fs, err := ledger.OpenFileStore(cfg.Backup.LedgerPath)
		if err != nil {
			return nil, err
		}
		return fs, nil
	default:
		return ledger.NewMemoryStore(), nil
	}
}

func newBackend(cfg *config.Config, logger *zap.Logger) capture.Backend {
	if cfg.Capture.Backend == "synthetic" {
		return capture.NewSynthetic(cfg.Capture.SyntheticBytes, logger)
	}
	return capture.NewFFmpeg(capture.FFmpegConfig{
		Binary:      cfg.Capture.FFmpegPath,
		InputFormat: cfg.Capture.InputFormat,
		Device:      cfg.Capture.Device,
		EncoderArgs: cfg.Capture.EncoderArgs,
		FrameRates:  models.FrameRates,
	}, logger)
}

// forwardNetwork feeds connectivity changes to the coordinator.
func forwardNetwork(ctx context.Context, m *network.Monitor, coord *backup.Coordinator) {
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()
	coord.SetNetwork(m.Current())
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ch:
			if !ok {
				return
			}
			coord.SetNetwork(t)
		}
	}
}
