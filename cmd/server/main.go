// Command server is the core's single entrypoint: it loads
// configuration, wires every component spec.md names, and serves the
// REST boundary plus the metrics endpoint until a shutdown signal
// arrives. Grounded on ws/cmd/single/main.go's bootstrap-logger ->
// load-config -> build-structured-logger -> construct -> start ->
// wait-for-signal -> shutdown shape.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/attributes"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/backup"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/cache"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/chat"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/config"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/event"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/httpapi"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/locationindex"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/metrics"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/moderation"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/push"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/session"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/storage"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/writerunner"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootstrap := log.New(os.Stdout, "[CORE] ", log.LstdFlags)
	bootstrap.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := config.Load(nil)
	if err != nil {
		bootstrap.Fatalf("load config: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("addr", cfg.Addr).Msg("starting core")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.NewPgxDatabase(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer db.Close()

	schemaBytes, err := os.ReadFile(cfg.AttributeSchemaPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.AttributeSchemaPath).Msg("read attribute schema")
	}
	attrSchema, err := attributes.Load(schemaBytes)
	if err != nil {
		logger.Fatal().Err(err).Msg("load attribute schema")
	}
	logger.Info().Int("attributes", len(attrSchema.Attributes)).Msg("attribute schema loaded")

	accountCache := cache.New()

	indexManager := locationindex.New(cfg.BoundingBoxMinLat, cfg.BoundingBoxMinLon, cfg.BoundingBoxMaxLat, cfg.BoundingBoxMaxLon, cfg.IndexCellSquareKm)
	go reportLocationIndexSize(ctx, indexManager)

	serial := writerunner.NewSerialRunner(db, logger, 4096)
	serial.Start(ctx)
	defer serial.Stop()

	var natsConn *nats.Conn
	if cfg.NatsURL != "" {
		natsConn, err = nats.Connect(cfg.NatsURL)
		if err != nil {
			logger.Warn().Err(err).Msg("connect nats: cross-instance event fanout disabled")
		} else {
			defer natsConn.Close()
		}
	}

	flagStore := event.NewPgFlagStore(db)
	events := event.New(accountCache, flagStore, natsConn, cfg.InstanceId, logger)
	if err := events.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start event manager")
	}
	defer events.Stop()

	sessionBackend := session.NewBackend(db, accountCache, events)
	sessionServer := session.New(accountCache, sessionBackend, sessionBackend, logger)
	defer sessionServer.Quit()

	chatStore := chat.NewPgStore()
	chatPipeline := chat.New(chatStore, serial, events)

	modEngine := buildModerationEngine(cfg, db, events, logger)
	queues := []model.ModerationQueueType{
		model.QueueInitialMediaModeration,
		model.QueueMediaModeration,
		model.QueueProfileStringModeration,
	}
	for _, queue := range queues {
		queue := queue
		go modEngine.RunWorker(ctx, queue)
	}

	if brokers := splitCommaList(cfg.KafkaBrokers); len(brokers) > 0 {
		ingest, err := moderation.NewIngest(brokers, logger)
		if err != nil {
			logger.Error().Err(err).Msg("connect moderation kafka ingest, cross-instance replay disabled")
		} else {
			defer ingest.Close()
			modEngine.SetQueuePublisher(ingest)

			for _, queue := range queues {
				consumer, err := moderation.NewConsumer(brokers, "core-moderation", queue, modEngine, logger)
				if err != nil {
					logger.Error().Err(err).Int("queue", int(queue)).Msg("create moderation kafka consumer")
					continue
				}
				go consumer.Run(ctx)
			}
		}
	}

	pushNotifier := buildPushNotifier(ctx, cfg, accountCache, db, logger)
	events.SetPushHook(pushNotifier)
	pushDone := make(chan struct{})
	go func() {
		pushNotifier.Run(ctx)
		close(pushDone)
	}()

	accountBackend := httpapi.NewAccountBackend(db, accountCache)
	api := httpapi.New(accountCache, accountBackend, accountBackend, sessionServer, chatPipeline, modEngine, logger)

	backupCancel := startBackupLink(ctx, cfg, logger)
	if backupCancel != nil {
		defer backupCancel()
	}

	httpServer := &http.Server{Addr: cfg.Addr, Handler: api.Routes()}
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server")
		}
	}()

	reg := metrics.Registry()
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(reg)}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	cancel()

	select {
	case <-pushDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("shutdown grace period elapsed before push flush finished")
	}
}

// newLogger builds the structured logger, following
// ws/internal/shared/monitoring/logger.go's level/format switch.
func newLogger(level, format string) zerolog.Logger {
	var output io.Writer = os.Stdout
	if format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	var lvl zerolog.Level
	switch level {
	case "debug":
		lvl = zerolog.DebugLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	default:
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	return zerolog.New(output).With().Timestamp().Str("service", "core").Logger()
}

// splitCommaList splits a comma-separated broker list, dropping empty
// entries so an unset/blank KAFKA_BROKERS disables the ingest/consumer
// wiring instead of producing a single empty-string seed broker.
func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func reportLocationIndexSize(ctx context.Context, m *locationindex.Manager) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.LocationIndexCells.Set(float64(m.NonEmptyCellCount()))
		}
	}
}

func buildModerationEngine(cfg *config.Config, db storage.Database, events *event.Manager, logger zerolog.Logger) *moderation.Engine {
	nsfw := moderation.NewHTTPClassifier("nsfw", cfg.NsfwClassifierEndpoint)
	primary := moderation.NewHTTPClassifier("primary_llm", cfg.PrimaryLlmEndpoint)
	secondary := moderation.NewHTTPClassifier("secondary_llm", cfg.SecondaryLlmEndpoint)
	chain := []moderation.Classifier{nsfw, moderation.NewLLMChain(primary, secondary)}

	var defaultAction model.DefaultAction
	switch cfg.ModerationDefaultAction {
	case "accept":
		defaultAction = model.DefaultAccept
	case "reject":
		defaultAction = model.DefaultReject
	default:
		defaultAction = model.DefaultMoveToHuman
	}

	modStore := moderation.NewPgStore(db)
	return moderation.New(modStore, events, chain, moderation.Config{
		Concurrency:   cfg.ModerationConcurrency,
		DefaultAction: defaultAction,
		RetryWaits:    cfg.ModerationRetryWaits,
		PageSize:      cfg.ModerationPageSize,
	}, logger)
}

// noopPushProvider answers every send with ActionNone: used when no FCM
// credentials file is configured, so the notifier still drains its
// channels and updates state rather than panicking on a nil Provider.
type noopPushProvider struct{ logger zerolog.Logger }

func (p noopPushProvider) Send(ctx context.Context, deviceToken string, payload []byte) (push.Outcome, error) {
	p.logger.Debug().Str("device_token", deviceToken).Msg("push provider not configured, dropping notification")
	return push.Outcome{Action: push.ActionNone}, nil
}

func buildPushNotifier(ctx context.Context, cfg *config.Config, c *cache.Cache, db storage.Database, logger zerolog.Logger) *push.Notifier {
	state := push.NewCacheStateProvider(c, db)

	var provider push.Provider
	if cfg.FcmCredentialsPath != "" {
		credsJSON, err := os.ReadFile(cfg.FcmCredentialsPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("read fcm credentials")
		}
		fcm, err := push.NewFcmProvider(ctx, credsJSON, cfg.FcmProjectId)
		if err != nil {
			logger.Fatal().Err(err).Msg("build fcm provider")
		}
		provider = fcm
	} else {
		logger.Warn().Msg("FCM_CREDENTIALS_PATH not set, push notifications will be dropped")
		provider = noopPushProvider{logger: logger}
	}

	return push.New(state, provider, cfg.PushHighPriorityCap, cfg.PushLowPriorityCap, cfg.PushLowPriorityGap, logger)
}

// startBackupLink wires the target or source role per spec §4.9/§6.
// Returns a cancel func that stops the started role, or nil when the
// role is disabled.
func startBackupLink(ctx context.Context, cfg *config.Config, logger zerolog.Logger) func() {
	switch cfg.BackupLinkRole {
	case "target":
		fileStore, err := backup.NewFsFileBackupStore(cfg.FileBackupDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("open file backup store")
		}
		contentStore := backup.NewFsContentBackupStore(cfg.ContentBackupDir)
		target := backup.NewTarget(backup.TargetConfig{
			PeerURL:     cfg.BackupLinkPeerURL,
			Password:    cfg.BackupLinkPassword,
			TLSInsecure: cfg.BackupLinkTLSInsecure,
			Retention:   cfg.FileBackupRetention,
		}, contentStore, fileStore, logger)

		linkCtx, linkCancel := context.WithCancel(ctx)
		go target.Run(linkCtx)
		return linkCancel
	case "source":
		fileSource := backup.NewFsFileSource(cfg.FileBackupDir)
		contentSource := backup.NewFsContentSource(cfg.ContentBackupDir)
		source := backup.NewSource(cfg.BackupLinkPassword, contentSource, fileSource, logger)

		mux := http.NewServeMux()
		mux.HandleFunc("/backup/upgrade", source.HandleUpgrade)
		sourceServer := &http.Server{Addr: cfg.BackupLinkSourceAddr, Handler: mux}
		go func() {
			logger.Info().Str("addr", cfg.BackupLinkSourceAddr).Msg("backup link source listening")
			if err := sourceServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("backup link source server")
			}
		}()

		return func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = sourceServer.Shutdown(shutdownCtx)
		}
	default:
		return nil
	}
}
