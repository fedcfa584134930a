package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"subsidy/internal/adapters/blob"
	"subsidy/internal/adapters/catalog"
	"subsidy/internal/adapters/directory"
	"subsidy/internal/adapters/formschema"
	"subsidy/internal/adapters/render"
	"subsidy/internal/document"
	dochandler "subsidy/internal/document/handler"
	jwttoken "subsidy/internal/jwt_token"
	"subsidy/internal/ledger/outbox"
	"subsidy/internal/platform/config"
	"subsidy/internal/platform/httpserver"
	"subsidy/internal/platform/logger"
	"subsidy/internal/platform/metrics"
	platformredis "subsidy/internal/platform/redis"
	"subsidy/internal/ports"
	"subsidy/internal/process"
	processhandler "subsidy/internal/process/handler"
	processmetrics "subsidy/internal/process/metrics"
	"subsidy/internal/sequence"
	"subsidy/internal/signature"
	"subsidy/internal/storage"
	"subsidy/internal/storage/postgres"
	httptransport "subsidy/internal/transport/http"
	"subsidy/pkg/platform/middleware/ratelimit"
)

const sweepInterval = time.Minute

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// storageBackend is what main needs beyond the unit of work.
type storageBackend interface {
	storage.UnitOfWork
	storage.OutboxStore
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	health := map[string]httptransport.HealthCheck{}

	uow, closeDB, err := buildStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB()
	if pg, ok := uow.(*postgres.UnitOfWork); ok {
		health["database"] = pg.Health
	}

	blobs, err := buildBlobs(ctx, cfg.Blob)
	if err != nil {
		return err
	}

	cat := catalog.Default()
	if cfg.CatalogPath != "" {
		if cat, err = catalog.Load(cfg.CatalogPath); err != nil {
			return err
		}
	}
	dir := directory.NewMemory()
	if cfg.DirectoryPath != "" {
		if dir, err = directory.Load(cfg.DirectoryPath); err != nil {
			return err
		}
	} else {
		log.Warn("no DIRECTORY_PATH set; the identity directory is empty")
	}

	var sequencer ports.Sequencer = sequence.NewMemory()
	redisClient, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
		sequencer = sequence.NewRedis(redisClient.Client)
		health["redis"] = redisClient.Health
	} else {
		log.Warn("no REDIS_URL set; process codes are sequenced in memory")
	}

	opts := []process.Option{
		process.WithLogger(log),
		process.WithMetrics(processmetrics.New()),
		process.WithSealer(signature.NewSealer(cfg.SealKey)),
	}
	if cfg.FormSchemaPath != "" {
		schema, err := formschema.Load(cfg.FormSchemaPath)
		if err != nil {
			return err
		}
		opts = append(opts, process.WithFormSchema(schema))
	}
	processes := process.New(uow, dir, cat, render.New(blobs), sequencer, opts...)
	if err := processes.RestoreSequence(ctx, time.Now().Year()); err != nil {
		return fmt.Errorf("restore process codes: %w", err)
	}
	documents := document.New(uow, blobs, cat, document.WithLogger(log))

	var relay *outbox.Relay
	if cfg.RelayEnabled() {
		client, err := outbox.NewClient(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := outbox.EnsureTopic(ctx, client, cfg.Kafka.Topic, 3, 1); err != nil {
			log.Warn("could not ensure audit topic", "topic", cfg.Kafka.Topic, "error", err)
		}
		health["kafka"] = func(ctx context.Context) error { return pingKafka(ctx, client) }
		relay = outbox.New(uow, client, cfg.Kafka.Topic,
			outbox.WithLogger(log),
			outbox.WithInterval(cfg.Kafka.RelayInterval),
		)
	} else {
		log.Info("no KAFKA_BROKERS set; audit events stay in the ledger only")
	}

	limiter := ratelimit.New(cfg.RateLimitPerSec, cfg.RateLimitBurst, log)
	router := httptransport.NewRouter(httptransport.Deps{
		Logger:      log,
		Validator:   jwttoken.NewJWTServiceAdapter(jwttoken.NewJWTService(cfg.JWTSigningKey, cfg.JWTIssuer)),
		Metrics:     metrics.New(),
		RateLimiter: limiter,
		Gatherer:    prometheus.DefaultGatherer,
		Health:      health,
		Handlers: []httptransport.Registrar{
			processhandler.New(processes, cat, log),
			dochandler.New(documents, log, cfg.MaxUploadBytes),
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, httpserver.New(cfg.Addr, router), log)
	})
	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := limiter.Sweep(); n > 0 {
					log.Debug("rate limiter swept idle clients", "removed", n)
				}
			}
		}
	})
	if relay != nil {
		g.Go(func() error {
			err := relay.Run(gctx)
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	return g.Wait()
}

func buildStorage(ctx context.Context, cfg config.Server, log *slog.Logger) (storageBackend, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("no DATABASE_URL set; using in-memory storage")
		return storage.NewMemory(), func() {}, nil
	}
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pg := postgres.New(db, cfg.TxTimeout)
	if err := pg.Health(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return pg, func() { _ = db.Close() }, nil
}

func buildBlobs(ctx context.Context, cfg config.BlobConfig) (ports.BlobStorage, error) {
	if cfg.Backend == config.BlobBackendS3 {
		return blob.NewS3(ctx, blob.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	}
	return blob.NewFS(cfg.UploadPath)
}

func pingKafka(ctx context.Context, client *kgo.Client) error {
	return client.Ping(ctx)
}
