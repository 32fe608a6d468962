package app

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/you-humble/dococr/api/internal/dispatcher"
	"github.com/you-humble/dococr/api/internal/domain"
	"github.com/you-humble/dococr/api/internal/engine"
	"github.com/you-humble/dococr/api/internal/infra/config"
	"github.com/you-humble/dococr/api/internal/infra/queue"
	filestore "github.com/you-humble/dococr/api/internal/infra/store/file"
	taskstore "github.com/you-humble/dococr/api/internal/infra/store/task"
	"github.com/you-humble/dococr/api/internal/transport"
	"github.com/you-humble/dococr/api/internal/usecase"
	mio "github.com/you-humble/dococr/core/libs/minio"
	natsq "github.com/you-humble/dococr/core/libs/nats"
	rediscli "github.com/you-humble/dococr/core/libs/redis"
	"github.com/you-humble/dococr/core/ocr/tesseract"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const cfgPath = "./api/configs/local.yaml"

type Router interface {
	MountRoutes(*http.ServeMux) *http.ServeMux
}

type TaskStore interface {
	dispatcher.TaskStore
	usecase.TaskStore
}

type FileStore interface {
	dispatcher.FileStore
	usecase.FileStore
}

type TaskQueue interface {
	dispatcher.Queue
	Close() error
}

type dependencyInjector struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *engine.Registry

	redis     *redis.Client
	taskStore TaskStore
	fileStore FileStore

	natsConn  *nats.Conn
	js        nats.JetStreamContext
	taskQueue TaskQueue

	dispatcher *dispatcher.Dispatcher
	usecase    transport.Usecase
	handler    transport.Handler
	router     Router

	closers []io.Closer
}

func newDI() *dependencyInjector {
	return &dependencyInjector{}
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		di.cfg = config.MustLoad(cfgPath)
	}

	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		var level slog.Level
		if err := level.UnmarshalText([]byte(di.Config().LogLevel)); err != nil {
			level = slog.LevelInfo
		}

		di.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		}))
	}

	slog.SetDefault(di.logger)
	return di.logger
}

func (di *dependencyInjector) Registry(ctx context.Context) *engine.Registry {
	if di.registry == nil {
		cfg := di.Config().OCR
		reg := engine.NewRegistry(cfg.DefaultEngine, cfg.ProbeTTL, cfg.ProbeTimeout)

		for _, e := range cfg.Engines {
			eng, conn, err := newEngine(e, cfg)
			if errors.Is(err, tesseract.ErrNativeUnsupported) {
				di.Logger().Warn("ocr engine skipped",
					slog.String("engine", e.Name),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err != nil {
				log.Fatalf("OCR engine %s: %+v", e.Name, err)
			}
			if conn != nil {
				di.closers = append(di.closers, conn)
			}
			if err := reg.Register(e.Name, eng); err != nil {
				log.Fatalf("OCR engine %s: %+v", e.Name, err)
			}
			di.Logger().Info("ocr engine registered",
				slog.String("engine", e.Name),
				slog.String("kind", e.Kind),
			)
		}
		reg.Seal()

		di.registry = reg
	}
	return di.registry
}

func (di *dependencyInjector) RedisClient(ctx context.Context) *redis.Client {
	if di.redis == nil {
		cfg := di.Config().Redis
		client, err := rediscli.NewClient(ctx, rediscli.Config{
			Addr:     cfg.Addr,
			User:     cfg.User,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		})
		if err != nil {
			log.Fatalf("TaskStore redis: %+v", err)
		}

		di.redis = client
		di.closers = append(di.closers, client)
		di.Logger().Info("connected to redis", slog.String("addr", cfg.Addr))
	}
	return di.redis
}

func (di *dependencyInjector) TaskStore(ctx context.Context) TaskStore {
	if di.taskStore == nil {
		switch di.Config().Store.Backend {
		case config.BackendRedis:
			di.taskStore = taskstore.NewRedisTaskStore(di.RedisClient(ctx))
		default:
			di.taskStore = taskstore.NewMemoryTaskStore()
		}
		di.Logger().Info("initialized task store", slog.String("backend", di.Config().Store.Backend))
	}
	return di.taskStore
}

func (di *dependencyInjector) FileStore(ctx context.Context) FileStore {
	if di.fileStore == nil {
		cfg := di.Config()

		switch cfg.Staging.Backend {
		case config.BackendMinIO:
			di.fileStore = di.minioStore(ctx)

		case config.BackendReplicated:
			replicated := filestore.NewReplicatedStore(ctx, di.localStore(), di.minioStore(ctx), filestore.ReplicaConfig{
				QueueSize:  cfg.Staging.ReplicaQueue,
				Workers:    cfg.Staging.ReplicaWorkers,
				MaxRetries: cfg.Staging.ReplicaRetries,
			})
			di.fileStore = replicated
			di.Logger().Info(
				"using replicated file store (local + MinIO)",
				slog.Int("queue_size", cfg.Staging.ReplicaQueue),
				slog.Int("worker_num", cfg.Staging.ReplicaWorkers),
				slog.Int("max_retries", cfg.Staging.ReplicaRetries),
			)

		default:
			di.fileStore = di.localStore()
		}
	}

	return di.fileStore
}

func (di *dependencyInjector) localStore() filestore.Storage {
	cfg := di.Config()
	local, err := filestore.NewLocalStore(cfg.Staging.BaseDir)
	if err != nil {
		log.Fatalf("FileStore local: %+v", err)
	}
	di.Logger().Info("initialized local file store", slog.String("base_dir", cfg.Staging.BaseDir))
	return local
}

func (di *dependencyInjector) minioStore(ctx context.Context) filestore.Storage {
	cfg := di.Config()
	remote, err := filestore.NewMinIOStore(ctx, mio.Config{
		Endpoint:        cfg.MinIO.Endpoint,
		AccessKeyID:     cfg.MinIO.AccessKeyID,
		SecretAccessKey: cfg.MinIO.SecretAccessKey,
		UseSSL:          cfg.MinIO.UseSSL,
		Bucket:          cfg.MinIO.Bucket,
		BasePath:        cfg.Staging.BaseDir,
	})
	if err != nil {
		log.Fatalf("FileStore minio: %+v", err)
	}
	di.Logger().Info(
		"initialized MinIO file store",
		slog.String("endpoint", cfg.MinIO.Endpoint),
		slog.String("bucket", cfg.MinIO.Bucket),
	)
	return remote
}

func (di *dependencyInjector) NATSConn(ctx context.Context) *nats.Conn {
	if di.natsConn == nil {
		cfg := di.Config().NATS
		nc, err := natsq.NewConnect(cfg.URL, natsq.Config{
			Name:          cfg.Name,
			MaxReconnects: cfg.MaxReconnects,
		})
		if err != nil {
			log.Fatalf("NATS connect: %+v", err)
		}
		di.natsConn = nc
	}
	return di.natsConn
}

func (di *dependencyInjector) JetStream(ctx context.Context) nats.JetStreamContext {
	if di.js == nil {
		cfg := di.Config()
		js, err := natsq.NewJetStream(di.NATSConn(ctx),
			natsq.WorkQueueStream(cfg.NATS.Stream, []string{cfg.NATS.Subject}, 2*cfg.Tasks.TTL),
		)
		if err != nil {
			log.Fatalf("DI JetStream: %+v", err)
		}

		di.js = js
	}
	return di.js
}

func (di *dependencyInjector) TaskQueue(ctx context.Context) TaskQueue {
	if di.taskQueue == nil {
		cfg := di.Config()

		switch cfg.Queue.Backend {
		case config.BackendNATS:
			q, err := queue.NewJetStream(di.JetStream(ctx), queue.JetStreamConfig{
				Stream:        cfg.NATS.Stream,
				Subject:       cfg.NATS.Subject,
				Consumer:      cfg.NATS.Consumer,
				AckWait:       cfg.NATS.AckWait,
				MaxAckPending: 2 * cfg.OCR.Workers,
			})
			if err != nil {
				log.Fatalf("TaskQueue nats: %+v", err)
			}
			di.taskQueue = q
		default:
			di.taskQueue = queue.NewMemory()
		}
		di.Logger().Info("initialized task queue", slog.String("backend", cfg.Queue.Backend))
	}
	return di.taskQueue
}

func (di *dependencyInjector) Dispatcher(ctx context.Context) *dispatcher.Dispatcher {
	if di.dispatcher == nil {
		cfg := di.Config()
		di.dispatcher = dispatcher.New(
			dispatcher.Config{
				InstanceID:      cfg.Tasks.InstanceID,
				LeaseTTL:        cfg.Tasks.LeaseTTL,
				Workers:         cfg.OCR.Workers,
				CallTimeout:     cfg.OCR.CallTimeout,
				DeleteGrace:     cfg.Tasks.DeleteGrace,
				TaskTTL:         cfg.Tasks.TTL,
				CleanupInterval: cfg.Tasks.CleanupInterval,
				DPI:             cfg.OCR.DPI,
				Preprocess:      cfg.OCR.EnablePreprocessing,
			},
			di.TaskStore(ctx),
			di.FileStore(ctx),
			di.Registry(ctx),
			di.TaskQueue(ctx),
		)
	}
	return di.dispatcher
}

func (di *dependencyInjector) Usecase(ctx context.Context) transport.Usecase {
	if di.usecase == nil {
		cfg := di.Config()
		di.usecase = usecase.New(
			usecase.Config{
				MaxFileSize:       cfg.Upload.MaxFileSize,
				MaxFiles:          cfg.Upload.MaxFiles,
				AllowedExtensions: cfg.Upload.AllowedExtensions,
				DefaultLanguages:  cfg.OCR.Languages,
				SyncWaitTimeout:   cfg.Upload.SyncWaitTimeout,
			},
			di.TaskStore(ctx),
			di.FileStore(ctx),
			di.Dispatcher(ctx),
			di.Registry(ctx),
		)
	}

	return di.usecase
}

func (di *dependencyInjector) Handler(ctx context.Context) transport.Handler {
	if di.handler == nil {
		cfg := di.Config()
		di.handler = transport.NewHandler(transport.Options{
			App: domain.AppInfo{
				Name:        cfg.App.Name,
				Version:     cfg.App.Version,
				Environment: cfg.App.Environment,
				Debug:       cfg.App.Debug,
			},
			Configuration: domain.ConfigurationInfo{
				OCREngine:            cfg.OCR.DefaultEngine,
				DPI:                  cfg.OCR.DPI,
				PreprocessingEnabled: cfg.OCR.EnablePreprocessing,
				MaxFileSizeMB:        float64(cfg.Upload.MaxFileSize*100>>20) / 100,
				MaxFilesPerUpload:    cfg.Upload.MaxFiles,
				Workers:              cfg.OCR.Workers,
				CallTimeout:          cfg.OCR.CallTimeout.String(),
			},
			// Whole-request cap. A body past it is refused with 413 before
			// any file is looked at; smaller oversized files fail one by one.
			MaxRequestBytes: int64(cfg.Upload.MaxFiles)*cfg.Upload.MaxFileSize + 1<<20,
		}, di.Usecase(ctx))
	}

	return di.handler
}

func (di *dependencyInjector) Router(ctx context.Context) Router {
	if di.router == nil {
		di.router = transport.NewRouter(di.Handler(ctx))
	}

	return di.router
}

// Close releases connections in reverse order of creation.
func (di *dependencyInjector) Close(ctx context.Context) {
	if c, ok := di.fileStore.(interface{ Close(context.Context) error }); ok {
		if err := c.Close(ctx); err != nil {
			di.Logger().Warn("close file store", slog.String("error", err.Error()))
		}
	}
	if di.taskQueue != nil {
		if err := di.taskQueue.Close(); err != nil {
			di.Logger().Warn("close task queue", slog.String("error", err.Error()))
		}
	}
	if di.natsConn != nil {
		di.natsConn.Close()
	}
	for i := len(di.closers) - 1; i >= 0; i-- {
		if err := di.closers[i].Close(); err != nil {
			di.Logger().Warn("close dependency", slog.String("error", err.Error()))
		}
	}
}
