package app

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	mio "github.com/rapart/apkqueue/core/libs/minio"
	mongocli "github.com/rapart/apkqueue/core/libs/mongo"
	natsq "github.com/rapart/apkqueue/core/libs/nats"
	rediscli "github.com/rapart/apkqueue/core/libs/redis"
	"github.com/rapart/apkqueue/internal/artifact"
	"github.com/rapart/apkqueue/internal/domain"
	"github.com/rapart/apkqueue/internal/infra/config"
	"github.com/rapart/apkqueue/internal/infra/events"
	"github.com/rapart/apkqueue/internal/infra/metrics"
	filestore "github.com/rapart/apkqueue/internal/infra/store/file"
	taskstore "github.com/rapart/apkqueue/internal/infra/store/task"
	"github.com/rapart/apkqueue/internal/infra/tracing"
	"github.com/rapart/apkqueue/internal/repository"
	"github.com/rapart/apkqueue/internal/transport"
	"github.com/rapart/apkqueue/internal/usecase"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rapart/apkqueue"

type Router interface {
	MountRoutes(*http.ServeMux) *http.ServeMux
}

type TaskStore interface {
	repository.TaskStore
	Close(ctx context.Context) error
}

type FileStore interface {
	artifact.FileStore
	EnsureDirs(dirs ...string) error
}

type closer interface {
	Close(ctx context.Context) error
}

type dependencyInjector struct {
	cfgPath string
	cfg     *config.Config
	logger  *slog.Logger

	tracerProvider trace.TracerProvider
	tracingClose   tracing.ShutdownFunc

	metrics *metrics.Metrics

	taskStore TaskStore
	fileStore FileStore

	natsConn *nats.Conn
	js       nats.JetStreamContext
	events   usecase.EventPublisher

	repo    *repository.Repository
	writer  *artifact.Writer
	usecase transport.Usecase
	handler transport.Handler
	router  Router
}

func newDI(cfgPath string) *dependencyInjector {
	return &dependencyInjector{cfgPath: cfgPath}
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		di.cfg = config.MustLoad(di.cfgPath)
	}

	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		di.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel(di.Config().LogLevel),
		}))
		slog.SetDefault(di.logger)
	}

	return di.logger
}

func logLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func (di *dependencyInjector) TracerProvider() trace.TracerProvider {
	if di.tracerProvider == nil {
		cfg := di.Config().Tracing
		tp, shutdown, err := tracing.Setup(cfg.ServiceName, cfg.Enabled)
		if err != nil {
			log.Fatalf("DI tracing: %+v", err)
		}
		di.tracerProvider = tp
		di.tracingClose = shutdown
	}
	return di.tracerProvider
}

func (di *dependencyInjector) Tracer() trace.Tracer {
	return di.TracerProvider().Tracer(instrumentationName)
}

func (di *dependencyInjector) Metrics() *metrics.Metrics {
	if di.metrics == nil {
		di.metrics = metrics.New(di.Config().Metrics.Namespace)
	}
	return di.metrics
}

func (di *dependencyInjector) TaskStore(ctx context.Context) TaskStore {
	if di.taskStore == nil {
		cfg := di.Config().Store

		switch cfg.Backend {
		case config.BackendMongo:
			client, err := mongocli.NewClient(ctx, mongocli.Config{
				URI:            cfg.Mongo.URI,
				ConnectTimeout: cfg.Mongo.ConnectTimeout,
			})
			if err != nil {
				log.Fatalf("TaskStore mongo: %+v", err)
			}
			store := taskstore.NewMongoTaskStore(client, cfg.Mongo.Database, cfg.Mongo.Collection)
			if err := store.EnsureSchema(ctx); err != nil {
				log.Fatalf("TaskStore mongo schema: %+v", err)
			}
			di.taskStore = store
			di.Logger().Info("connected to mongodb",
				slog.String("database", cfg.Mongo.Database),
				slog.String("collection", cfg.Mongo.Collection),
			)

		case config.BackendRedis:
			client, err := rediscli.NewClient(ctx, rediscli.Config{
				Addr:     cfg.Redis.Addr,
				User:     cfg.Redis.User,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
				PoolSize: cfg.Redis.PoolSize,
			})
			if err != nil {
				log.Fatalf("TaskStore redis: %+v", err)
			}
			di.taskStore = taskstore.NewRedisTaskStore(client)
			di.Logger().Info("connected to redis", slog.String("addr", cfg.Redis.Addr))

		default:
			di.taskStore = taskstore.NewMemoryTaskStore()
			di.Logger().Warn("using in-memory task store, tasks are lost on restart")
		}
	}
	return di.taskStore
}

func (di *dependencyInjector) FileStore(ctx context.Context) FileStore {
	if di.fileStore == nil {
		cfg := di.Config()

		local, err := filestore.NewLocalStore(cfg.StorageDir)
		if err != nil {
			log.Fatalf("FileStore local: %+v", err)
		}
		if err := local.EnsureDirs(artifact.Dirs()...); err != nil {
			log.Fatalf("FileStore dirs: %+v", err)
		}
		di.Logger().Info("initialized local file store", slog.String("storage_dir", cfg.StorageDir))

		if !cfg.MinIO.Enabled {
			di.fileStore = local
			return di.fileStore
		}

		remote, err := filestore.NewMinIOStore(ctx, mio.Config{
			Endpoint:        cfg.MinIO.Endpoint,
			AccessKeyID:     cfg.MinIO.AccessKeyID,
			SecretAccessKey: cfg.MinIO.SecretAccessKey,
			UseSSL:          cfg.MinIO.UseSSL,
			Region:          cfg.MinIO.Region,
			Bucket:          cfg.MinIO.Bucket,
			Prefix:          cfg.MinIO.Prefix,
		})
		if err != nil {
			log.Fatalf("FileStore minio: %+v", err)
		}
		di.Logger().Info(
			"initialized MinIO file store",
			slog.String("endpoint", cfg.MinIO.Endpoint),
			slog.String("bucket", cfg.MinIO.Bucket),
		)

		di.fileStore = filestore.NewAsyncStore(ctx, local, remote, cfg.QueueCapacity, cfg.PoolSize, cfg.MaxRetries)
		di.Logger().Info(
			"using async file store (local + MinIO)",
			slog.Int("queue_size", cfg.QueueCapacity),
			slog.Int("worker_num", cfg.PoolSize),
			slog.Int("max_retries", cfg.MaxRetries),
		)
	}

	return di.fileStore
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
		cfg := di.Config().NATS
		js, err := natsq.NewJetStream(di.NATSConn(ctx), &nats.StreamConfig{
			Name:       cfg.Stream,
			Subjects:   []string{cfg.SubjectPrefix + ".>"},
			Storage:    nats.FileStorage,
			Replicas:   1,
			MaxAge:     cfg.MaxAge,
			Duplicates: 2 * time.Minute,
		})
		if err != nil {
			log.Fatalf("DI JetStream: %+v", err)
		}

		di.js = js
	}
	return di.js
}

func (di *dependencyInjector) Events(ctx context.Context) usecase.EventPublisher {
	if di.events == nil {
		cfg := di.Config().NATS
		if !cfg.Enabled {
			di.events = events.Discard{}
			return di.events
		}
		di.events = events.New(di.JetStream(ctx), cfg.SubjectPrefix)
		di.Logger().Info("publishing task events",
			slog.String("stream", cfg.Stream),
			slog.String("subjects", cfg.SubjectPrefix+".>"),
		)
	}
	return di.events
}

func (di *dependencyInjector) Repository(ctx context.Context) *repository.Repository {
	if di.repo == nil {
		di.repo = repository.New(di.TaskStore(ctx), di.Tracer())
	}
	return di.repo
}

func (di *dependencyInjector) Writer(ctx context.Context) *artifact.Writer {
	if di.writer == nil {
		di.writer = artifact.NewWriter(
			di.FileStore(ctx),
			di.Repository(ctx),
			di.Config().MaxBlobBytes(),
			di.Tracer(),
		)
	}
	return di.writer
}

func (di *dependencyInjector) Usecase(ctx context.Context) transport.Usecase {
	if di.usecase == nil {
		di.usecase = usecase.New(
			di.Repository(ctx),
			di.Writer(ctx),
			di.Events(ctx),
			di.Metrics(),
		)
	}

	return di.usecase
}

func (di *dependencyInjector) Handler(ctx context.Context) transport.Handler {
	if di.handler == nil {
		di.handler = transport.NewHandler(di.Config().MaxBlobBytes(), di.Usecase(ctx))
	}

	return di.handler
}

func (di *dependencyInjector) Router(ctx context.Context) Router {
	if di.router == nil {
		di.router = transport.NewRouter(
			di.Handler(ctx),
			di.Metrics().Handler(),
			di.Config().DashboardDir,
		)
	}

	return di.router
}

// Seed registers the configured tasks. Tasks that already exist are skipped.
func (di *dependencyInjector) Seed(ctx context.Context) {
	for _, s := range di.Config().Seed {
		_, err := di.Repository(ctx).Register(ctx, s.Hash, s.Tag)
		switch {
		case err == nil:
			di.Logger().Info("seeded task", slog.String("hash", s.Hash), slog.String("tag", s.Tag))
		case errors.Is(err, domain.ErrTaskExists):
		default:
			di.Logger().Warn("seed task",
				slog.String("hash", s.Hash),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Close releases everything that was built, in reverse order of use.
func (di *dependencyInjector) Close(ctx context.Context) {
	if fs, ok := di.fileStore.(closer); ok {
		if err := fs.Close(ctx); err != nil {
			slog.Error("close file store", slog.String("error", err.Error()))
		}
	}
	if di.natsConn != nil {
		if err := di.natsConn.Drain(); err != nil {
			slog.Error("drain nats", slog.String("error", err.Error()))
		}
	}
	if di.taskStore != nil {
		if err := di.taskStore.Close(ctx); err != nil {
			slog.Error("close task store", slog.String("error", err.Error()))
		}
	}
	if di.tracingClose != nil {
		if err := di.tracingClose(ctx); err != nil {
			slog.Error("shutdown tracing", slog.String("error", err.Error()))
		}
	}
}
