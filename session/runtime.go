package session

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/cachet/am"
	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/capability"
	"github.com/teranos/cachet/db"
	"github.com/teranos/cachet/errors"
	"github.com/teranos/cachet/extract"
	"github.com/teranos/cachet/extract/httpjson"
	"github.com/teranos/cachet/extract/remotefile"
	"github.com/teranos/cachet/internal/httpclient"
	"github.com/teranos/cachet/janitor"
	"github.com/teranos/cachet/pulse/async"
	"github.com/teranos/cachet/resolver"
	"github.com/teranos/cachet/storage/content"
	"github.com/teranos/cachet/storage/metadata"
	"github.com/teranos/cachet/vault"
)

// Actor is recorded as the submitter of extraction jobs
const Actor = "cachet"

// Runtime is every component built from one configuration
type Runtime struct {
	Config       *am.Config
	DB           *sql.DB
	Metadata     cache.MetadataStore
	Content      *content.Store
	Capabilities capability.Store
	Queue        *async.Queue
	Dispatcher   *extract.Dispatcher
	Orchestrator *cache.Orchestrator
	Backends     *extract.Registry
	Handler      *extract.Handler
	Pool         *async.WorkerPool
	Janitor      *janitor.Janitor
	Service      *Service

	closers []func() error
	logger  *zap.SugaredLogger
}

// Open builds the runtime. The SQLite database always holds the job queue;
// records, states and grants go to SQLite or Redis per metadata.backend.
// Workers are created but not started.
func Open(ctx context.Context, cfg *am.Config, log *zap.SugaredLogger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	rt := &Runtime{Config: cfg, logger: log}

	conn, err := db.OpenWithMigrations(cfg.GetDatabasePath(), log)
	if err != nil {
		return nil, err
	}
	rt.DB = conn
	rt.closers = append(rt.closers, conn.Close)

	switch cfg.GetMetadataBackend() {
	case am.MetadataBackendRedis:
		store, err := metadata.OpenRedis(ctx, cfg.Metadata.RedisURL, "")
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.Metadata = store
		rt.Capabilities = capability.NewRedisStore(store.Client(), "")
		rt.closers = append(rt.closers, store.Close)
	default:
		rt.Metadata = metadata.NewSQLStore(conn)
		rt.Capabilities = capability.NewSQLStore(conn)
	}

	rt.Content, err = content.OpenDir(cfg.GetContentRoot())
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.Queue = async.NewQueue(conn)
	rt.Dispatcher = extract.NewDispatcher(rt.Queue, Actor)
	rt.Orchestrator = cache.NewOrchestrator(rt.Metadata, rt.Content, rt.Dispatcher, log)

	blockPrivate := cfg.Extract.BlockPrivateIPs
	rt.Backends = extract.NewRegistry(extract.Env{
		HTTP:    httpclient.New(cfg.Extract.Timeout(), httpclient.Options{BlockPrivateIP: &blockPrivate}),
		Timeout: cfg.Extract.Timeout(),
		Logger:  log,
	})
	httpjson.RegisterDefaults(rt.Backends)
	remotefile.RegisterDefaults(rt.Backends)

	rt.Handler = extract.NewHandler(rt.Backends, rt.Content, rt.Orchestrator, rt.Queue, extract.HandlerConfig{
		Timeout:              cfg.Extract.Timeout(),
		MaxRequestsPerMinute: cfg.Extract.MaxRequestsPerMinute,
	}, log)
	handlers := async.NewHandlerRegistry()
	handlers.Register(rt.Handler)
	rt.Pool = async.NewWorkerPoolWithRegistry(ctx, rt.Queue, async.WorkerPoolConfigFrom(cfg.Pulse), log, handlers)

	rt.Janitor = janitor.New(rt.Orchestrator.Records(), rt.Content, rt.Dispatcher, JanitorConfig(cfg), log,
		janitor.WithJobHistory(rt.Queue))

	rt.Service = New(rt.Orchestrator, rt.Capabilities,
		resolver.New(rt.Orchestrator, log),
		vault.New(rt.Orchestrator, rt.Capabilities, log),
		log)
	return rt, nil
}

// JanitorConfig extracts the janitor thresholds from cfg
func JanitorConfig(cfg *am.Config) janitor.Config {
	return janitor.Config{TTL: cfg.Janitor.TTL(), OrphanGrace: cfg.Janitor.OrphanGrace()}
}

// StartWorkers starts the worker pool unless pulse.workers is 0
func (rt *Runtime) StartWorkers() bool {
	if rt.Config.Pulse.Workers == 0 {
		rt.logger.Infow("Background workers disabled (pulse.workers = 0)")
		return false
	}
	rt.Pool.Start()
	return true
}

// Close stops the workers and releases connections in reverse order
func (rt *Runtime) Close() error {
	if rt.Pool != nil {
		rt.Pool.Stop()
	}
	var errs error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	rt.closers = nil
	return errs
}
