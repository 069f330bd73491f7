package app

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/austenmoss/testforge/internal/config"
	dbpkg "github.com/austenmoss/testforge/internal/data/db"
	"github.com/austenmoss/testforge/internal/data/repos"
	"github.com/austenmoss/testforge/internal/generator"
	httpserver "github.com/austenmoss/testforge/internal/http"
	httpH "github.com/austenmoss/testforge/internal/http/handlers"
	"github.com/austenmoss/testforge/internal/jobs/pipelines/testgen"
	jobrt "github.com/austenmoss/testforge/internal/jobs/runtime"
	"github.com/austenmoss/testforge/internal/jobs/worker"
	"github.com/austenmoss/testforge/internal/llmcache"
	"github.com/austenmoss/testforge/internal/observability"
	"github.com/austenmoss/testforge/internal/optimizer"
	"github.com/austenmoss/testforge/internal/pkg/logger"
	"github.com/austenmoss/testforge/internal/platform/envutil"
	"github.com/austenmoss/testforge/internal/platform/openai"
	"github.com/austenmoss/testforge/internal/platform/pinecone"
	"github.com/austenmoss/testforge/internal/realtime"
	"github.com/austenmoss/testforge/internal/realtime/bus"
	"github.com/austenmoss/testforge/internal/recon"
	"github.com/austenmoss/testforge/internal/services"
	"github.com/austenmoss/testforge/internal/sse"
	"github.com/austenmoss/testforge/internal/temporalx"
	"github.com/austenmoss/testforge/internal/temporalx/genrun"
	"github.com/austenmoss/testforge/internal/temporalx/temporalworker"
	"github.com/austenmoss/testforge/internal/validator"

	temporalsdkclient "go.temporal.io/sdk/client"
)

// App holds every wired component. One App backs one process, whether it
// serves HTTP, runs workers, or both.
type App struct {
	Log *logger.Logger
	Cfg config.Config
	DB  *gorm.DB

	Requests repos.RequestRepo
	Tests    repos.TestCaseRepo
	Metrics  repos.GenerationMetricRepo
	Coverage repos.CoverageAnalysisRepo
	Audits   repos.SecurityAuditLogRepo

	Hub      *sse.Hub
	Bus      bus.Bus
	Notifier jobrt.Notifier

	Cache    *llmcache.Cache
	Registry *jobrt.Registry
	Pipeline *testgen.Pipeline

	Validator *validator.Validator
	Optimizer *optimizer.Optimizer

	RequestService services.RequestService

	TemporalClient temporalsdkclient.Client
	metricsReg     *observability.Metrics
}

func New(log *logger.Logger, cfg config.Config) (*App, error) {
	a := &App{Log: log, Cfg: cfg}

	conn, err := dbpkg.Open(log, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := dbpkg.AutoMigrateAll(conn); err != nil {
		return nil, err
	}
	a.DB = conn

	a.Requests = repos.NewRequestRepo(conn, log)
	a.Tests = repos.NewTestCaseRepo(conn, log)
	a.Metrics = repos.NewGenerationMetricRepo(conn, log)
	a.Coverage = repos.NewCoverageAnalysisRepo(conn, log)
	a.Audits = repos.NewSecurityAuditLogRepo(conn, log)

	a.Hub = sse.NewHub(log)
	if cfg.RedisAddr != "" {
		b, err := bus.NewRedisBus(log)
		if err != nil {
			log.Warn("redis bus unavailable; progress events stay process-local", "error", err)
		} else {
			a.Bus = b
		}
	}
	a.Notifier = realtime.NewNotifier(log, a.Hub, a.Bus)

	var store llmcache.Store
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DialTimeout: 5 * time.Second})
		store = llmcache.NewRedisStore(rdb)
	} else {
		store = llmcache.NewMemoryStore()
	}

	var llm openai.Client
	if cfg.LLMBaseURL != "" {
		llm, err = openai.NewClient(log, cfg)
		if err != nil {
			return nil, err
		}
	} else {
		log.Warn("LLM_BASE_URL not set; generation requests will fail until configured")
	}
	a.Cache = llmcache.New(log, llm, store, cfg.CacheTTL, cfg.EmbeddingDim)

	a.Validator = validator.New(log, &validator.SafetyGuard{}, cfg.ValidatorFanout)
	a.Validator.PerTestTimeout = cfg.StageTimeouts.PerTest
	a.Optimizer = optimizer.New(log, a.Cache, cfg.SimilarityThreshold)

	var vectors pinecone.VectorStore
	if key := envutil.String("PINECONE_API_KEY", ""); key != "" {
		pc, err := pinecone.New(log, pinecone.Config{APIKey: key})
		if err == nil {
			vectors, err = pinecone.NewVectorStore(log, pc)
		}
		if err != nil {
			log.Warn("pinecone unavailable; embedding mirror disabled", "error", err)
			vectors = nil
		}
	}

	a.Pipeline = testgen.New(testgen.Deps{
		Log:       log,
		Cfg:       cfg,
		Recon:     recon.NewHTTPRecon(log),
		Generator: generator.NewLLMGenerator(log, a.Cache, cfg.LLMModel),
		Validator: a.Validator,
		Optimizer: a.Optimizer,
		Tests:     a.Tests,
		Metrics:   a.Metrics,
		Coverage:  a.Coverage,
		Audits:    a.Audits,
		Vectors:   vectors,
	})

	a.Registry = jobrt.NewRegistry()
	if err := a.Registry.Register(a.Pipeline); err != nil {
		return nil, err
	}

	tc, err := temporalx.NewClient(log)
	if err != nil {
		log.Warn("temporal unavailable; falling back to polling workers", "error", err)
	}
	a.TemporalClient = tc

	var scheduler services.Scheduler
	if tc != nil {
		scheduler = genrun.NewStarter(log, tc)
	}
	a.RequestService = services.NewRequestService(
		log, a.Requests, a.Tests, a.Metrics, a.Coverage, a.Notifier, scheduler, cfg.MaxRetries,
	)

	if observability.Enabled() {
		a.metricsReg = observability.Init(log)
	}

	return a, nil
}

// StartWorkers runs the request-processing side: the Temporal worker when a
// cluster is configured, the polling worker pool otherwise.
func (a *App) StartWorkers(ctx context.Context) error {
	if a.TemporalClient != nil {
		runner, err := temporalworker.NewRunner(a.Log, a.TemporalClient, a.DB, a.Requests, a.Registry, testgen.JobType, a.Notifier)
		if err != nil {
			return err
		}
		return runner.Start(ctx)
	}
	worker.NewWorker(a.DB, a.Log, a.Requests, a.Registry, a.Notifier, testgen.JobType).Start(ctx)
	return nil
}

// StartBusForwarder bridges cross-process progress events into this
// process's hub. Call it on every process that serves SSE connections.
func (a *App) StartBusForwarder(ctx context.Context) {
	if a.Bus == nil {
		return
	}
	if err := a.Bus.StartForwarder(ctx, a.Hub.Broadcast); err != nil {
		a.Log.Warn("bus forwarder failed to start", "error", err)
	}
}

// Server builds the HTTP server around this App's handlers.
func (a *App) Server() *httpserver.Server {
	return httpserver.NewServer(httpserver.RouterConfig{
		Log:             a.Log,
		GenerateHandler: httpH.NewGenerateHandler(a.RequestService),
		TaskHandler:     httpH.NewTaskHandler(a.Log, a.RequestService, a.Hub),
		TestHandler:     httpH.NewTestHandler(a.Tests),
		ValidateHandler: httpH.NewValidateHandler(a.Validator),
		OptimizeHandler: httpH.NewOptimizeHandler(a.Optimizer),
		HealthHandler:   httpH.NewHealthHandler(),
		Metrics:         a.metricsReg,
	})
}
