package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/austenmoss/testforge/internal/http/handlers"
	httpMW "github.com/austenmoss/testforge/internal/http/middleware"
	"github.com/austenmoss/testforge/internal/observability"
	"github.com/austenmoss/testforge/internal/pkg/logger"
)

type RouterConfig struct {
	Log *logger.Logger

	GenerateHandler *httpH.GenerateHandler
	TaskHandler     *httpH.TaskHandler
	TestHandler     *httpH.TestHandler
	ValidateHandler *httpH.ValidateHandler
	OptimizeHandler *httpH.OptimizeHandler
	HealthHandler   *httpH.HealthHandler

	Metrics *observability.Metrics
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())
	r.Use(otelgin.Middleware("testforge"))
	if cfg.Metrics != nil {
		r.Use(httpMW.Metrics(cfg.Metrics))
	}

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	// Generation (ingest)
	if cfg.GenerateHandler != nil {
		gen := r.Group("/generate")
		{
			gen.POST("/test-cases", cfg.GenerateHandler.GenerateTestCases)
			gen.POST("/api-tests", cfg.GenerateHandler.GenerateAPITests)
		}
	}

	// Tasks (status, stream, lifecycle)
	if cfg.TaskHandler != nil {
		tasks := r.Group("/tasks")
		{
			tasks.GET("/:id", cfg.TaskHandler.GetTask)
			tasks.GET("/:id/stream", cfg.TaskHandler.Stream)
			tasks.POST("/:id/resume", cfg.TaskHandler.Resume)
			tasks.POST("/:id/cancel", cfg.TaskHandler.Cancel)
		}
	}

	// Tests (query, export)
	if cfg.TestHandler != nil {
		tests := r.Group("/tests")
		{
			tests.GET("", cfg.TestHandler.ListTests)
			tests.GET("/export", cfg.TestHandler.ExportTests)
		}
	}

	// Standalone validation/optimization
	if cfg.ValidateHandler != nil {
		r.POST("/validate/tests", cfg.ValidateHandler.ValidateTests)
	}
	if cfg.OptimizeHandler != nil {
		r.POST("/optimize/tests", cfg.OptimizeHandler.OptimizeTests)
	}

	return r
}
