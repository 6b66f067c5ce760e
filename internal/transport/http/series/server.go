package serieshttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"klinevault/internal/analysis/indicator"
	"klinevault/internal/backfill"
	"klinevault/internal/catalog"
	"klinevault/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Server 提供序列读取、写入、补拉与指标的 HTTP API。
type Server struct {
	addr     string
	registry *store.Registry
	filler   *backfill.Filler
	catalog  *catalog.Catalog
	gatherer prometheus.Gatherer
	settings indicator.Settings
	schema   *jsonschema.Schema
	router   *gin.Engine
}

// Config 描述 HTTP Server 的依赖；Filler/Catalog/Gatherer 可为空，对应路由返回 503。
type Config struct {
	Addr     string
	Registry *store.Registry
	Filler   *backfill.Filler
	Catalog  *catalog.Catalog
	Gatherer prometheus.Gatherer
	// Indicators is used for derived columns of resampled history.
	Indicators indicator.Settings
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	schema, err := compileCandleSchema()
	if err != nil {
		return nil, err
	}
	router := gin.New()
	router.Use(gin.Recovery())
	s := &Server{
		addr:     cfg.Addr,
		registry: cfg.Registry,
		filler:   cfg.Filler,
		catalog:  cfg.Catalog,
		gatherer: cfg.Gatherer,
		settings: cfg.Indicators,
		schema:   schema,
		router:   router,
	}
	s.registerRoutes()
	return s, nil
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	if s.gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	api := s.router.Group("/api")
	api.GET("/series", s.handleList)
	api.GET("/quarantines", s.handleQuarantines)

	one := api.Group("/series/:venue/:instrument/:gran")
	one.GET("/recent", s.handleRecent)
	one.GET("/history", s.handleHistory)
	one.GET("/gaps", s.handleGaps)
	one.GET("/chart", s.handleChart)
	one.GET("/manifest", s.handleManifest)
	one.GET("/jobs", s.handleJobs)
	one.POST("/candles", s.handleIngest)
	one.POST("/backfill", s.handleBackfill)
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
