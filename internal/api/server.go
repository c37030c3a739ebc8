package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/user/crawlchain/internal/domain"
	"github.com/user/crawlchain/internal/monitoring"
)

// Submitter accepts start URLs for crawling.
type Submitter interface {
	SubmitURL(ctx context.Context, rawURL string, force bool) error
}

// StatusReader looks up the crawl status of a URL.
type StatusReader interface {
	GetCrawlStatus(ctx context.Context, url string) (*domain.CrawlStatusResponse, error)
}

// Pinger is a dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP server exposes.
type Deps struct {
	Crawler  Submitter
	Status   StatusReader
	Health   map[string]Pinger
	Gatherer prometheus.Gatherer
	Metrics  *monitoring.Metrics
	Logger   *zap.Logger
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	port       string
	router     http.Handler
	httpServer *http.Server
	crawler    Submitter
	status     StatusReader
	health     map[string]Pinger
	gatherer   prometheus.Gatherer
	metrics    *monitoring.Metrics
	logger     *zap.Logger
}

func NewServer(port string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		port:     port,
		crawler:  deps.Crawler,
		status:   deps.Status,
		health:   deps.Health,
		gatherer: deps.Gatherer,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}
	s.router = s.setupRouter()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%s", s.port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 70 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
