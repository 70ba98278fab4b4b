package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/riverton-labs/llm-gateway/internal/clock"
	"github.com/riverton-labs/llm-gateway/internal/config"
	"github.com/riverton-labs/llm-gateway/internal/dispatcher"
	"github.com/riverton-labs/llm-gateway/internal/fleet"
	"github.com/riverton-labs/llm-gateway/internal/gwerrors"
	"github.com/riverton-labs/llm-gateway/internal/jobqueue"
	"github.com/riverton-labs/llm-gateway/internal/metrics"
	"github.com/riverton-labs/llm-gateway/internal/model"
)

// Server wires the gateway's HTTP surface over its components.
type Server struct {
	engine *gin.Engine

	fleet      *fleet.Fleet
	dispatcher *dispatcher.Dispatcher
	queue      *jobqueue.Queue
	metrics    *metrics.Metrics
	clock      clock.Clock
	log        *zap.Logger
}

// New builds the gin engine and registers every route from spec §6.
func New(f *fleet.Fleet, d *dispatcher.Dispatcher, q *jobqueue.Queue, m *metrics.Metrics, clk clock.Clock, log *zap.Logger, cfg config.Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{engine: engine, fleet: f, dispatcher: d, queue: q, metrics: m, clock: clk, log: log}

	var limiter *rate.Limiter
	if cfg.RateLimit.Enabled {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
	}

	engine.Use(recovery(log), requestLogger(log))

	engine.GET("/health", s.handleHealth)
	engine.GET("/ping", s.handlePing)
	engine.GET("/metrics", gin.WrapH(m.Handler()))
	engine.GET("/devices", s.handleDevices)

	guarded := engine.Group("/")
	guarded.Use(auth(cfg.APIKey), rateLimit(limiter))
	guarded.POST("/warmup", s.handleWarmup)
	guarded.POST("/ask", s.handleAsk)
	guarded.POST("/ask_stream", s.handleAskStream)
	guarded.POST("/ask_batch", s.handleAskBatch)
	guarded.POST("/jobs", s.handleJobsCreate)
	guarded.POST("/jobs/stream", s.handleJobsCreateStream)
	guarded.GET("/jobs/:id", s.handleJobStatus)
	guarded.GET("/jobs/:id/result", s.handleJobResult)

	return s
}

// Handler returns the http.Handler to pass to an http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

// pingResult is one device's entry in the GET /ping catalog probe.
type pingResult struct {
	OK     bool   `json:"ok"`
	Status int    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
	MS     int64  `json:"ms"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// handlePing round-trips a lightweight catalog request to every unique
// device and reports latency, independent of the health prober's
// cached view (spec §6).
func (s *Server) handlePing(c *gin.Context) {
	entries := s.fleet.All()
	out := make([]pingResult, len(entries))

	g, gctx := errgroup.WithContext(c.Request.Context())
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			start := s.clock.Now()
			url := fmt.Sprintf("http://%s:%d/api/tags", e.Config.Host, e.Config.Port)
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, url, nil)
			if err != nil {
				out[i] = pingResult{OK: false, Error: err.Error(), Host: e.Config.Host, Port: e.Config.Port}
				return nil
			}
			resp, err := http.DefaultClient.Do(req)
			elapsed := s.clock.Now().Sub(start).Milliseconds()
			if err != nil {
				out[i] = pingResult{OK: false, Error: err.Error(), MS: elapsed, Host: e.Config.Host, Port: e.Config.Port}
				return nil
			}
			defer resp.Body.Close()
			out[i] = pingResult{OK: resp.StatusCode < 400, Status: resp.StatusCode, MS: elapsed, Host: e.Config.Host, Port: e.Config.Port}
			return nil
		})
	}
	_ = g.Wait()

	c.JSON(http.StatusOK, gin.H{"devices": out})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"phones": s.fleet.HealthViews()})
}

func (s *Server) handleDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": s.fleet.Views()})
}

// handleWarmup fires a minimal completion at every unique device so
// its model gets loaded into memory ahead of real traffic (spec §6).
func (s *Server) handleWarmup(c *gin.Context) {
	entries := s.fleet.All()
	warmed := 0
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(c.Request.Context())
	for _, e := range entries {
		e := e
		g.Go(func() error {
			req := model.AskRequest{Prompt: "hi", Model: e.Config.DefaultModel}
			if _, err := s.dispatcher.AskDevice(gctx, e, req); err != nil {
				s.log.Warn("httpapi: warmup failed", zap.String("host", e.Config.Host), zap.Error(err))
				return nil
			}
			mu.Lock()
			warmed++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	c.JSON(http.StatusOK, gin.H{"warmed": warmed, "total": len(entries)})
}

func (s *Server) handleAsk(c *gin.Context) {
	var req model.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.dispatcher.Ask(c.Request.Context(), req)
	if err != nil {
		writeDispatchError(c, err)
		return
	}

	c.Header("Content-Type", "application/json")
	c.Status(http.StatusOK)
	_, _ = c.Writer.Write(result.Body)
}

func (s *Server) handleAskStream(c *gin.Context) {
	var req model.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)

	done := make(chan error, 1)
	_, err := s.dispatcher.AskStream(c.Request.Context(), req,
		func(line []byte) {
			_, _ = c.Writer.Write(line)
			_, _ = c.Writer.Write([]byte("\n"))
			if flusher != nil {
				flusher.Flush()
			}
		},
		func(streamErr error) { done <- streamErr },
	)
	if err != nil {
		_, _ = c.Writer.Write([]byte(fmt.Sprintf(`{"error":%q}`+"\n", err.Error())))
		return
	}

	select {
	case <-done:
	case <-c.Request.Context().Done():
	}
}

func (s *Server) handleAskBatch(c *gin.Context) {
	var items []model.AskRequest
	if err := c.ShouldBindJSON(&items); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, len(items))

	g, gctx := errgroup.WithContext(c.Request.Context())
	for i, req := range items {
		i, req := i, req
		g.Go(func() error {
			result, err := s.dispatcher.Ask(gctx, req)
			if err != nil {
				out[i] = gin.H{"ok": false, "data": gin.H{"error": err.Error()}}
				return nil
			}
			out[i] = gin.H{"ok": true, "data": result.Body}
			return nil
		})
	}
	_ = g.Wait()

	c.JSON(http.StatusOK, gin.H{"results": out})
}

// defaultJobPriority is used whenever a caller omits priority (spec
// §3: lower runs first, 5 is the default middle tier).
const defaultJobPriority = 5

type createJobRequest struct {
	model.AskRequest
	Priority *int `json:"priority"`
}

func (s *Server) handleJobsCreate(c *gin.Context) {
	job, ok := s.bindAndEnqueue(c, false)
	if !ok {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "queued": true})
}

// handleJobsCreateStream enqueues a streaming job and streams its
// output bytes back on this same connection as they arrive, rather
// than returning a job id for polling (spec §6).
func (s *Server) handleJobsCreateStream(c *gin.Context) {
	job, ok := s.bindAndEnqueue(c, true)
	if !ok {
		return
	}
	s.streamJobResult(c, job)
}

func (s *Server) bindAndEnqueue(c *gin.Context, stream bool) (*model.Job, bool) {
	var body createJobRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	priority := defaultJobPriority
	if body.Priority != nil {
		priority = *body.Priority
	}
	return s.queue.Enqueue(body.AskRequest, priority, stream), true
}

func (s *Server) handleJobStatus(c *gin.Context) {
	id := c.Param("id")
	job, ok := s.queue.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gwerrors.ErrJobNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, job.View())
}

func (s *Server) handleJobResult(c *gin.Context) {
	id := c.Param("id")
	job, ok := s.queue.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gwerrors.ErrJobNotFound.Error()})
		return
	}

	if job.Stream {
		s.streamJobResult(c, job)
		return
	}

	view := job.View()
	switch view.Status {
	case model.JobDone:
		c.Header("Content-Type", "application/json")
		c.Status(http.StatusOK)
		_, _ = c.Writer.Write(view.Result)
	case model.JobError:
		c.JSON(http.StatusBadGateway, gin.H{"error": view.Error})
	default:
		c.JSON(http.StatusConflict, gin.H{"error": gwerrors.ErrJobNotDone.Error(), "status": view.Status})
	}
}

func (s *Server) streamJobResult(c *gin.Context, job *model.Job) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)

	chunks := job.Chunks()
	if chunks == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "job produced no stream"})
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if len(chunk.Data) > 0 {
				_, _ = c.Writer.Write(chunk.Data)
			}
			if chunk.Done {
				if flusher != nil {
					flusher.Flush()
				}
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeDispatchError(c *gin.Context, err error) {
	switch {
	case gwerrorsIs(err, gwerrors.ErrNoEligibleDevice):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case gwerrorsIs(err, gwerrors.ErrCircuitOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

func gwerrorsIs(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
