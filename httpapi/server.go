// Package httpapi exposes generation, dispatch, schedule and cache
// maintenance over HTTP with gin.
//
// Routes:
//
//	POST   /v1/generate              one or more notification drafts (?variants=N)
//	POST   /v1/users/:id/dispatch    throttled, cached send for one user
//	GET    /v1/users/:id/schedule    send history of one user
//	DELETE /v1/users/:id/schedule    forget one user's history
//	GET    /v1/cache/stats           cache summary
//	POST   /v1/cache/purge           drop expired cache entries
//	GET    /healthz                  liveness and bound provider
//	GET    /metrics                  Prometheus exposition
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xostack/xonotify"
	"github.com/xostack/xonotify/cache"
	"github.com/xostack/xonotify/dispatch"
	"github.com/xostack/xonotify/llm"
	"github.com/xostack/xonotify/metrics"
	"github.com/xostack/xonotify/prompt"
	"github.com/xostack/xonotify/schedule"
)

// MaxVariants bounds the variants query parameter.
const MaxVariants = 10

// Generator is the subset of *xonotify.Generator the API needs.
type Generator interface {
	GenerateOne(ctx context.Context, req prompt.Request) xonotify.Outcome
	GenerateVariants(ctx context.Context, req prompt.Request, count int) []xonotify.Outcome
	Provider() string
}

// Dispatcher is the subset of *dispatch.Dispatcher the API needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, req prompt.Request) (dispatch.Result, error)
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Generator  Generator
	Dispatcher Dispatcher
	Cache      *cache.Cache
	Limiter    *schedule.Limiter
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger

	// AllowedOrigins enables CORS for the listed origins. "*" allows any
	// origin; empty disables CORS handling.
	AllowedOrigins []string
}

type server struct {
	Deps
}

// NewRouter builds the gin engine with logging, recovery and metrics
// middleware installed.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	s := &server{Deps: d}

	r := gin.New()
	r.Use(requestID(), accessLog(d.Logger), recovery(d.Logger), instrument(d.Metrics))
	if len(d.AllowedOrigins) > 0 {
		r.Use(corsFor(d.AllowedOrigins))
	}
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "route not found")
	})

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{DisableCompression: true})))

	v1 := r.Group("/v1")
	v1.POST("/generate", s.generate)
	v1.POST("/users/:id/dispatch", s.dispatch)
	v1.GET("/users/:id/schedule", s.getSchedule)
	v1.DELETE("/users/:id/schedule", s.resetSchedule)
	v1.GET("/cache/stats", s.cacheStats)
	v1.POST("/cache/purge", s.cachePurge)
	return r
}

func corsFor(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
		}
	}
	if !cfg.AllowAllOrigins {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

// OutcomeView is the wire form of one xonotify.Outcome.
type OutcomeView struct {
	xonotify.Outcome
	Error string `json:"error,omitempty"`
	Kind  string `json:"error_kind,omitempty"`
}

// NewOutcomeView fills the error fields from o.Err.
func NewOutcomeView(o xonotify.Outcome) OutcomeView {
	v := OutcomeView{Outcome: o}
	if o.Err != nil {
		v.Error = o.Err.Error()
		v.Kind = llm.KindOf(o.Err).String()
	}
	return v
}

// ScheduleView is the wire form of a user's send history.
type ScheduleView struct {
	UserID         string     `json:"user_id"`
	LastSent       *time.Time `json:"last_sent"`
	Count          int64      `json:"count"`
	HoursSinceLast *int64     `json:"hours_since_last"`
}

func (s *server) health(c *gin.Context) {
	provider := ""
	if s.Generator != nil {
		provider = s.Generator.Provider()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "provider": provider})
}

// bindRequest decodes a prompt.Request and fills defaults. Tone defaults to
// friendly and frequency to daily.
func bindRequest(c *gin.Context) (prompt.Request, bool) {
	var req prompt.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body: "+err.Error())
		return req, false
	}
	if req.AppID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "app_id is required")
		return req, false
	}

	if req.Tone == "" {
		req.Tone = prompt.Friendly
		return req, true
	}
	t, err := prompt.ParseTone(string(req.Tone))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return req, false
	}
	req.Tone = t
	return req, true
}

func (s *server) generate(c *gin.Context) {
	count := 1
	if raw := c.Query("variants"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > MaxVariants {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "variants must be an integer between 1 and 10")
			return
		}
		count = n
	}

	req, ok := bindRequest(c)
	if !ok {
		return
	}
	if !normalizeFrequency(c, &req) {
		return
	}

	var outs []xonotify.Outcome
	if count == 1 {
		outs = []xonotify.Outcome{s.Generator.GenerateOne(c.Request.Context(), req)}
	} else {
		outs = s.Generator.GenerateVariants(c.Request.Context(), req, count)
	}

	views := make([]OutcomeView, 0, len(outs))
	var lastErr error
	succeeded := 0
	for _, o := range outs {
		views = append(views, NewOutcomeView(o))
		if o.OK() {
			succeeded++
		} else {
			lastErr = o.Err
		}
	}

	if succeeded == 0 && lastErr != nil {
		if errors.Is(lastErr, llm.ErrUninitialized) {
			fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, lastErr.Error())
			return
		}
		fail(c, http.StatusBadGateway, ErrCodeUpstream, lastErr.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": views})
}

func normalizeFrequency(c *gin.Context, req *prompt.Request) bool {
	if req.Frequency == "" {
		req.Frequency = schedule.Daily
		return true
	}
	f, err := schedule.ParseFrequency(string(req.Frequency))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return false
	}
	req.Frequency = f
	return true
}

func (s *server) dispatch(c *gin.Context) {
	req, ok := bindRequest(c)
	if !ok {
		return
	}
	if !normalizeFrequency(c, &req) {
		return
	}

	res, err := s.Dispatcher.Dispatch(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		switch res.Reason {
		case dispatch.ReasonGenerationFailed:
			if errors.Is(err, llm.ErrUninitialized) {
				fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
				return
			}
			fail(c, http.StatusBadGateway, ErrCodeUpstream, err.Error())
		case dispatch.ReasonDeliveryFailed:
			fail(c, http.StatusBadGateway, ErrCodeUpstream, err.Error())
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *server) getSchedule(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	rec, found, err := s.Limiter.Record(ctx, id)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	view := ScheduleView{UserID: id}
	if found {
		hours, err := s.Limiter.HoursSinceLast(ctx, id)
		if err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
			return
		}
		last := rec.LastSent
		view.LastSent = &last
		view.Count = rec.Count
		view.HoursSinceLast = &hours
	}
	c.JSON(http.StatusOK, view)
}

func (s *server) resetSchedule(c *gin.Context) {
	if err := s.Limiter.Reset(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) cacheStats(c *gin.Context) {
	st, err := s.Cache.Stats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *server) cachePurge(c *gin.Context) {
	n, err := s.Cache.PurgeExpired(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	loggerFrom(c).Info("cache purged", zap.Int("removed", n))
	c.JSON(http.StatusOK, gin.H{"removed": n})
}
