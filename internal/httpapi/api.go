// Package httpapi exposes the producer API and read-only queue inspection
// over HTTP.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"mailqueue/internal/dispatch"
	"mailqueue/internal/eventbus"
	"mailqueue/internal/job"
	"mailqueue/internal/observe"
	"mailqueue/internal/worker"
	logx "mailqueue/pkg/logx"
)

// Reader is the read side of storage.Store.
type Reader interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	Failures(ctx context.Context, f job.FailureFilter) ([]job.FailureRecord, error)
	Stats(ctx context.Context, queue string) (job.Stats, error)
	Ping(ctx context.Context) error
}

type Dispatcher interface {
	DispatchEmail(ctx context.Context, e dispatch.Email) (string, error)
}

type PoolSnapshotter interface {
	Snapshot() worker.Snapshot
}

type Deps struct {
	Dispatcher Dispatcher
	Store      Reader
	// Pool and Events are optional.
	Pool   PoolSnapshotter
	Events *eventbus.Bus[observe.Event]
	Pprof  PprofConfig
	Log    logx.Logger
}

// API wraps the dispatcher and store with HTTP handlers.
type API struct {
	d   Deps
	log logx.Logger
}

func New(d Deps) *API {
	return &API{d: d, log: d.Log.With(logx.String("comp", "httpapi"))}
}

// Handler builds a gin engine with every route installed.
func (a *API) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), a.requestLog())
	a.SetupRoutes(r)
	return r
}

func (a *API) SetupRoutes(router gin.IRouter) {
	router.POST("/jobs", a.submitJob)
	router.GET("/jobs/:id", a.getJob)
	router.GET("/failed", a.listFailed)
	router.GET("/stats", a.getStats)
	router.GET("/health", a.healthCheck)
	if a.d.Events != nil {
		router.GET("/events", a.streamEvents)
	}
	if a.d.Pprof.Enabled {
		a.setupPprof(router)
	}
}

func (a *API) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

// SubmitRequest is the body of POST /jobs. Delay is a Go duration string.
type SubmitRequest struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Message   string `json:"message"`
	Queue     string `json:"queue"`
	Delay     string `json:"delay"`
}

func (a *API) submitJob(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var delay time.Duration
	if s := strings.TrimSpace(req.Delay); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "delay must be a non-negative duration like 30s"})
			return
		}
		delay = d
	}

	id, err := a.d.Dispatcher.DispatchEmail(c.Request.Context(), dispatch.Email{
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Message:   req.Message,
		Queue:     req.Queue,
		Delay:     delay,
	})
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job_id": id})
}

func (a *API) getJob(c *gin.Context) {
	j, err := a.d.Store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	j.LeaseToken = ""
	c.JSON(http.StatusOK, j)
}

func (a *API) listFailed(c *gin.Context) {
	f := job.FailureFilter{Queue: c.Query("queue")}
	if s := c.Query("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		f.Since = t
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		f.Limit = n
	}

	recs, err := a.d.Store.Failures(c.Request.Context(), f)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if recs == nil {
		recs = []job.FailureRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(recs), "failures": recs})
}

func (a *API) getStats(c *gin.Context) {
	st, err := a.d.Store.Stats(c.Request.Context(), c.Query("queue"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	body := gin.H{"status": "ok", "timestamp": time.Now().UTC()}
	if a.d.Pool != nil {
		snap := a.d.Pool.Snapshot()
		snap.History = nil
		body["pool"] = snap
	}
	if err := a.d.Store.Ping(ctx); err != nil {
		body["status"] = "unavailable"
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// streamEvents streams lifecycle events as server-sent events. The optional
// type query parameter filters by event type and may repeat.
func (a *API) streamEvents(c *gin.Context) {
	want := map[observe.Type]bool{}
	for _, t := range c.QueryArray("type") {
		want[observe.Type(t)] = true
	}

	sub := a.d.Events.Subscribe(128)
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case e, ok := <-sub.C:
			if !ok {
				return false
			}
			if len(want) == 0 || want[e.Type] {
				c.SSEvent(string(e.Type), e)
			}
			return true
		}
	})
}

func (a *API) writeError(c *gin.Context, err error) {
	var ve *job.ValidationError
	switch {
	case errors.As(err, &ve):
		details := make([]string, 0, len(ve.Errors))
		for _, e := range ve.Errors {
			details = append(details, e.Error())
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": details})
	case errors.Is(err, job.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, job.ErrDuplicateJob):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, job.ErrStorage):
		a.log.Warn("storage unavailable", logx.String("path", c.FullPath()), logx.Err(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		a.log.Error("request failed", logx.String("path", c.FullPath()), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
