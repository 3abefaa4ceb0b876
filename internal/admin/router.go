package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reminderd/internal/credentials"
	"reminderd/internal/domain"
	"reminderd/internal/sweep"
	"reminderd/internal/task/scheduler"
	logx "reminderd/pkg/logx"
)

type Sweeper interface {
	RunCarts(ctx context.Context, now time.Time) (sweep.Report, error)
	RunVerification(ctx context.Context, now time.Time) (sweep.Report, error)
	Last(sweep string) (sweep.Report, bool)
}

type Credentials interface {
	Reload(ctx context.Context) error
	Snapshot() *credentials.Snapshot
}

// Store is the slice of storage the API reads and writes directly.
type Store interface {
	ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	PutCredential(ctx context.Context, id domain.SenderIdentity) error
}

type Schedules interface {
	Snapshot() scheduler.Snapshot
}

// Deps are the components behind the routes. Nil members disable their
// routes (503), except Gatherer which falls back to the default registry.
type Deps struct {
	Sweeps      Sweeper
	Credentials Credentials
	Store       Store
	Schedules   Schedules
	Gatherer    prometheus.Gatherer
	// Realtime serves GET /ws when set.
	Realtime http.Handler
	// Ready reports readiness for /healthz; nil means always ready.
	Ready func(ctx context.Context) error
	Log   logx.Logger
}

const (
	defaultNotificationLimit = 50
	maxNotificationLimit     = 500
)

func newRouter(cfg Config, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(d.Log))

	r.GET("/healthz", d.health)

	g := d.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))

	if d.Realtime != nil {
		r.GET("/ws", gin.WrapH(d.Realtime))
	}

	api := r.Group("/api", bearer(cfg.Token))
	api.POST("/sweeps/carts", d.runSweep(sweep.SweepCarts))
	api.POST("/sweeps/verification", d.runSweep(sweep.SweepVerification))
	api.GET("/sweeps/:sweep/last", d.lastSweep)
	api.GET("/credentials", d.listCredentials)
	api.POST("/credentials/reload", d.reloadCredentials)
	api.PUT("/credentials/:category", d.putCredential)
	api.GET("/users/:id/notifications", d.listNotifications)
	api.POST("/notifications/:id/read", d.markRead)
	api.GET("/schedules", d.schedules)

	if cfg.Pprof {
		dbg := r.Group("/debug/pprof", bearer(cfg.Token))
		dbg.GET("/", gin.WrapF(pprof.Index))
		dbg.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(pprof.Profile))
		dbg.GET("/symbol", gin.WrapF(pprof.Symbol))
		dbg.GET("/trace", gin.WrapF(pprof.Trace))
		dbg.GET("/:profile", gin.WrapF(pprof.Index))
	}
	return r
}

// bearer requires "Authorization: Bearer <token>" when token is set.
func bearer(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not configured"})
}

func (d Deps) health(c *gin.Context) {
	if d.Ready != nil {
		if err := d.Ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// runSweep runs a sweep synchronously. The optional "at" query parameter
// (RFC3339) sets the logical evaluation time.
func (d Deps) runSweep(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d.Sweeps == nil {
			unavailable(c, "sweeps")
			return
		}
		now := time.Now()
		if raw := strings.TrimSpace(c.Query("at")); raw != "" {
			at, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "at: expected RFC3339 time"})
				return
			}
			now = at
		}

		run := d.Sweeps.RunCarts
		if name == sweep.SweepVerification {
			run = d.Sweeps.RunVerification
		}
		rep, err := run(c.Request.Context(), now)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": rep})
			return
		}
		c.JSON(http.StatusOK, rep)
	}
}

func (d Deps) lastSweep(c *gin.Context) {
	if d.Sweeps == nil {
		unavailable(c, "sweeps")
		return
	}
	rep, ok := d.Sweeps.Last(c.Param("sweep"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no sweep recorded"})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (d Deps) listCredentials(c *gin.Context) {
	if d.Credentials == nil {
		unavailable(c, "credentials")
		return
	}
	snap := d.Credentials.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"version":   snap.Version(),
		"loaded_at": snap.LoadedAt(),
		"entries":   snap.Entries(),
	})
}

func (d Deps) reloadCredentials(c *gin.Context) {
	if d.Credentials == nil {
		unavailable(c, "credentials")
		return
	}
	if err := d.Credentials.Reload(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded", "version": d.Credentials.Snapshot().Version()})
}

// putCredential stores the identity for :category and reloads the snapshot.
func (d Deps) putCredential(c *gin.Context) {
	if d.Store == nil || d.Credentials == nil {
		unavailable(c, "credentials")
		return
	}
	var in domain.SenderIdentity
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	in.Category = strings.ToLower(strings.TrimSpace(c.Param("category")))
	if !in.Usable() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from_email or sms_from required"})
		return
	}
	if err := d.Store.PutCredential(c.Request.Context(), in); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := d.Credentials.Reload(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, in.Redacted())
}

func (d Deps) listNotifications(c *gin.Context) {
	if d.Store == nil {
		unavailable(c, "storage")
		return
	}
	limit := defaultNotificationLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxNotificationLimit)
	}
	list, err := d.Store.ListNotifications(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = []domain.Notification{}
	}
	c.JSON(http.StatusOK, list)
}

func (d Deps) markRead(c *gin.Context) {
	if d.Store == nil {
		unavailable(c, "storage")
		return
	}
	err := d.Store.MarkNotificationRead(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.Status(http.StatusNoContent)
	}
}

func (d Deps) schedules(c *gin.Context) {
	if d.Schedules == nil {
		unavailable(c, "scheduler")
		return
	}
	c.JSON(http.StatusOK, d.Schedules.Snapshot())
}
