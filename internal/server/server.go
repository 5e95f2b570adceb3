// Package server exposes the HTTP surface: health, metrics, run triggers, newsletter and Stripe endpoints.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"

	"github.com/Felixdiamond/growth-hub/internal/lifecycle"
	"github.com/Felixdiamond/growth-hub/internal/newsletter"
	"github.com/Felixdiamond/growth-hub/internal/pipeline"
	"github.com/Felixdiamond/growth-hub/internal/storage"
)

// maxWebhookBody matches the payload ceiling Stripe documents for webhook events.
const maxWebhookBody = 65536

// Trigger starts a pipeline run on demand.
type Trigger interface {
	Trigger(ctx context.Context, opts pipeline.Options) (*pipeline.Report, error)
}

// Newsletter manages subscribers.
type Newsletter interface {
	Subscribe(ctx context.Context, email string) error
	Verify(ctx context.Context, token string) (newsletter.VerifyOutcome, error)
	Unsubscribe(ctx context.Context, email string) error
}

// Webhook applies signed Stripe events.
type Webhook interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// Config holds the values handlers need.
type Config struct {
	CronSecret string
	ChannelID  string
	SiteURL    string
	Version    string

	// SubscribeRate is the per-client allowance for the subscribe endpoint.
	// A zero Limit means five requests per minute.
	SubscribeRate limiter.Rate
}

// Deps are the collaborators behind the handlers.
type Deps struct {
	State      *lifecycle.State
	Runs       Trigger
	Newsletter Newsletter
	Donations  Webhook
	Metrics    http.Handler
	Log        *slog.Logger
}

// Server routes HTTP requests.
type Server struct {
	cfg    Config
	deps   Deps
	now    func() time.Time
	engine *gin.Engine
}

// New builds the router.
func New(cfg Config, deps Deps) *Server {
	if cfg.SubscribeRate.Limit == 0 {
		cfg.SubscribeRate = defaultSubscribeRate
	}
	cfg.SiteURL = strings.TrimRight(cfg.SiteURL, "/")

	s := &Server{
		cfg:  cfg,
		deps: deps,
		now:  time.Now,
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	r.GET("/api/cron/check-videos", s.cron)
	r.POST("/api/cron/check-videos", s.cron)
	r.GET("/api/test/notify", s.testNotify)

	news := r.Group("/api/newsletter")
	news.POST("/subscribe", rateLimit(cfg.SubscribeRate, deps.Log), s.subscribe)
	news.GET("/verify", s.verify)
	news.GET("/unsubscribe", s.unsubscribe)

	r.POST("/api/stripe/webhook", s.stripeWebhook)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	s.engine = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.deps.Log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	snap := s.deps.State.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":        snap.Status,
		"timestamp":     s.now().UTC(),
		"lastCheck":     snap.LastCheck,
		"lastRunTime":   snap.LastRunTime,
		"lastRunStatus": snap.LastRunStatus,
		"nextRun":       snap.NextRun,
		"version":       s.cfg.Version,
	})
}

func (s *Server) authorized(token string) bool {
	return s.cfg.CronSecret != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.CronSecret)) == 1
}

func (s *Server) cron(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || !s.authorized(token) {
		s.deps.Log.Warn("unauthorized cron request", "remote_addr", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	opts := pipeline.Options{
		ChannelID: c.DefaultQuery("channelId", s.cfg.ChannelID),
		Test:      c.Query("test") == "true",
	}
	s.run(c, opts)
}

func (s *Server) testNotify(c *gin.Context) {
	if !s.authorized(c.Query("secret")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	s.run(c, pipeline.Options{ChannelID: s.cfg.ChannelID, Test: true})
}

func (s *Server) run(c *gin.Context, opts pipeline.Options) {
	report, err := s.deps.Runs.Trigger(c.Request.Context(), opts)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, lifecycle.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service is shutting down"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
	default:
		c.JSON(http.StatusOK, report)
	}
}

type subscribeRequest struct {
	Email string `json:"email"`
}

func (s *Server) subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": newsletter.ErrInvalidEmail.Error()})
		return
	}

	err := s.deps.Newsletter.Subscribe(c.Request.Context(), req.Email)
	switch {
	case errors.Is(err, newsletter.ErrInvalidEmail), errors.Is(err, newsletter.ErrAlreadySubscribed):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, newsletter.ErrQuotaExhausted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case err != nil:
		s.deps.Log.Error("subscribe failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send verification email"})
	default:
		c.JSON(http.StatusOK, gin.H{"message": "Verification email sent"})
	}
}

func (s *Server) verify(c *gin.Context) {
	outcome, err := s.deps.Newsletter.Verify(c.Request.Context(), c.Query("token"))
	switch {
	case errors.Is(err, newsletter.ErrMissingToken), errors.Is(err, newsletter.ErrInvalidToken):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		s.deps.Log.Error("verify failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify email"})
	case outcome == newsletter.AlreadyVerified:
		c.JSON(http.StatusOK, gin.H{"message": "Email already verified"})
	default:
		c.Redirect(http.StatusFound, s.cfg.SiteURL+"/newsletter/success")
	}
}

func (s *Server) unsubscribe(c *gin.Context) {
	err := s.deps.Newsletter.Unsubscribe(c.Request.Context(), c.Query("email"))
	switch {
	case errors.Is(err, newsletter.ErrMissingEmail):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Subscriber not found"})
	case err != nil:
		s.deps.Log.Error("unsubscribe failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unsubscribe"})
	default:
		c.Redirect(http.StatusFound, s.cfg.SiteURL+"/newsletter/unsubscribe-success")
	}
}

func (s *Server) stripeWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}
	if err := s.deps.Donations.HandleWebhook(c.Request.Context(), body, c.GetHeader("Stripe-Signature")); err != nil {
		s.deps.Log.Warn("stripe webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Webhook handler failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
