package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"arbitrage-core/internal/arbitrage"
	"arbitrage-core/internal/events"
	"arbitrage-core/internal/monitor"
	"arbitrage-core/internal/session"
	"arbitrage-core/internal/signal"
	"arbitrage-core/internal/venue"
	"arbitrage-core/pkg/config"
)

// SignalHandler runs a validated signal through the cross-venue protocol.
type SignalHandler interface {
	Handle(ctx context.Context, sig signal.Signal) (*arbitrage.Result, error)
}

// SessionControl is the operator view of the venue B session.
type SessionControl interface {
	Snapshot() session.Snapshot
	Reset()
}

// CodeReceiver accepts OAuth authorization codes from the redirect.
type CodeReceiver interface {
	Deliver(code string) bool
}

// Auditor runs an on-demand exposure audit.
type Auditor interface {
	Audit(ctx context.Context) (*arbitrage.AuditReport, error)
}

// Options collect the server's collaborators. Nil collaborators disable their routes'
// behavior with 503 responses.
type Options struct {
	Signals  SignalHandler
	Session  SessionControl
	Alor     venue.PositionQuery
	Ctrader  venue.PositionQuery
	Codes    CodeReceiver
	Auditor  Auditor
	Bus      *events.Bus
	Metrics  *monitor.Metrics
	Pairs    config.Pairs
	Instance string

	WebhookSecret    string
	WebhookRateLimit float64
	WebhookBurst     int
	JWTSecret        string
	OperatorUser     string
	OperatorPassHash string

	Logger zerolog.Logger
}

// Server wires HTTP endpoints around the synchronizer and session.
type Server struct {
	Router *gin.Engine
	opts   Options
	log    zerolog.Logger
}

func NewServer(opts Options) *Server {
	r := gin.New()
	log := opts.Logger.With().Str("component", "api").Logger()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	var obs HTTPObserver
	if opts.Metrics != nil {
		obs = opts.Metrics
	}
	r.Use(RequestLogger(log, obs))
	r.Use(CORSMiddleware())

	s := &Server{Router: r, opts: opts, log: log}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.opts.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.opts.Metrics.Handler()))
	}

	hook := s.Router.Group("/webhook")
	hook.Use(RateLimitMiddleware(newIPLimiters(s.opts.WebhookRateLimit, s.opts.WebhookBurst)))
	{
		hook.POST("/tradingview", s.tradingViewWebhook)
	}

	s.Router.GET("/ctrader/callback", s.ctraderCallback)

	api := s.Router.Group("/api")
	api.Use(RateLimitMiddleware(newIPLimiters(20, 50)))
	api.Use(TimeoutMiddleware(30 * time.Second))
	{
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.opts.JWTSecret))
		{
			protected.GET("/session", s.getSession)
			protected.POST("/session/reset", s.resetSession)
			protected.GET("/positions", s.getPositions)
			protected.GET("/audit", s.runAudit)
			protected.GET("/metrics", s.getMetrics)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	out := gin.H{"status": "ok", "instance": s.opts.Instance}
	if s.opts.Session != nil {
		snap := s.opts.Session.Snapshot()
		out["session"] = snap.StateName
		out["trading"] = snap.State.Ready()
	}
	c.JSON(http.StatusOK, out)
}
