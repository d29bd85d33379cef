package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/nurture/internal/dispatch"
	"github.com/mohammad-safakhou/nurture/internal/domain"
	"github.com/mohammad-safakhou/nurture/internal/logging"
	"github.com/mohammad-safakhou/nurture/internal/metrics"
	"github.com/mohammad-safakhou/nurture/internal/planner"
	"github.com/mohammad-safakhou/nurture/internal/ratelimit"
	"github.com/mohammad-safakhou/nurture/internal/risk"
	"github.com/mohammad-safakhou/nurture/internal/runtime"
)

// Planner runs nightly planning.
type Planner interface {
	Run(ctx context.Context, req planner.Request) (planner.Summary, error)
}

// Dispatcher sends the current window.
type Dispatcher interface {
	Dispatch(ctx context.Context, now time.Time, opts dispatch.Options) (dispatch.Summary, error)
}

// Analyzer classifies free text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) risk.Analysis
}

// AlertRecorder persists crisis alerts.
type AlertRecorder interface {
	InsertAlert(ctx context.Context, a domain.Alert) error
}

// Handlers serves the invocation surface.
type Handlers struct {
	Planner    Planner
	Dispatcher Dispatcher
	Analyzer   Analyzer
	Alerts     AlertRecorder
	Limits     ratelimit.Routes
	Logger     *zap.Logger
	Now        func() time.Time
}

// NewEcho builds the HTTP surface. Everything under /api requires a valid token.
func NewEcho(h *Handlers, secret []byte) *echo.Echo {
	logger := logging.OrNop(h.Logger).Named("http")
	if h.Now == nil {
		h.Now = time.Now
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		fields := []zap.Field{zap.Int("status", code), zap.String("method", req.Method),
			zap.String("path", req.URL.Path), zap.String("ip", c.RealIP()), zap.Error(err)}
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", fields...)
			msg = http.StatusText(code)
		} else {
			logger.Debug("request rejected", fields...)
		}
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api", runtime.EchoAuthMiddleware(secret))
	api.POST("/plans", h.plans, h.rateLimit(RoutePlans))
	api.POST("/dispatch", h.dispatch, h.rateLimit(RouteDispatch))
	api.POST("/risk/analyze", h.analyzeRisk, h.rateLimit(RouteRisk))
	return e
}

// rateLimit keys the route's limiter by token subject. Limiter outages let the
// request through.
func (h *Handlers) rateLimit(route string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key, ok := runtime.SubjectFromContext(c.Request().Context())
			if !ok {
				key = c.RealIP()
			}
			allowed, err := h.Limits.Allow(c.Request().Context(), route, key)
			if err != nil {
				logging.OrNop(h.Logger).Warn("rate limiter unavailable", zap.String("route", route), zap.Error(err))
				return next(c)
			}
			if !allowed {
				metrics.RateLimitedTotal.WithLabelValues(route).Inc()
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// authorizeTarget enforces that user-scoped calls come from that user and
// batch calls from a scheduler token.
func authorizeTarget(c echo.Context, userID string) error {
	if runtime.HasScope(c, runtime.ScopeScheduler) {
		return nil
	}
	if userID == "" {
		return echo.NewHTTPError(http.StatusForbidden, "missing scope: "+runtime.ScopeScheduler)
	}
	sub, _ := runtime.SubjectFromContext(c.Request().Context())
	if sub != userID {
		return echo.NewHTTPError(http.StatusForbidden, "token subject does not match userId")
	}
	return nil
}

type response struct {
	Success bool        `json:"success"`
	Results interface{} `json:"results"`
}

func (h *Handlers) plans(c echo.Context) error {
	var req planner.Request
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if err := authorizeTarget(c, req.UserID); err != nil {
		return err
	}
	sum, err := h.Planner.Run(c.Request().Context(), req)
	switch {
	case errors.Is(err, domain.ErrInvalidPlanDate):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrProfileNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case err != nil:
		return err
	}
	return c.JSON(http.StatusOK, response{Success: true, Results: sum})
}

func (h *Handlers) dispatch(c echo.Context) error {
	var opts dispatch.Options
	if err := bindOptional(c, &opts); err != nil {
		return err
	}
	opts.UserID = strings.TrimSpace(opts.UserID)
	if err := authorizeTarget(c, opts.UserID); err != nil {
		return err
	}
	sum, err := h.Dispatcher.Dispatch(c.Request().Context(), h.Now(), opts)
	if errors.Is(err, dispatch.ErrInvalidHour) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, response{Success: true, Results: sum})
}

type riskRequest struct {
	Text   string `json:"text"`
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`
}

type riskResponse struct {
	risk.Analysis
	ForbiddenTopic       bool   `json:"forbidden_topic"`
	InterventionResponse string `json:"intervention_response,omitempty"`
	BlockedResponse      string `json:"blocked_response,omitempty"`
}

func (h *Handlers) analyzeRisk(c echo.Context) error {
	var req riskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.UserID != "" {
		if err := authorizeTarget(c, req.UserID); err != nil {
			return err
		}
	}
	ctx := c.Request().Context()
	a := h.Analyzer.Analyze(ctx, req.Text)
	metrics.RiskAnalysesTotal.WithLabelValues(metrics.RiskBand(a.Level)).Inc()

	out := riskResponse{
		Analysis:             a,
		ForbiddenTopic:       risk.ContainsForbiddenTopic(req.Text),
		InterventionResponse: risk.InterventionResponse(a, req.Name),
	}
	if out.ForbiddenTopic && out.InterventionResponse == "" {
		out.BlockedResponse = risk.BlockedResponse
	}
	if a.Crisis() && req.UserID != "" && h.Alerts != nil {
		alert := domain.Alert{
			UserID:        req.UserID,
			AlertType:     "risk_analysis",
			Severity:      a.Level,
			TriggerReason: "flags: " + strings.Join(a.Flags, ", "),
			CreatedAt:     h.Now().UTC(),
		}
		if err := h.Alerts.InsertAlert(ctx, alert); err != nil {
			logging.OrNop(h.Logger).Error("record crisis alert", zap.String("user_id", req.UserID), zap.Error(err))
		} else {
			metrics.AlertsTotal.Inc()
		}
	}
	return c.JSON(http.StatusOK, out)
}

// bindOptional decodes a JSON body when one is present.
func bindOptional(c echo.Context, v interface{}) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	return nil
}

// Run serves app until ctx ends, starting the scheduler when enabled.
func Run(ctx context.Context, app *App, addr string) error {
	secret, err := runtime.LoadJWTSecret(app.Config)
	if err != nil {
		return err
	}
	e := NewEcho(&Handlers{
		Planner:    app.Runner,
		Dispatcher: app.Dispatcher,
		Analyzer:   app.Analyzer,
		Alerts:     app.Store,
		Limits:     app.Limits,
		Logger:     app.Logger,
	}, secret)

	app.RunEvictors(ctx)
	if app.Config.Server.Scheduler {
		sched, err := NewScheduler(app, app.Logger)
		if err != nil {
			return err
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	if addr == "" {
		addr = app.Config.Server.Address
	}
	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info("listening", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
