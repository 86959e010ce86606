package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/vipul43/finsync-worker/internal/apperr"
	"github.com/vipul43/finsync-worker/internal/config"
	"github.com/vipul43/finsync-worker/internal/service"
)

// Identity headers set by the upstream gateway
const (
	HeaderCompanyID = "X-Company-ID"
	HeaderUserID    = "X-User-ID"
	HeaderSignature = "X-Signature"
)

const identityKey = "identity"

// maxWebhookBody caps inbound webhook payloads
const maxWebhookBody = 1 << 20

type Connector interface {
	StartOAuth(ctx context.Context, id service.Identity, req service.StartRequest) (string, error)
	CompleteOAuth(ctx context.Context, code, state string) (*service.CallbackResult, error)
	Disconnect(ctx context.Context, id service.Identity, environment string) error
	Status(ctx context.Context, companyID int64, environment string) (*service.Status, error)
	TestConnection(ctx context.Context, companyID int64, environment string) (*service.TestResult, error)
	TriggerSync(ctx context.Context, id service.Identity, environment string) (service.Outcome, error)
	GetSettings(ctx context.Context, companyID int64, environment string) (*service.SettingsView, error)
	UpdateSettings(ctx context.Context, id service.Identity, req service.SettingsUpdate) (*service.SettingsView, error)
}

type WebhookReceiver interface {
	Receive(ctx context.Context, body []byte, signature string) (*service.WebhookResult, error)
}

// Server exposes the connector operations over HTTP
type Server struct {
	connect    Connector
	webhooks   WebhookReceiver
	gatherer   prometheus.Gatherer
	ping       func(ctx context.Context) error
	defaultEnv string
}

type Option func(*Server)

// WithMetrics serves the gatherer at /metrics
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithHealthCheck makes /healthz report 503 when ping fails
func WithHealthCheck(ping func(ctx context.Context) error) Option {
	return func(s *Server) { s.ping = ping }
}

func NewServer(connect Connector, webhooks WebhookReceiver, defaultEnv string, opts ...Option) *Server {
	if defaultEnv == "" {
		defaultEnv = config.EnvSandbox
	}
	s := &Server{connect: connect, webhooks: webhooks, defaultEnv: defaultEnv}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// New returns an echo instance with every route registered
func (s *Server) New() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler
	s.RegisterRoutes(e)
	return e
}

func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", s.Health)
	if s.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})))
	}
	e.POST("/webhooks/wise", s.Webhook)

	g := e.Group("/connectors/wise")
	// the provider redirects the browser here, so no gateway identity is present
	g.GET("/oauth/callback", s.OAuthCallback)

	authed := g.Group("", RequireIdentity)
	authed.GET("/oauth/start", s.OAuthStart)
	authed.POST("/disconnect", s.Disconnect)
	authed.GET("/status", s.Status)
	authed.POST("/sync", s.TriggerSync)
	authed.GET("/settings", s.GetSettings)
	authed.PATCH("/settings", s.UpdateSettings)
	authed.GET("/test", s.TestConnection)
}

// RequireIdentity rejects requests without a numeric tenant header
func RequireIdentity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		companyID, err := strconv.ParseInt(c.Request().Header.Get(HeaderCompanyID), 10, 64)
		if err != nil || companyID <= 0 {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing tenant identity")
		}
		var userID int64
		if raw := c.Request().Header.Get(HeaderUserID); raw != "" {
			userID, err = strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid user identity")
			}
		}
		c.Set(identityKey, service.Identity{CompanyID: companyID, UserID: userID})
		return next(c)
	}
}

func identity(c echo.Context) service.Identity {
	id, _ := c.Get(identityKey).(service.Identity)
	return id
}

func (s *Server) environment(c echo.Context) (string, error) {
	env := c.QueryParam("environment")
	if env == "" {
		return s.defaultEnv, nil
	}
	if !config.ValidEnvironment(env) {
		return "", apperr.Validation("environment must be sandbox or production")
	}
	return env, nil
}

func (s *Server) Health(c echo.Context) error {
	if s.ping != nil {
		if err := s.ping(c.Request().Context()); err != nil {
			log.Error().Err(err).Msg("Health check failed")
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) OAuthStart(c echo.Context) error {
	env, err := s.environment(c)
	if err != nil {
		return err
	}
	includeWrite, _ := strconv.ParseBool(c.QueryParam("include_write"))
	url, err := s.connect.StartOAuth(c.Request().Context(), identity(c), service.StartRequest{
		Environment:  env,
		ReturnURL:    c.QueryParam("return_url"),
		IncludeWrite: includeWrite,
	})
	if err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, url)
}

func (s *Server) OAuthCallback(c echo.Context) error {
	result, err := s.connect.CompleteOAuth(c.Request().Context(), c.QueryParam("code"), c.QueryParam("state"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) Disconnect(c echo.Context) error {
	env, err := s.environment(c)
	if err != nil {
		return err
	}
	if err := s.connect.Disconnect(c.Request().Context(), identity(c), env); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) Status(c echo.Context) error {
	env, err := s.environment(c)
	if err != nil {
		return err
	}
	status, err := s.connect.Status(c.Request().Context(), identity(c).CompanyID, env)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) TriggerSync(c echo.Context) error {
	env, err := s.environment(c)
	if err != nil {
		return err
	}
	outcome, err := s.connect.TriggerSync(c.Request().Context(), identity(c), env)
	if err != nil {
		return err
	}
	code := http.StatusAccepted
	if outcome == service.OutcomeLocked {
		code = http.StatusConflict
	}
	return c.JSON(code, map[string]string{"status": string(outcome)})
}

func (s *Server) GetSettings(c echo.Context) error {
	env, err := s.environment(c)
	if err != nil {
		return err
	}
	view, err := s.connect.GetSettings(c.Request().Context(), identity(c).CompanyID, env)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) UpdateSettings(c echo.Context) error {
	var req service.SettingsUpdate
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid settings payload")
	}
	view, err := s.connect.UpdateSettings(c.Request().Context(), identity(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) TestConnection(c echo.Context) error {
	env, err := s.environment(c)
	if err != nil {
		return err
	}
	result, err := s.connect.TestConnection(c.Request().Context(), identity(c).CompanyID, env)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// Webhook verifies the raw body, so it must not be bound or re-encoded first
func (s *Server) Webhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return apperr.Validation("unreadable webhook body")
	}
	result, err := s.webhooks.Receive(c.Request().Context(), body, c.Request().Header.Get(HeaderSignature))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

type errorResponse struct {
	Error string `json:"error"`
}

// ErrorHandler renders apperr kinds with their status and sanitized message
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := apperr.HTTPStatus(err)
	msg := apperr.Public(err)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(he.Code)
		}
	}

	event := log.Warn()
	if code >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).
		Str("method", c.Request().Method).
		Str("path", c.Path()).
		Int("status", code).
		Msg("Request failed")

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, errorResponse{Error: msg})
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to write error response")
	}
}
