// Package keyserver is a reference key server: it holds one IBE master key
// and releases user secret keys for identities whose approval transaction
// passes its Policy.
package keyserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"groupseal/internal/approve"
	"groupseal/internal/identity"
	"groupseal/internal/protocol"
	"groupseal/internal/sealcrypto"
	"groupseal/internal/sealerr"
	"groupseal/internal/sessionkey"
	"groupseal/internal/sui"
)

// Config configures a Server.
type Config struct {
	// ObjectID is the on-chain id clients know this server by.
	ObjectID  sui.ObjectID
	MasterKey *sealcrypto.MasterKey
	Policy    Policy

	// Packages restricts which packages may be served. Empty allows all.
	Packages []sui.ObjectID

	Logger *zap.Logger
	// Registry receives the server's metrics and backs /metrics. A private
	// registry is created when nil.
	Registry *prometheus.Registry
	Now      func() time.Time
}

// Server serves the key-server HTTP API.
type Server struct {
	cfg      Config
	echo     *echo.Echo
	logger   *zap.Logger
	metrics  *metrics
	packages map[sui.ObjectID]bool
}

// New validates cfg and sets up routes.
func New(cfg Config) (*Server, error) {
	if cfg.MasterKey == nil {
		return nil, errors.New("keyserver: master key is required")
	}
	if cfg.Policy == nil {
		return nil, errors.New("keyserver: policy is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{
		cfg:     cfg,
		echo:    echo.New(),
		logger:  cfg.Logger.With(zap.Stringer("service", cfg.ObjectID)),
		metrics: newMetrics(cfg.Registry),
	}
	if len(cfg.Packages) > 0 {
		s.packages = make(map[sui.ObjectID]bool, len(cfg.Packages))
		for _, p := range cfg.Packages {
			s.packages[p] = true
		}
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

// Echo returns the underlying Echo instance for testing.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("key server listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator:    uuid.NewString,
		TargetHeader: protocol.RequestIDHeader,
	}))
	s.echo.Use(s.requestLogger)
}

func (s *Server) setupRoutes() {
	s.echo.GET(protocol.ServicePath, s.handleService)
	s.echo.POST(protocol.FetchKeyPath, s.handleFetchKey)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{})))
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		elapsed := time.Since(start)

		s.metrics.duration.WithLabelValues(c.Path()).Observe(elapsed.Seconds())
		s.logger.Info("request",
			zap.String("request_id", c.Response().Header().Get(protocol.RequestIDHeader)),
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().Status),
			zap.Duration("elapsed", elapsed))
		return nil
	}
}

func (s *Server) handleService(c echo.Context) error {
	if q := c.QueryParam("service_id"); q != "" {
		id, err := sui.ParseAddress(q)
		if err != nil || id != s.cfg.ObjectID {
			return writeError(c, &protocol.Error{Status: http.StatusNotFound, Code: protocol.InvalidParameter, Message: "unknown service id"})
		}
	}

	pk, err := sealcrypto.MarshalPublicKey(s.cfg.MasterKey.PublicKey())
	if err != nil {
		return writeError(c, &protocol.Error{Status: http.StatusInternalServerError, Code: protocol.Failure})
	}
	return c.JSON(http.StatusOK, protocol.ServiceResponse{ServiceID: s.cfg.ObjectID, PublicKey: pk})
}

func (s *Server) handleFetchKey(c echo.Context) error {
	var req protocol.FetchKeyRequest
	if err := c.Bind(&req); err != nil {
		s.metrics.requests.WithLabelValues(string(protocol.InvalidParameter)).Inc()
		return writeError(c, &protocol.Error{Status: http.StatusBadRequest, Code: protocol.InvalidParameter, Message: "invalid request body"})
	}

	resp, err := s.FetchKeys(c.Request().Context(), &req)
	if err != nil {
		var perr *protocol.Error
		if !errors.As(err, &perr) {
			perr = &protocol.Error{Status: http.StatusServiceUnavailable, Code: protocol.Failure}
		}
		s.metrics.requests.WithLabelValues(string(perr.Code)).Inc()
		s.logger.Info("fetch_key refused",
			zap.String("request_id", c.Response().Header().Get(protocol.RequestIDHeader)),
			zap.Stringer("user", req.Certificate.User),
			zap.String("code", string(perr.Code)),
			zap.Error(err))
		return writeError(c, perr)
	}

	s.metrics.requests.WithLabelValues("ok").Inc()
	s.metrics.keys.Add(float64(len(resp.DecryptionKeys)))
	return c.JSON(http.StatusOK, resp)
}

func writeError(c echo.Context, e *protocol.Error) error {
	return c.JSON(e.Status, protocol.ErrorResponse{Code: e.Code, Message: e.Message})
}

// FetchKeys runs the full authorization pipeline for one request. Errors
// are *protocol.Error values.
func (s *Server) FetchKeys(ctx context.Context, req *protocol.FetchKeyRequest) (*protocol.FetchKeyResponse, error) {
	approval, err := approve.Parse(req.PTB)
	if err != nil {
		return nil, denied(http.StatusBadRequest, protocol.InvalidPTB, err)
	}

	pkg := approval.Calls[0].Package
	for _, call := range approval.Calls[1:] {
		if call.Package != pkg {
			return nil, denied(http.StatusBadRequest, protocol.InvalidPTB, errors.New("calls target more than one package"))
		}
	}
	if s.packages != nil && !s.packages[pkg] {
		return nil, denied(http.StatusForbidden, protocol.InvalidPackage, fmt.Errorf("package %s is not served", pkg))
	}

	if err := sessionkey.VerifyCertificate(req.Certificate, pkg, s.cfg.Now()); err != nil {
		if errors.Is(err, sealerr.ErrSessionKeyExpired) {
			return nil, denied(http.StatusForbidden, protocol.ExpiredSessionCert, err)
		}
		return nil, denied(http.StatusForbidden, protocol.InvalidCertificate, err)
	}
	if !sessionkey.VerifyRequest(req.Certificate, req.PTB, req.EncKey, req.RequestSignature) {
		return nil, denied(http.StatusForbidden, protocol.InvalidSignature, errors.New("request signature does not verify"))
	}

	for _, call := range approval.Calls {
		if err := s.cfg.Policy.Approve(ctx, req.Certificate.User, call); err != nil {
			if errors.Is(err, ErrNoAccess) {
				return nil, denied(http.StatusForbidden, protocol.NoAccess, err)
			}
			return nil, &protocol.Error{Status: http.StatusServiceUnavailable, Code: protocol.Failure, Message: err.Error()}
		}
	}

	resp := &protocol.FetchKeyResponse{DecryptionKeys: make([]protocol.DecryptionKey, 0, len(approval.Calls))}
	for _, call := range approval.Calls {
		id := identity.New(call.Package, call.ID)
		usk := s.cfg.MasterKey.ExtractUserKey(id.FullID())

		ct, err := sealcrypto.ElGamalEncrypt(req.EncKey, usk)
		if err != nil {
			return nil, denied(http.StatusBadRequest, protocol.InvalidParameter, err)
		}
		parts, err := ct.Marshal()
		if err != nil {
			return nil, &protocol.Error{Status: http.StatusInternalServerError, Code: protocol.Failure}
		}
		resp.DecryptionKeys = append(resp.DecryptionKeys, protocol.DecryptionKey{ID: id.ID, EncryptedKey: parts})
	}
	return resp, nil
}

func denied(status int, code protocol.ErrorCode, cause error) *protocol.Error {
	return &protocol.Error{Status: status, Code: code, Message: cause.Error()}
}
