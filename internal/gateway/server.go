package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"creativepipe/internal/bus"
	"creativepipe/internal/campaign"
	"creativepipe/internal/logging"
	"creativepipe/internal/metrics"
	"creativepipe/internal/store"
)

const (
	defaultBodyLimitKB = 256
	defaultPresignTTL  = 7 * 24 * time.Hour
	defaultStaleAfter  = 15 * time.Minute
	shutdownTimeout    = 5 * time.Second
)

// Store is the slice of the campaign store the gateway reads and writes.
type Store interface {
	CreateCampaign(ctx context.Context, c *campaign.Campaign) error
	GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error)
	ListCampaigns(ctx context.Context, filter store.ListFilter) ([]*campaign.Campaign, int, error)
	AddApproval(ctx context.Context, id string, a campaign.Approval) error
	AddRevision(ctx context.Context, id string, r campaign.Revision) error
}

// Launcher starts the pipeline for an accepted campaign without blocking.
type Launcher interface {
	Launch(c *campaign.Campaign)
}

// Presigner mints operator links to stored objects.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Deps wires the gateway.
type Deps struct {
	Store       Store
	Launcher    Launcher
	Publisher   bus.Publisher
	Blobs       Presigner
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	Clock       func() time.Time
	BodyLimitKB int
	PresignTTL  time.Duration
	StaleAfter  time.Duration
}

// Server is the operator HTTP API.
type Server struct {
	app        *fiber.App
	store      Store
	launcher   Launcher
	publisher  bus.Publisher
	blobs      Presigner
	metrics    *metrics.Metrics
	logger     *zap.Logger
	clock      func() time.Time
	validate   *validator.Validate
	presignTTL time.Duration
	staleAfter time.Duration
}

// New builds the fiber app and registers every route.
func New(deps Deps) *Server {
	s := &Server{
		store:      deps.Store,
		launcher:   deps.Launcher,
		publisher:  deps.Publisher,
		blobs:      deps.Blobs,
		metrics:    deps.Metrics,
		logger:     logging.NewComponentLogger(deps.Logger, "gateway"),
		clock:      deps.Clock,
		validate:   newValidator(),
		presignTTL: deps.PresignTTL,
		staleAfter: deps.StaleAfter,
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.presignTTL <= 0 {
		s.presignTTL = defaultPresignTTL
	}
	if s.staleAfter <= 0 {
		s.staleAfter = defaultStaleAfter
	}
	bodyLimit := deps.BodyLimitKB
	if bodyLimit <= 0 {
		bodyLimit = defaultBodyLimitKB
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "creativepipe",
		BodyLimit:             bodyLimit * 1024,
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           60 * time.Second,
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New())
	s.app.Use(requestid.New())
	s.app.Use(s.logRequests)

	s.app.Get("/healthz", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))

	s.app.Post("/campaigns", s.handleCreate)
	s.app.Get("/campaigns", s.handleList)
	s.app.Get("/campaigns/:id", s.handleGet)
	s.app.Get("/campaigns/:id/status", s.handleStatus)
	s.app.Get("/campaigns/:id/artifacts", s.handleArtifacts)
	s.app.Post("/campaigns/:id/approve", s.handleApprove)
	s.app.Post("/campaigns/:id/revision", s.handleRevision)
	return s
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run serves on bind until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, bind string) error {
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.logger.Info("gateway listening", zap.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listener(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
			s.logger.Warn("gateway shutdown incomplete",
				zap.Error(err),
				logging.EventType("gateway_shutdown"),
				logging.ErrorHint("in-flight requests were cut off"),
			)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway serve: %w", err)
		}
		return nil
	}
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// handleError maps domain errors onto HTTP status codes.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal error"

	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
		message = fe.Message
	case errors.Is(err, store.ErrNotFound):
		code = fiber.StatusNotFound
		message = "campaign not found"
	case errors.Is(err, store.ErrAlreadyExists):
		code = fiber.StatusConflict
		message = err.Error()
	case errors.Is(err, campaign.ErrInvalid):
		code = fiber.StatusBadRequest
		message = err.Error()
	}

	if code >= fiber.StatusInternalServerError {
		logging.ErrorWithContext(s.logger, "gateway request failed", "gateway_error",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
			logging.ErrorHint("check store and bus connectivity"),
		)
	}
	return c.Status(code).JSON(errorBody{Error: message, RequestID: requestID(c)})
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := s.clock()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
	}
	s.logger.Debug("gateway request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.Duration("elapsed", s.clock().Sub(start)),
		zap.String("request_id", requestID(c)),
	)
	return err
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok {
		return id
	}
	return ""
}
