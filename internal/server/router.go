package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/readcache/internal/cachegroup"
	"github.com/any-hub/readcache/internal/content"
	"github.com/any-hub/readcache/internal/logging"
)

// CacheService describes the cache operations the HTTP API needs. It allows
// injecting fakes during tests; *cachegroup.Manager satisfies it.
type CacheService interface {
	SetCached(ctx context.Context, rawURL string, enabled bool) error
	IsCached(ctx context.Context, rawURL string) (bool, error)
	Open(ctx context.Context, key string) (*content.ReadResult, error)
	Events() *cachegroup.EventLog
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Cache      CacheService
	ListenPort int
}

const contextKeyRequestID = "_readcache_request_id"

// NewApp builds a Fiber application with request-id/access-log middleware,
// panic recovery and the /api routes.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache service is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	registerAPIRoutes(app, opts.Cache, opts.Logger)
	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并在请求结束后输出访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()

		path := string(c.Request().URI().Path())
		status := c.Response().StatusCode()
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			status = fiberErr.Code
		}
		entry := logger.WithFields(logging.RequestFields(c.Method(), path, reqID, status))
		if isDiagnosticsPath(path) {
			entry.Debug("request")
		} else {
			entry.Info("request")
		}
		return err
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
