package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AgentHandler describes the component that applies the offline fetch
// strategies. It allows injecting fake handlers during tests.
type AgentHandler interface {
	Handle(fiber.Ctx, Route) error
}

// AgentHandlerFunc adapts a function to the AgentHandler interface.
type AgentHandlerFunc func(fiber.Ctx, Route) error

// Handle makes AgentHandlerFunc satisfy AgentHandler.
func (f AgentHandlerFunc) Handle(c fiber.Ctx, route Route) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Classifier *Classifier
	Agent      AgentHandler
	ListenPort int
}

const (
	contextKeyRoute     = "_offline_agent_route"
	contextKeyRequestID = "_offline_agent_request_id"
)

// NewApp builds a Fiber application with request classification middleware
// and structured error handling. Control-surface routes under /-/ must be
// registered after NewApp; the catch-all forwards them via c.Next().
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if opts.Agent == nil {
		return nil, errors.New("agent handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isControlPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		route, ok := getRouteFromContext(c)
		if !ok {
			// 中间件总会写入 Route；缺失意味着链路被绕过。
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "route_unclassified",
			})
		}
		return opts.Agent.Handle(c, route)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并对非控制面请求做策略分类。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)

		path := string(c.Request().URI().Path())
		if isControlPath(path) {
			c.Set("X-Request-ID", reqID)
			return c.Next()
		}

		rawHost := strings.TrimSpace(getHostHeader(c))
		route := Route{
			Kind: opts.Classifier.Classify(rawHost, path),
			Host: rawHost,
			Path: path,
		}
		// Bypass 响应保持原样，不附加任何代理头。
		if route.Kind != RouteBypass {
			c.Set("X-Request-ID", reqID)
		}
		c.Locals(contextKeyRoute, route)
		return c.Next()
	}
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func getRouteFromContext(c fiber.Ctx) (Route, bool) {
	if value := c.Locals(contextKeyRoute); value != nil {
		if route, ok := value.(Route); ok {
			return route, true
		}
	}
	return Route{}, false
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

func isControlPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
