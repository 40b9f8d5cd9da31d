package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/field-inspector/offline-agent/internal/cache"
	"github.com/field-inspector/offline-agent/internal/config"
	"github.com/field-inspector/offline-agent/internal/logging"
	"github.com/field-inspector/offline-agent/internal/server"
)

// Handler 负责 orchestrate “分类 → 缓存查找 → 回源写缓存 / 离线降级” 的全流程，
// 对外暴露 Fiber handler，内部复用共享 http.Client 与磁盘分区缓存。
type Handler struct {
	client *http.Client
	logger *logrus.Logger
	store  cache.Store
	conn   Connectivity
	app    config.AppConfig

	shellUpstream *url.URL
	apiUpstream   *url.URL
}

// NewHandler constructs the router with shared HTTP client/logger/store and an
// injected connectivity signal.
func NewHandler(
	client *http.Client,
	logger *logrus.Logger,
	store cache.Store,
	conn Connectivity,
	app config.AppConfig,
) (*Handler, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if store == nil {
		return nil, errors.New("cache store is required")
	}
	if conn == nil {
		return nil, errors.New("connectivity is required")
	}

	shellURL, err := url.Parse(app.ShellUpstream)
	if err != nil {
		return nil, fmt.Errorf("parse shell upstream: %w", err)
	}
	apiURL, err := url.Parse(app.APIUpstream)
	if err != nil {
		return nil, fmt.Errorf("parse api upstream: %w", err)
	}

	return &Handler{
		client:        client,
		logger:        logger,
		store:         store,
		conn:          conn,
		app:           app,
		shellUpstream: shellURL,
		apiUpstream:   apiURL,
	}, nil
}

// Handle 实现 server.AgentHandler，按分类结果分派到具体策略。
func (h *Handler) Handle(c fiber.Ctx, route server.Route) error {
	switch route.Kind {
	case server.RouteAPI:
		return h.handleAPI(c, route)
	case server.RouteShell:
		return h.handleShell(c, route)
	default:
		return h.handleBypass(c, route)
	}
}

// handleAPI 对 GET 走 network-first-with-fallback；已知离线且有缓存时直接
// 短路返回缓存。写操作完全绕过缓存，失败原样透出。路径内任何未处理的
// 异常都折叠成 503 离线应答，绝不向调用方抛原始错误。
func (h *Handler) handleAPI(c fiber.Ctx, route server.Route) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)

	defer func() {
		if r := recover(); r != nil {
			h.logger.WithFields(logrus.Fields{
				"action": "api_panic",
				"path":   route.Path,
			}).Error(fmt.Sprintf("panic: %v", r))
			err = h.writeOfflineJSON(c, requestID)
		}
	}()

	if c.Method() != http.MethodGet {
		return h.passThroughWrite(c, route, requestID, started)
	}

	ctx := requestContext(c)
	locator := h.buildLocator(h.app.APIPartition(), c)
	cached := h.lookup(ctx, route, locator)

	if cached != nil && !h.conn.Online() {
		defer cached.Reader.Close()
		return h.serveCache(c, route, cached, requestID, started)
	}

	resp, upstreamURL, fetchErr := h.fetchUpstream(c, h.apiUpstream)
	if fetchErr != nil {
		h.markOffline()
		h.logResult(route, locator.Partition, upstreamURL, requestID, 0, cached != nil, started, fetchErr)
		if cached != nil {
			defer cached.Reader.Close()
			return h.serveCache(c, route, cached, requestID, started)
		}
		return h.writeOfflineJSON(c, requestID)
	}
	h.markOnline()
	if cached != nil {
		cached.Reader.Close()
	}
	defer resp.Body.Close()

	if isCacheableStatus(resp.StatusCode) {
		return h.cacheAndStream(c, route, locator, resp, requestID, started, ctx, upstreamURL)
	}
	return h.relayUpstream(c, route, locator.Partition, resp, requestID, started, upstreamURL)
}

// handleShell 执行 cache-first 策略：命中即回，未命中回源并写透。
// 回源彻底失败时，导航请求降级到缓存的根文档，否则给出 503 文本应答。
func (h *Handler) handleShell(c fiber.Ctx, route server.Route) error {
	started := time.Now()
	requestID := server.RequestID(c)

	if c.Method() != http.MethodGet && c.Method() != http.MethodHead {
		return h.passThroughWrite(c, route, requestID, started)
	}

	ctx := requestContext(c)
	locator := h.buildLocator(h.app.ShellPartition(), c)

	if cached := h.lookup(ctx, route, locator); cached != nil {
		defer cached.Reader.Close()
		return h.serveCache(c, route, cached, requestID, started)
	}

	resp, upstreamURL, fetchErr := h.fetchUpstream(c, h.shellUpstream)
	if fetchErr != nil {
		h.markOffline()
		h.logResult(route, locator.Partition, upstreamURL, requestID, 0, false, started, fetchErr)
		return h.serveShellFallback(c, route, ctx, requestID, started)
	}
	h.markOnline()
	defer resp.Body.Close()

	if isCacheableStatus(resp.StatusCode) && c.Method() == http.MethodGet {
		return h.cacheAndStream(c, route, locator, resp, requestID, started, ctx, upstreamURL)
	}
	return h.relayUpstream(c, route, locator.Partition, resp, requestID, started, upstreamURL)
}

// handleBypass 对外部 origin 的请求做纯转发：不读写缓存，不附加代理头。
func (h *Handler) handleBypass(c fiber.Ctx, route server.Route) error {
	target := &url.URL{
		Scheme: c.Protocol(),
		Host:   route.Host,
	}
	upstreamURL := resolveUpstreamURL(target, c)

	req, err := http.NewRequestWithContext(requestContext(c), c.Method(), upstreamURL.String(), bytesReader(c.Body()))
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("bypass request failed: %v", err))
	}
	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Host = target.Host

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"action": "bypass",
			"host":   route.Host,
			"error":  err.Error(),
		}).Warn("bypass_failed")
		return fiber.NewError(fiber.StatusBadGateway, "bypass upstream unreachable")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Status(resp.StatusCode)
	if c.Method() == http.MethodHead {
		return nil
	}
	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("bypass stream failed: %v", err))
	}
	return nil
}

// passThroughWrite 转发写操作并按原样透出失败，让应用自行决定重试/暂存。
func (h *Handler) passThroughWrite(c fiber.Ctx, route server.Route, requestID string, started time.Time) error {
	base := h.apiUpstream
	if route.Kind == server.RouteShell {
		base = h.shellUpstream
	}

	resp, upstreamURL, err := h.fetchUpstream(c, base)
	if err != nil {
		h.markOffline()
		h.logResult(route, "", upstreamURL, requestID, 0, false, started, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}
	h.markOnline()
	defer resp.Body.Close()

	return h.relayUpstream(c, route, "", resp, requestID, started, upstreamURL)
}

func (h *Handler) lookup(ctx context.Context, route server.Route, locator cache.Locator) *cache.ReadResult {
	result, err := h.store.Get(ctx, locator)
	switch {
	case err == nil:
		return result
	case errors.Is(err, cache.ErrNotFound):
		return nil
	default:
		h.logger.WithError(err).
			WithFields(logrus.Fields{"partition": locator.Partition, "path": locator.Path}).
			Warn("cache_get_failed")
		return nil
	}
}

func (h *Handler) serveCache(
	c fiber.Ctx,
	route server.Route,
	result *cache.ReadResult,
	requestID string,
	started time.Time,
) error {
	if seeker, ok := result.Reader.(io.ReadSeeker); ok {
		_, _ = seeker.Seek(0, io.SeekStart)
	}

	if contentType := inferContentType(route.Kind, result.Entry.Locator.Path); contentType != "" {
		c.Set("Content-Type", contentType)
	} else {
		c.Response().Header.Del("Content-Type")
	}

	if length := result.Entry.SizeBytes; length > 0 {
		c.Response().Header.SetContentLength(int(length))
	} else {
		c.Response().Header.Del("Content-Length")
	}

	c.Set("X-Offline-Agent-Cache", "hit")
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}

	status := fiber.StatusOK
	c.Status(status)

	if c.Method() == http.MethodHead {
		h.logResult(route, result.Entry.Locator.Partition, "", requestID, status, true, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), result.Reader)
	h.logResult(route, result.Entry.Locator.Partition, "", requestID, status, true, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

// cacheAndStream 将上游正文透写进缓存分区的同时流式返回给客户端。
func (h *Handler) cacheAndStream(
	c fiber.Ctx,
	route server.Route,
	locator cache.Locator,
	resp *http.Response,
	requestID string,
	started time.Time,
	ctx context.Context,
	upstreamURL string,
) error {
	copyResponseHeaders(c, resp.Header)
	c.Set("X-Offline-Agent-Cache", "miss")
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	reader := io.TeeReader(resp.Body, c.Response().BodyWriter())

	opts := cache.PutOptions{ModTime: extractModTime(resp.Header)}
	_, err := h.store.Put(ctx, locator, reader, opts)
	h.logResult(route, locator.Partition, upstreamURL, requestID, resp.StatusCode, false, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("cache_write_failed: %v", err))
	}
	return nil
}

func (h *Handler) relayUpstream(
	c fiber.Ctx,
	route server.Route,
	partition string,
	resp *http.Response,
	requestID string,
	started time.Time,
	upstreamURL string,
) error {
	copyResponseHeaders(c, resp.Header)
	if partition != "" {
		c.Set("X-Offline-Agent-Cache", "miss")
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(route, partition, upstreamURL, requestID, resp.StatusCode, false, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, partition, upstreamURL, requestID, resp.StatusCode, false, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// serveShellFallback 在静态回源彻底失败时生效：导航请求回退到缓存的
// 离线文档，其余请求返回最小化的 503 文本。
func (h *Handler) serveShellFallback(
	c fiber.Ctx,
	route server.Route,
	ctx context.Context,
	requestID string,
	started time.Time,
) error {
	if isNavigation(c) {
		fallback := cache.Locator{
			Partition: h.app.ShellPartition(),
			Path:      h.app.OfflineDocument,
		}
		if result, err := h.store.Get(ctx, fallback); err == nil {
			defer result.Reader.Close()
			c.Set("X-Offline-Agent-Fallback", "document")
			return h.serveCache(c, route, result, requestID, started)
		}
	}
	return h.writeOfflineText(c, requestID)
}

func (h *Handler) writeOfflineJSON(c fiber.Ctx, requestID string) error {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"success": false,
		"error":   "network unavailable and no cached response",
		"offline": true,
	})
}

func (h *Handler) writeOfflineText(c fiber.Ctx, requestID string) error {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Set("Content-Type", "text/plain; charset=utf-8")
	return c.Status(fiber.StatusServiceUnavailable).SendString("offline and not cached")
}

func (h *Handler) fetchUpstream(c fiber.Ctx, base *url.URL) (*http.Response, string, error) {
	upstreamURL := resolveUpstreamURL(base, c)

	req, err := http.NewRequestWithContext(requestContext(c), c.Method(), upstreamURL.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, upstreamURL.String(), err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = upstreamURL.Host
	req.Header.Set("Host", upstreamURL.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())

	resp, err := h.client.Do(req)
	return resp, upstreamURL.String(), err
}

func (h *Handler) markOnline() {
	if reporter, ok := h.conn.(Reporter); ok {
		reporter.MarkOnline()
	}
}

func (h *Handler) markOffline() {
	if reporter, ok := h.conn.(Reporter); ok {
		reporter.MarkOffline()
	}
}

func (h *Handler) logResult(
	route server.Route,
	partition string,
	upstream string,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(string(route.Kind), partition, cacheHit)
	fields["action"] = "route"
	fields["path"] = route.Path
	fields["upstream"] = upstream
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("route_degraded")
		return
	}
	h.logger.WithFields(fields).Info("route_complete")
}

func isCacheableStatus(status int) bool {
	return status == http.StatusOK
}

// isNavigation 判断是否为顶层文档请求：优先看 Sec-Fetch-Dest，
// 缺失时退化为 Accept 是否声明 text/html。
func isNavigation(c fiber.Ctx) bool {
	if dest := string(c.Request().Header.Peek("Sec-Fetch-Dest")); dest != "" {
		return dest == "document"
	}
	accept := string(c.Request().Header.Peek(fiber.HeaderAccept))
	return strings.Contains(accept, "text/html")
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func extractModTime(header http.Header) time.Time {
	if last := header.Get("Last-Modified"); last != "" {
		if parsed, err := http.ParseTime(last); err == nil {
			return parsed.UTC()
		}
	}
	return time.Now().UTC()
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
