package agent

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/field-inspector/offline-agent/internal/cache"
	"github.com/field-inspector/offline-agent/internal/server"
)

// buildLocator 把请求标识（路径 + 查询串）折叠为分区内的缓存路径。
// 查询串以 sha1 摘要形式拼接，避免文件名含有非法字符。
func (h *Handler) buildLocator(partition string, c fiber.Ctx) cache.Locator {
	clean := normalizeRequestPath(string(c.Request().URI().Path()))
	if query := c.Request().URI().QueryString(); len(query) > 0 {
		sum := sha1.Sum(query)
		clean = fmt.Sprintf("%s/__qs/%s", clean, hex.EncodeToString(sum[:]))
	}
	return cache.Locator{
		Partition: partition,
		Path:      clean,
	}
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	return path.Clean("/" + raw)
}

func stripQueryMarker(p string) string {
	if idx := strings.Index(p, "/__qs/"); idx >= 0 {
		return p[:idx]
	}
	return p
}

// resolveUpstreamURL 在上游 base 上解析出本次请求的完整地址。
func resolveUpstreamURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	relative := &url.URL{Path: clean, RawPath: clean}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return base.ResolveReference(relative)
}

// inferContentType 根据缓存路径猜测 Content-Type；缓存只存正文，
// 命中时需要重建响应头。API 分区默认按 JSON 处理。
func inferContentType(kind server.RouteKind, p string) string {
	clean := stripQueryMarker(p)
	switch {
	case clean == "/" || clean == "":
		return "text/html; charset=utf-8"
	case strings.HasSuffix(clean, ".html"):
		return "text/html; charset=utf-8"
	case strings.HasSuffix(clean, ".js"):
		return "text/javascript; charset=utf-8"
	case strings.HasSuffix(clean, ".css"):
		return "text/css; charset=utf-8"
	case strings.HasSuffix(clean, ".webmanifest"), strings.HasSuffix(clean, "manifest.json"):
		return "application/manifest+json"
	case strings.HasSuffix(clean, ".json"):
		return "application/json"
	case strings.HasSuffix(clean, ".png"):
		return "image/png"
	case strings.HasSuffix(clean, ".svg"):
		return "image/svg+xml"
	case strings.HasSuffix(clean, ".ico"):
		return "image/x-icon"
	case strings.HasSuffix(clean, ".woff2"):
		return "font/woff2"
	case strings.HasSuffix(clean, ".txt"):
		return "text/plain; charset=utf-8"
	}

	if kind == server.RouteAPI {
		return "application/json"
	}
	return ""
}
