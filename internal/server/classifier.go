package server

import (
	"errors"
	"net"
	"strings"

	"github.com/field-inspector/offline-agent/internal/config"
)

// RouteKind 描述单个请求应落入的处理策略。
type RouteKind string

const (
	// RouteBypass 既不属于应用自身 origin 也不匹配远端 API 域名，原样放行。
	RouteBypass RouteKind = "bypass"
	// RouteAPI 命中 API 前缀或远端 API 域名，走 network-first 策略。
	RouteAPI RouteKind = "api"
	// RouteShell 应用自身 origin 的静态资源，走 cache-first 策略。
	RouteShell RouteKind = "shell"
)

// Route 是分类结果，由中间件写入请求上下文供 handler 取用。
type Route struct {
	Kind RouteKind
	Host string
	Path string
}

// Classifier 按配置的应用域名 / API 域名模式 / API 路径前缀对请求分类。
type Classifier struct {
	appHost   string
	apiHost   string
	apiSuffix string
	apiPrefix string
}

// NewClassifier 从 App 配置构建分类器；AppHost 为必填项。
func NewClassifier(app config.AppConfig) (*Classifier, error) {
	if app.AppHost == "" {
		return nil, errors.New("app host is required")
	}

	c := &Classifier{
		appHost:   normalizeHost(app.AppHost),
		apiPrefix: app.APIPrefix,
	}
	if pattern := strings.TrimSpace(app.APIHost); pattern != "" {
		if strings.HasPrefix(pattern, "*.") {
			c.apiSuffix = normalizeHost(pattern[1:]) // 保留前导点作后缀匹配
		} else {
			c.apiHost = normalizeHost(pattern)
		}
	}
	return c, nil
}

// Classify 依照规则给出策略：先排除外部 origin，再区分 API 与静态壳层。
func (c *Classifier) Classify(host, path string) RouteKind {
	normalized := normalizeHost(host)
	sameOrigin := normalized == c.appHost
	apiOrigin := c.matchesAPIHost(normalized)

	if !sameOrigin && !apiOrigin {
		return RouteBypass
	}
	if apiOrigin {
		return RouteAPI
	}
	if c.apiPrefix != "" && strings.HasPrefix(path, c.apiPrefix) {
		return RouteAPI
	}
	return RouteShell
}

func (c *Classifier) matchesAPIHost(host string) bool {
	if c.apiHost != "" && host == c.apiHost {
		return true
	}
	if c.apiSuffix != "" && strings.HasSuffix(host, c.apiSuffix) {
		return true
	}
	return false
}

// normalizeHost 忽略端口与大小写，使 Host 头的各种写法等价。
func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
