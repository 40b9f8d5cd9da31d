package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.ProbeInterval.DurationValue() <= 0 {
		return newFieldError("Global.ProbeInterval", "必须大于 0")
	}

	a := c.App
	if a.Name == "" {
		return newFieldError(appField("Name"), "不能为空")
	}
	if strings.ContainsAny(a.Name, "/\\ ") {
		return newFieldError(appField("Name"), "不允许包含路径分隔符或空格")
	}
	if a.CacheVersion == "" {
		return newFieldError(appField("CacheVersion"), "不能为空")
	}
	if strings.ContainsAny(a.CacheVersion, "/\\ ") {
		return newFieldError(appField("CacheVersion"), "不允许包含路径分隔符或空格")
	}

	if err := validateHost(a.AppHost); err != nil {
		return fmt.Errorf("%s: %w", appField("AppHost"), err)
	}
	if a.APIHost != "" {
		if err := validateHostPattern(a.APIHost); err != nil {
			return fmt.Errorf("%s: %w", appField("APIHost"), err)
		}
	}

	if err := validateUpstream(a.ShellUpstream); err != nil {
		return fmt.Errorf("%s: %w", appField("ShellUpstream"), err)
	}
	if err := validateUpstream(a.APIUpstream); err != nil {
		return fmt.Errorf("%s: %w", appField("APIUpstream"), err)
	}

	if !strings.HasPrefix(a.APIPrefix, "/") {
		return newFieldError(appField("APIPrefix"), "必须以 / 开头")
	}

	if len(a.PrecacheAssets) == 0 {
		return newFieldError(appField("PrecacheAssets"), "至少需要一个预缓存资源")
	}
	seen := map[string]struct{}{}
	for _, asset := range a.PrecacheAssets {
		if !strings.HasPrefix(asset, "/") {
			return newFieldError(appField("PrecacheAssets"), fmt.Sprintf("资源路径必须以 / 开头: %s", asset))
		}
		if _, exists := seen[asset]; exists {
			return newFieldError(appField("PrecacheAssets"), fmt.Sprintf("资源路径重复: %s", asset))
		}
		seen[asset] = struct{}{}
	}

	if !strings.HasPrefix(a.OfflineDocument, "/") {
		return newFieldError(appField("OfflineDocument"), "必须以 / 开头")
	}
	if a.SyncTag == "" {
		return newFieldError(appField("SyncTag"), "不能为空")
	}

	return nil
}

func validateHost(host string) error {
	if host == "" {
		return errors.New("AppHost 不能为空")
	}
	if strings.Contains(host, "/") {
		return errors.New("不允许包含路径")
	}
	if strings.Contains(host, " ") {
		return errors.New("不允许包含空格")
	}
	if strings.HasPrefix(host, "http") {
		return errors.New("不应包含协议头")
	}
	return nil
}

// validateHostPattern 额外允许 *. 前缀的通配后缀写法。
func validateHostPattern(pattern string) error {
	trimmed := strings.TrimPrefix(pattern, "*.")
	if trimmed == "" {
		return errors.New("通配模式缺少域名后缀")
	}
	return validateHost(trimmed)
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
