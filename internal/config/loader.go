package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyAppDefaults(&cfg.App)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8787)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("ProbeInterval", "15s")

	v.SetDefault("App.Name", "field-inspector")
	v.SetDefault("App.CacheVersion", "v1.0.0")
	v.SetDefault("App.APIPrefix", "/api/")
	v.SetDefault("App.PrecacheAssets", defaultPrecacheAssets())
	v.SetDefault("App.OfflineDocument", "/")
	v.SetDefault("App.SyncTag", "sync-inspections")
}

// defaultPrecacheAssets 是应用壳层的最小离线启动集。
func defaultPrecacheAssets() []string {
	return []string{
		"/",
		"/index.html",
		"/manifest.json",
		"/icon-192.png",
		"/icon-512.png",
	}
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 8787
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.ProbeInterval.DurationValue() == 0 {
		g.ProbeInterval = Duration(15 * time.Second)
	}
}

func applyAppDefaults(a *AppConfig) {
	if a.Name == "" {
		a.Name = "field-inspector"
	}
	if a.CacheVersion == "" {
		a.CacheVersion = "v1.0.0"
	}
	if a.APIPrefix == "" {
		a.APIPrefix = "/api/"
	}
	if len(a.PrecacheAssets) == 0 {
		a.PrecacheAssets = defaultPrecacheAssets()
	}
	if a.OfflineDocument == "" {
		a.OfflineDocument = "/"
	}
	if a.SyncTag == "" {
		a.SyncTag = "sync-inspections"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
