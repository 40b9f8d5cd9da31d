package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述守护进程级别的运行参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	ProbeInterval   Duration `mapstructure:"ProbeInterval"`
}

// AppConfig 描述被代理的单页应用：壳层与远端 API 的上游地址、
// 缓存版本号以及离线预缓存清单。
type AppConfig struct {
	Name            string   `mapstructure:"Name"`
	CacheVersion    string   `mapstructure:"CacheVersion"`
	AppHost         string   `mapstructure:"AppHost"`
	ShellUpstream   string   `mapstructure:"ShellUpstream"`
	APIUpstream     string   `mapstructure:"APIUpstream"`
	APIPrefix       string   `mapstructure:"APIPrefix"`
	APIHost         string   `mapstructure:"APIHost"`
	PrecacheAssets  []string `mapstructure:"PrecacheAssets"`
	OfflineDocument string   `mapstructure:"OfflineDocument"`
	SyncTag         string   `mapstructure:"SyncTag"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	App    AppConfig    `mapstructure:"App"`
}

// ShellPartition 返回当前版本的壳层缓存分区名，例如 field-inspector-v1.0.0。
func (a AppConfig) ShellPartition() string {
	return fmt.Sprintf("%s-%s", a.Name, a.CacheVersion)
}

// APIPartition 返回当前版本的 API 缓存分区名，例如 field-inspector-api-v1.0.0。
func (a AppConfig) APIPartition() string {
	return fmt.Sprintf("%s-api-%s", a.Name, a.CacheVersion)
}

// ActivePartitions 返回当前版本保留的全部分区名，其余分区在 activate 时删除。
func (a AppConfig) ActivePartitions() []string {
	return []string{a.ShellPartition(), a.APIPartition()}
}
