package config

import (
	"testing"
	"time"
)

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./storage"
UpstreamTimeout = "boom"

[App]
AppHost = "app.local"
ShellUpstream = "http://127.0.0.1:5173"
APIUpstream = "https://api.example.com"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsNumericDurationSeconds(t *testing.T) {
	cfg := `
StoragePath = "./storage"
UpstreamTimeout = 5

[App]
AppHost = "app.local"
ShellUpstream = "http://127.0.0.1:5173"
APIUpstream = "https://api.example.com"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.UpstreamTimeout.DurationValue() != 5*time.Second {
		t.Fatalf("纯数字应被解释为秒, got %v", loaded.Global.UpstreamTimeout.DurationValue())
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load("testdata/does-not-exist.toml"); err == nil {
		t.Fatalf("缺失的配置文件应返回错误")
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90s")); err != nil {
		t.Fatalf("解析 90s 失败: %v", err)
	}
	if d.DurationValue() != 90*time.Second {
		t.Fatalf("unexpected duration: %v", d.DurationValue())
	}

	if err := d.UnmarshalText([]byte("120")); err != nil {
		t.Fatalf("解析纯数字失败: %v", err)
	}
	if d.DurationValue() != 120*time.Second {
		t.Fatalf("纯数字应被解释为秒: %v", d.DurationValue())
	}

	if err := d.UnmarshalText([]byte("nonsense")); err == nil {
		t.Fatalf("非法时长应报错")
	}
}
