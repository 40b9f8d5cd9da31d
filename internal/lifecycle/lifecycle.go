// Package lifecycle drives the agent's version transitions: install
// pre-populates the shell partition with the tracked asset list as an
// all-or-nothing batch, activate removes every partition that belongs to a
// superseded cache version. Both run at startup; activate can additionally be
// requested at any time via the SKIP_WAITING control message.
package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/field-inspector/offline-agent/internal/cache"
	"github.com/field-inspector/offline-agent/internal/config"
)

// 单个预缓存资源的体积上限，壳层资源远小于此值。
const maxAssetBytes = 32 << 20

// Manager 执行 install/activate 两个生命周期阶段。
type Manager struct {
	store  cache.Store
	client *http.Client
	app    config.AppConfig
	logger *logrus.Logger

	shellBase *url.URL
}

// NewManager 创建生命周期管理器。
func NewManager(store cache.Store, client *http.Client, app config.AppConfig, logger *logrus.Logger) (*Manager, error) {
	base, err := url.Parse(app.ShellUpstream)
	if err != nil {
		return nil, fmt.Errorf("parse shell upstream: %w", err)
	}
	return &Manager{
		store:     store,
		client:    client,
		app:       app,
		logger:    logger,
		shellBase: base,
	}, nil
}

// Install 把 Tracked Asset List 整批写入壳层分区。批次语义为 all-or-nothing：
// 先全部抓取到内存，任何一个资源失败都让 install 整体失败且不写入任何条目。
// 成功后代理立即就绪，没有等待阶段。
func (m *Manager) Install(ctx context.Context) error {
	bodies := make(map[string][]byte, len(m.app.PrecacheAssets))

	for _, asset := range m.app.PrecacheAssets {
		body, err := m.fetchAsset(ctx, asset)
		if err != nil {
			return fmt.Errorf("precache %s: %w", asset, err)
		}
		bodies[asset] = body
	}

	partition := m.app.ShellPartition()
	for _, asset := range m.app.PrecacheAssets {
		locator := cache.Locator{Partition: partition, Path: asset}
		if _, err := m.store.Put(ctx, locator, bytes.NewReader(bodies[asset]), cache.PutOptions{}); err != nil {
			return fmt.Errorf("store %s: %w", asset, err)
		}
	}

	if m.logger != nil {
		m.logger.WithFields(logrus.Fields{
			"action":    "install",
			"partition": partition,
			"assets":    len(m.app.PrecacheAssets),
		}).Info("shell precache complete")
	}
	return nil
}

func (m *Manager) fetchAsset(ctx context.Context, asset string) ([]byte, error) {
	target := m.shellBase.ResolveReference(&url.URL{Path: asset})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes))
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Activate 枚举全部分区，删除名称不属于当前版本（壳层/API 两个分区名）
// 的所有分区，然后立即接管客户端。返回被删除的分区名。
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	names, err := m.store.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate partitions: %w", err)
	}

	keep := make(map[string]struct{})
	for _, name := range m.app.ActivePartitions() {
		keep[name] = struct{}{}
	}

	var removed []string
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		if err := m.store.DropPartition(ctx, name); err != nil {
			return removed, fmt.Errorf("drop partition %s: %w", name, err)
		}
		removed = append(removed, name)
	}

	if m.logger != nil {
		m.logger.WithFields(logrus.Fields{
			"action":  "activate",
			"removed": removed,
			"kept":    m.app.ActivePartitions(),
		}).Info("version transition complete")
	}
	return removed, nil
}
