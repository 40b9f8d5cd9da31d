package agent

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Connectivity 报告代理当前对网络可用性的判断。该信号只是尽力而为，
// 不作为权威依据；测试中注入固定实现即可。
type Connectivity interface {
	Online() bool
}

// Reporter 允许请求路径把真实的网络结果反馈给连通性判断。
type Reporter interface {
	MarkOnline()
	MarkOffline()
}

// ConnectivityFunc adapts a function to the Connectivity interface.
type ConnectivityFunc func() bool

// Online makes ConnectivityFunc satisfy Connectivity.
func (f ConnectivityFunc) Online() bool { return f() }

// Monitor 组合周期性 HEAD 探测与请求结果反馈维护在线标志，
// 并在 离线→在线 的跳变时向 Transitions 通道发出一次信号，
// 供后台同步组件触发积压的同步标签。
type Monitor struct {
	client      *http.Client
	probeURL    string
	interval    time.Duration
	logger      *logrus.Logger
	online      atomic.Bool
	transitions chan struct{}
}

// NewMonitor 创建连通性监视器，初始状态假定在线。
func NewMonitor(client *http.Client, probeURL string, interval time.Duration, logger *logrus.Logger) *Monitor {
	m := &Monitor{
		client:      client,
		probeURL:    probeURL,
		interval:    interval,
		logger:      logger,
		transitions: make(chan struct{}, 1),
	}
	m.online.Store(true)
	return m
}

// Online 返回当前的在线判断。
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// MarkOnline 记录一次成功的网络访问；若发生 离线→在线 跳变则发出信号。
func (m *Monitor) MarkOnline() {
	if m.online.Swap(true) {
		return
	}
	if m.logger != nil {
		m.logger.WithFields(logrus.Fields{"action": "connectivity", "online": true}).Info("network restored")
	}
	select {
	case m.transitions <- struct{}{}:
	default:
	}
}

// MarkOffline 记录一次网络失败。
func (m *Monitor) MarkOffline() {
	if !m.online.Swap(false) {
		return
	}
	if m.logger != nil {
		m.logger.WithFields(logrus.Fields{"action": "connectivity", "online": false}).Warn("network unreachable")
	}
}

// Transitions 返回 离线→在线 跳变通知通道（容量 1，信号可合并）。
func (m *Monitor) Transitions() <-chan struct{} {
	return m.transitions
}

// Run 周期性探测上游，直到 ctx 结束。probeURL 为空时仅依赖请求反馈。
func (m *Monitor) Run(ctx context.Context) {
	if m.probeURL == "" || m.interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, http.NoBody)
	if err != nil {
		return
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.MarkOffline()
		return
	}
	resp.Body.Close()
	m.MarkOnline()
}
