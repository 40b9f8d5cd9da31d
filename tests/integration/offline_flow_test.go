package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/field-inspector/offline-agent/internal/agent"
	"github.com/field-inspector/offline-agent/internal/cache"
	"github.com/field-inspector/offline-agent/internal/config"
	"github.com/field-inspector/offline-agent/internal/lifecycle"
	"github.com/field-inspector/offline-agent/internal/notify"
	"github.com/field-inspector/offline-agent/internal/server"
	"github.com/field-inspector/offline-agent/internal/server/routes"
	"github.com/field-inspector/offline-agent/internal/syncrelay"
)

// agentEnv 组装一套完整的离线代理：上游桩、磁盘分区缓存、
// install/activate、Fiber 应用以及控制面端点。
type agentEnv struct {
	t   *testing.T
	app *fiber.App

	cfg     *config.Config
	store   cache.Store
	monitor *agent.Monitor
	cancel  context.CancelFunc

	shell     *httptest.Server
	api       *httptest.Server
	shellHits int32
	apiHits   int32
	syncCalls int32
}

func newAgentEnv(t *testing.T) *agentEnv {
	t.Helper()

	env := &agentEnv{t: t}

	env.shell = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&env.shellHits, 1)
		w.Write([]byte("shell:" + r.URL.Path))
	}))
	env.api = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&env.apiHits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))

	env.cfg = &config.Config{
		Global: config.GlobalConfig{
			ListenPort:      8787,
			StoragePath:     t.TempDir(),
			UpstreamTimeout: config.Duration(5 * time.Second),
		},
		App: config.AppConfig{
			Name:            "field-inspector",
			CacheVersion:    "v1.0.0",
			AppHost:         "app.local",
			ShellUpstream:   env.shell.URL,
			APIUpstream:     env.api.URL,
			APIPrefix:       "/api/",
			PrecacheAssets:  []string{"/", "/index.html", "/app.js"},
			OfflineDocument: "/",
			SyncTag:         "sync-inspections",
		},
	}

	store, err := cache.NewStore(env.cfg.Global.StoragePath)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	env.store = store

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	client := server.NewUpstreamClient(env.cfg)

	manager, err := lifecycle.NewManager(store, client, env.cfg.App, logger)
	if err != nil {
		t.Fatalf("lifecycle error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	if err := manager.Install(ctx); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if _, err := manager.Activate(ctx); err != nil {
		t.Fatalf("activate error: %v", err)
	}

	env.monitor = agent.NewMonitor(client, "", 0, logger)

	handler, err := agent.NewHandler(client, logger, store, env.monitor, env.cfg.App)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	classifier, err := server.NewClassifier(env.cfg.App)
	if err != nil {
		t.Fatalf("classifier error: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Classifier: classifier,
		Agent:      handler,
		ListenPort: env.cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	env.app = app

	hub := notify.NewHub(logger)
	notifier := notify.NewNotifier(hub, logger)
	relay := syncrelay.New(env.cfg.App.SyncTag, hub, syncrelay.SyncerFunc(func(ctx context.Context, tag string) error {
		atomic.AddInt32(&env.syncCalls, 1)
		return nil
	}), logger)
	go relay.Watch(ctx, env.monitor.Transitions())

	routes.RegisterControlRoutes(app, routes.Deps{
		Logger:    logger,
		Config:    env.cfg,
		Store:     store,
		Hub:       hub,
		Notifier:  notifier,
		Relay:     relay,
		Lifecycle: manager,
		Conn:      env.monitor,
	})

	t.Cleanup(env.close)
	return env
}

func (e *agentEnv) close() {
	e.cancel()
	e.shell.Close()
	e.api.Close()
}

func (e *agentEnv) do(req *http.Request) *http.Response {
	e.t.Helper()
	resp, err := e.app.Test(req)
	if err != nil {
		e.t.Fatalf("app.Test error: %v", err)
	}
	return resp
}

func (e *agentEnv) appRequest(method, path string) *http.Response {
	req := httptest.NewRequest(method, "http://app.local"+path, nil)
	req.Host = "app.local"
	return e.do(req)
}

func (e *agentEnv) readBody(resp *http.Response) string {
	e.t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		e.t.Fatalf("read body error: %v", err)
	}
	resp.Body.Close()
	return string(body)
}

func TestOfflineNavigationAfterInstall(t *testing.T) {
	env := newAgentEnv(t)

	installHits := atomic.LoadInt32(&env.shellHits)
	if installHits != 3 {
		t.Fatalf("install should fetch every tracked asset once, got %d", installHits)
	}

	// 应用壳层彻底离线。
	env.shell.Close()
	env.monitor.MarkOffline()

	resp := env.appRequest("GET", "/app.js")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("precached asset should serve offline, got %d", resp.StatusCode)
	}
	if got := env.readBody(resp); got != "shell:/app.js" {
		t.Fatalf("unexpected asset body %q", got)
	}

	// 深链接导航退回缓存的根文档。
	req := httptest.NewRequest("GET", "http://app.local/inspections/42", nil)
	req.Host = "app.local"
	req.Header.Set("Sec-Fetch-Dest", "document")
	resp = env.do(req)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("navigation fallback should serve the root document, got %d", resp.StatusCode)
	}
	if got := env.readBody(resp); got != "shell:/" {
		t.Fatalf("expected root document body, got %q", got)
	}
	if resp.Header.Get("X-Offline-Agent-Fallback") != "document" {
		t.Fatalf("expected fallback marker header")
	}

	// 非导航且未缓存的资源如实失败。
	resp = env.appRequest("GET", "/never-cached.css")
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("uncached asset should fail with 503, got %d", resp.StatusCode)
	}
	env.readBody(resp)

	if got := atomic.LoadInt32(&env.shellHits); got != installHits {
		t.Fatalf("offline shell reads must not fetch, hits went from %d to %d", installHits, got)
	}
}

func TestAPIFallbackAndBackgroundSyncRoundTrip(t *testing.T) {
	env := newAgentEnv(t)

	clientID := env.registerClient()
	env.readBody(env.postJSON("/-/messages", `{"type":"REGISTER_SYNC"}`))

	// 在线窗口期填充 API 分区。
	resp := env.appRequest("GET", "/api/inspections")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("online api read failed: %d", resp.StatusCode)
	}
	online := env.readBody(resp)

	// 断网后同一请求由缓存副本应答。
	env.api.Close()
	env.monitor.MarkOffline()
	hitsBefore := atomic.LoadInt32(&env.apiHits)

	resp = env.appRequest("GET", "/api/inspections")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("offline api read should hit the cache, got %d", resp.StatusCode)
	}
	if got := env.readBody(resp); got != online {
		t.Fatalf("cached copy mismatch: %q vs %q", got, online)
	}
	if got := atomic.LoadInt32(&env.apiHits); got != hitsBefore {
		t.Fatalf("offline read must not fetch")
	}

	// 未缓存的请求得到合成的离线应答。
	resp = env.appRequest("GET", "/api/other")
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected synthesized 503, got %d", resp.StatusCode)
	}
	var envelope struct {
		Success bool `json:"success"`
		Offline bool `json:"offline"`
	}
	if err := json.Unmarshal([]byte(env.readBody(resp)), &envelope); err != nil {
		t.Fatalf("offline envelope must be JSON: %v", err)
	}
	if envelope.Success || !envelope.Offline {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}

	// 恢复在线触发积压的后台同步，客户端收到完整信封。
	env.monitor.MarkOnline()

	deadline := time.Now().Add(2 * time.Second)
	var messages []notify.Message
	for {
		messages = append(messages, env.drainClient(clientID)...)
		if len(messages) >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(messages) != 2 {
		t.Fatalf("expected the sync envelope, got %v", messages)
	}
	if messages[0].Type != notify.MessageSyncStart || messages[1].Type != notify.MessageSyncComplete {
		t.Fatalf("envelope out of order: %v then %v", messages[0].Type, messages[1].Type)
	}
	if atomic.LoadInt32(&env.syncCalls) != 1 {
		t.Fatalf("expected exactly one sync run, got %d", env.syncCalls)
	}
}

func TestStatusReflectsInstalledPartitions(t *testing.T) {
	env := newAgentEnv(t)

	resp := env.appRequest("GET", "/-/status")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status failed: %d", resp.StatusCode)
	}
	var status struct {
		CacheVersion string `json:"cache_version"`
		Partitions   map[string]struct {
			Entries int `json:"entries"`
		} `json:"partitions"`
		Online bool `json:"online"`
	}
	if err := json.Unmarshal([]byte(env.readBody(resp)), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.CacheVersion != "v1.0.0" || !status.Online {
		t.Fatalf("unexpected status: %+v", status)
	}
	if got := status.Partitions["field-inspector-v1.0.0"].Entries; got != 3 {
		t.Fatalf("expected 3 precached shell entries, got %d", got)
	}
}

func (e *agentEnv) registerClient() string {
	e.t.Helper()
	resp := e.appRequest("POST", "/-/clients")
	var created struct {
		ClientID string `json:"client_id"`
	}
	if err := json.Unmarshal([]byte(e.readBody(resp)), &created); err != nil {
		e.t.Fatalf("decode client registration: %v", err)
	}
	return created.ClientID
}

func (e *agentEnv) postJSON(path, body string) *http.Response {
	e.t.Helper()
	req := httptest.NewRequest("POST", "http://app.local"+path, bytes.NewReader([]byte(body)))
	req.Host = "app.local"
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

func (e *agentEnv) drainClient(clientID string) []notify.Message {
	e.t.Helper()
	resp := e.appRequest("GET", "/-/clients/"+clientID+"/messages")
	var inbox struct {
		Messages []notify.Message `json:"messages"`
	}
	if err := json.Unmarshal([]byte(e.readBody(resp)), &inbox); err != nil {
		e.t.Fatalf("decode inbox: %v", err)
	}
	return inbox.Messages
}
