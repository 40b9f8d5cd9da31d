// Package routes exposes the /-/ control surface: client registration and
// mailbox polling, client→agent control messages, the background-sync
// trigger, push injection and a status endpoint for diagnostics. Everything
// under /-/ is agent-to-app plumbing and is never classified as app traffic.
package routes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/field-inspector/offline-agent/internal/agent"
	"github.com/field-inspector/offline-agent/internal/cache"
	"github.com/field-inspector/offline-agent/internal/config"
	"github.com/field-inspector/offline-agent/internal/lifecycle"
	"github.com/field-inspector/offline-agent/internal/notify"
	"github.com/field-inspector/offline-agent/internal/syncrelay"
	"github.com/field-inspector/offline-agent/internal/version"
)

// 客户端轮询等待时间的上限，防止把 worker 长期占住。
const maxPollWait = 30 * time.Second

// 客户端控制消息类型；其余类型一律忽略。
const (
	controlSkipWaiting  = "SKIP_WAITING"
	controlRegisterSync = "REGISTER_SYNC"
)

// Deps 汇总控制面端点需要的全部协作对象。
type Deps struct {
	Logger    *logrus.Logger
	Config    *config.Config
	Store     cache.Store
	Hub       *notify.Hub
	Notifier  *notify.Notifier
	Relay     *syncrelay.Relay
	Lifecycle *lifecycle.Manager
	Conn      agent.Connectivity
}

// entryCounter 是磁盘实现提供的可选能力，诊断端用来统计分区条目数。
type entryCounter interface {
	EntryCount(ctx context.Context, name string) (int, error)
}

// controlMessage 是客户端发来的控制消息体。
type controlMessage struct {
	Type string `json:"type"`
	Tag  string `json:"tag"`
}

// clickMessage 是通知点击事件的消息体。
type clickMessage struct {
	Action string `json:"action"`
}

// RegisterControlRoutes 注册 /-/ 下的全部控制面端点。
func RegisterControlRoutes(app *fiber.App, deps Deps) {
	if app == nil {
		return
	}

	app.Post("/-/clients", func(c fiber.Ctx) error {
		id := deps.Hub.Register()
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"client_id": id})
	})

	app.Delete("/-/clients/:id", func(c fiber.Ctx) error {
		if !deps.Hub.Unregister(c.Params("id")) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "client_not_found"})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Get("/-/clients/:id/messages", func(c fiber.Ctx) error {
		wait := parseWait(string(c.Request().URI().QueryArgs().Peek("wait")))
		messages, ok := deps.Hub.Drain(requestContext(c), c.Params("id"), wait)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "client_not_found"})
		}
		if messages == nil {
			messages = []notify.Message{}
		}
		return c.JSON(fiber.Map{"messages": messages})
	})

	app.Post("/-/messages", func(c fiber.Ctx) error {
		return handleControlMessage(c, deps)
	})

	app.Post("/-/sync/:tag", func(c fiber.Ctx) error {
		return handleSyncTrigger(c, deps)
	})

	app.Post("/-/push", func(c fiber.Ctx) error {
		notification := deps.Notifier.Push(c.Body())
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": notification.ID})
	})

	app.Post("/-/notifications/:id/click", func(c fiber.Ctx) error {
		return handleNotificationClick(c, deps)
	})

	app.Get("/-/status", func(c fiber.Ctx) error {
		return handleStatus(c, deps)
	})
}

// handleControlMessage 只认两类消息：SKIP_WAITING 立即执行 activate，
// REGISTER_SYNC 在已知标签下登记一次后台同步。其余类型静默忽略。
func handleControlMessage(c fiber.Ctx, deps Deps) error {
	var msg controlMessage
	if err := json.Unmarshal(c.Body(), &msg); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
	}

	switch strings.ToUpper(strings.TrimSpace(msg.Type)) {
	case controlSkipWaiting:
		removed, err := deps.Lifecycle.Activate(requestContext(c))
		if err != nil {
			deps.Logger.WithError(err).WithFields(logrus.Fields{"action": "skip_waiting"}).Error("activate failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "activate_failed"})
		}
		if removed == nil {
			removed = []string{}
		}
		return c.JSON(fiber.Map{"activated": true, "removed_partitions": removed})

	case controlRegisterSync:
		tag := msg.Tag
		if tag == "" {
			tag = deps.Config.App.SyncTag
		}
		if err := deps.Relay.Register(tag); err != nil {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "unknown_sync_tag"})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"registered": tag})

	default:
		// 协议保留：未知消息不报错，方便应用端灰度新类型。
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"ignored": true})
	}
}

func handleSyncTrigger(c fiber.Ctx, deps Deps) error {
	tag := c.Params("tag")
	err := deps.Relay.Trigger(requestContext(c), tag)
	switch {
	case err == nil:
		return c.JSON(fiber.Map{"tag": tag, "result": "complete"})
	case errors.Is(err, syncrelay.ErrUnknownTag):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_sync_tag"})
	case errors.Is(err, syncrelay.ErrNotRegistered):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "sync_not_registered"})
	default:
		// 同步本身失败：信封已广播 SYNC_ERROR，这里对触发方如实回报。
		return c.JSON(fiber.Map{"tag": tag, "result": "error", "error": err.Error()})
	}
}

func handleNotificationClick(c fiber.Ctx, deps Deps) error {
	var msg clickMessage
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
	}

	openURL, open, ok := deps.Notifier.Click(c.Params("id"), msg.Action)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "notification_not_found"})
	}
	if !open {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.JSON(fiber.Map{"url": openURL})
}

func handleStatus(c fiber.Ctx, deps Deps) error {
	ctx := requestContext(c)
	app := deps.Config.App

	partitions := fiber.Map{}
	for _, name := range app.ActivePartitions() {
		entries := -1
		if counter, ok := deps.Store.(entryCounter); ok {
			if count, err := counter.EntryCount(ctx, name); err == nil {
				entries = count
			}
		}
		partitions[name] = fiber.Map{"entries": entries}
	}

	return c.JSON(fiber.Map{
		"version":               version.Full(),
		"cache_version":         app.CacheVersion,
		"partitions":            partitions,
		"online":                deps.Conn.Online(),
		"clients":               deps.Hub.Count(),
		"pending_sync_tags":     deps.Relay.Pending(),
		"pending_notifications": deps.Notifier.PendingCount(),
	})
}

func parseWait(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	wait, err := time.ParseDuration(raw)
	if err != nil || wait < 0 {
		return 0
	}
	if wait > maxPollWait {
		return maxPollWait
	}
	return wait
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
