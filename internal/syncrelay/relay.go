// Package syncrelay owns the background-sync notification envelope: a
// registered tag, once triggered, produces exactly one SYNC_START followed by
// exactly one terminal SYNC_COMPLETE or SYNC_ERROR for every connected
// client. The synchronization work itself is an external dependency with an
// unspecified contract; this package only guarantees the envelope ordering.
package syncrelay

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/field-inspector/offline-agent/internal/logging"
	"github.com/field-inspector/offline-agent/internal/notify"
)

// ErrUnknownTag 表示注册或触发了未声明的同步标签。
var ErrUnknownTag = fmt.Errorf("unknown sync tag")

// ErrNotRegistered 表示触发时该标签没有待执行的注册。
var ErrNotRegistered = fmt.Errorf("sync tag not registered")

// Syncer 执行真正的数据同步，由外部注入；失败通过 error 返回。
type Syncer interface {
	Sync(ctx context.Context, tag string) error
}

// SyncerFunc adapts a function to the Syncer interface.
type SyncerFunc func(ctx context.Context, tag string) error

// Sync makes SyncerFunc satisfy Syncer.
func (f SyncerFunc) Sync(ctx context.Context, tag string) error {
	return f(ctx, tag)
}

// Broadcaster 抽象消息广播端，便于测试注入记录器。
type Broadcaster interface {
	Broadcast(notify.Message)
}

// Relay 维护待执行的同步标签集合并包裹通知信封。
type Relay struct {
	knownTag string
	hub      Broadcaster
	syncer   Syncer
	logger   *logrus.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

// New 创建同步中继；knownTag 是唯一被认可的标签。
func New(knownTag string, hub Broadcaster, syncer Syncer, logger *logrus.Logger) *Relay {
	return &Relay{
		knownTag: knownTag,
		hub:      hub,
		syncer:   syncer,
		logger:   logger,
		pending:  make(map[string]struct{}),
	}
}

// Register 把标签加入待执行集合；重复注册是幂等的。
func (r *Relay) Register(tag string) error {
	if tag != r.knownTag {
		return fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}

	r.mu.Lock()
	r.pending[tag] = struct{}{}
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.WithFields(logging.SyncFields(tag)).Info("sync registered")
	}
	return nil
}

// Pending 返回按名称排序的待执行标签列表。
func (r *Relay) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	tags := make([]string, 0, len(r.pending))
	for tag := range r.pending {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Trigger 消费一个已注册的标签并执行同步：先广播 SYNC_START，
// 然后恰好发出一条终止消息（SYNC_COMPLETE 或 SYNC_ERROR）。
// Syncer 的失败或 panic 都折叠进 SYNC_ERROR，绝不击穿守护进程。
func (r *Relay) Trigger(ctx context.Context, tag string) error {
	if tag != r.knownTag {
		return fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}

	r.mu.Lock()
	_, registered := r.pending[tag]
	delete(r.pending, tag)
	r.mu.Unlock()

	if !registered {
		return fmt.Errorf("%w: %s", ErrNotRegistered, tag)
	}

	r.hub.Broadcast(notify.SyncStart(tag))

	err := r.runSyncer(ctx, tag)
	if err != nil {
		if r.logger != nil {
			fields := logging.SyncFields(tag)
			fields["error"] = err.Error()
			r.logger.WithFields(fields).Warn("sync failed")
		}
		r.hub.Broadcast(notify.SyncError(tag, err.Error()))
		return err
	}

	if r.logger != nil {
		r.logger.WithFields(logging.SyncFields(tag)).Info("sync complete")
	}
	r.hub.Broadcast(notify.SyncComplete(tag))
	return nil
}

func (r *Relay) runSyncer(ctx context.Context, tag string) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("sync panic: %v", recovered)
		}
	}()
	return r.syncer.Sync(ctx, tag)
}

// Watch 消费连通性 离线→在线 跳变信号，触发全部积压标签。
// 通常以独立 goroutine 运行，ctx 结束时退出。
func (r *Relay) Watch(ctx context.Context, transitions <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-transitions:
			if !ok {
				return
			}
			for _, tag := range r.Pending() {
				// 触发失败已经转成 SYNC_ERROR 广播，这里只负责驱动。
				_ = r.Trigger(ctx, tag)
			}
		}
	}
}
