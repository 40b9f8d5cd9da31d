package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责管理命名分区缓存的读写与分区生命周期。磁盘布局遵循：
//
//	<StoragePath>/<Partition>/<path>    # 响应正文
//
// 每个条目仅由正文文件组成，文件的 ModTime/Size 由文件系统提供。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 将响应写入缓存并产出新的 Entry。实现需通过临时文件 + rename
	// 保证写入原子性，并在失败时清理临时文件；同一请求标识的旧条目被覆盖。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除单个条目，不存在时视为成功。
	Remove(ctx context.Context, locator Locator) error

	// Partitions 枚举当前存在的全部分区名。
	Partitions(ctx context.Context) ([]string, error)

	// DropPartition 连同其中全部条目删除指定分区，不存在时视为成功。
	DropPartition(ctx context.Context, name string) error
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
}

// Locator 唯一定位一个缓存条目（分区 + 相对路径），所有路径均为 URL 路径风格。
type Locator struct {
	Partition string
	Path      string
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及文件信息。
type Entry struct {
	Locator   Locator `json:"locator"`
	FilePath  string  `json:"file_path"`
	SizeBytes int64   `json:"size_bytes"`
	ModTime   time.Time
}

// ReadResult 组合 Entry 与正文 Reader，便于路由层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
