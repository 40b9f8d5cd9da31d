// Package cache defines the disk-backed partition store that maps request
// identities to StoragePath/<partition>/<path> files. Partitions are plain
// directories: they appear on first write, survive restarts, can be listed by
// name and dropped wholesale when a cache version is superseded. Writes use
// temp file + rename so a cache entry is always either absent or complete,
// and concurrent writers for the same identity degrade to last-write-wins.
package cache
