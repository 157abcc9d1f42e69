//go:build !windows

package store

import (
	"os"
	"syscall"
)

// actualFileSize returns actual disk usage in bytes, using stat blocks
// so sparse files are counted by what they really occupy (adapted
// from the teacher's cmd/server/filesize_unix.go, reused here for
// info()'s storage_bytes_by_shard, orig §9).
func actualFileSize(info os.FileInfo) int64 {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.Size()
	}
	return stat.Blocks * 512
}
