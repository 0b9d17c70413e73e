//go:build linux || darwin

// diskusage.go — получение информации об ёмкости диска.
// Платформозависимый код для Unix-подобных систем.
package filestore

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskUsage возвращает total, used, available в байтах для файловой
// системы, на которой лежит хранилище.
func (fs *FileStore) DiskUsage() (total, used, available int64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(fs.dataDir, &stat); err != nil {
		return 0, 0, 0, fmt.Errorf("ошибка statfs %s: %w", fs.dataDir, err)
	}

	total = int64(stat.Blocks) * int64(stat.Bsize)   //nolint:gosec // размеры ФС укладываются в int64
	available = int64(stat.Bavail) * int64(stat.Bsize) //nolint:gosec // размеры ФС укладываются в int64
	used = total - available

	return total, used, available, nil
}
