//go:build darwin

package filestore

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// accessTime возвращает atime файла. При ошибке — время записи.
func accessTime(path string, info os.FileInfo) time.Time {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return info.ModTime()
	}
	return time.Unix(st.Atimespec.Unix())
}
