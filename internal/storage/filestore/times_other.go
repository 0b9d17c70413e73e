//go:build !linux && !darwin

package filestore

import (
	"os"
	"time"
)

// accessTime — на прочих платформах atime недоступен, используется время записи.
func accessTime(_ string, info os.FileInfo) time.Time {
	return info.ModTime()
}
