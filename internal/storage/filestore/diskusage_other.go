//go:build !linux && !darwin

package filestore

import "errors"

// DiskUsage не поддерживается на этой платформе.
func (fs *FileStore) DiskUsage() (total, used, available int64, err error) {
	return 0, 0, 0, errors.New("statfs не поддерживается на этой платформе")
}
