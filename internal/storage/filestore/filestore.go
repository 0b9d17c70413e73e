// Пакет filestore — операции с физическими файлами хранилища.
// Файлы адресуются content hash: имя файла на диске = нормализованный hash.
// Запись идёт через временный файл с подсчётом SHA-1 на лету и атомарным rename,
// поэтому по пути hash никогда не виден частично записанный файл.
package filestore

import (
	"crypto/sha1" //nolint:gosec // SHA-1 — формат content address клиента, не криптографическая защита
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/modsync/file-server/internal/domain/model"
)

// TempSuffix — суффикс временных файлов незавершённой записи.
const TempSuffix = ".tmp"

var (
	// ErrNotFound — файла нет или он пустой.
	ErrNotFound = errors.New("файл не найден")
	// ErrChecksumMismatch — содержимое не соответствует hash.
	ErrChecksumMismatch = errors.New("checksum не совпадает с hash")
)

// FileStore — директория хранения (горячая или холодная).
type FileStore struct {
	// dataDir — корневая директория хранения
	dataDir string
}

// SaveResult — результат записи файла.
type SaveResult struct {
	// Path — абсолютный путь файла на диске
	Path string
	// Size — размер записанных данных в байтах
	Size int64
	// Checksum — SHA-1 содержимого (верхний регистр)
	Checksum string
}

// New создаёт FileStore. Создаёт директорию, если она не существует.
func New(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

// Dir возвращает путь к директории хранения.
func (fs *FileStore) Dir() string {
	return fs.dataDir
}

// Path возвращает абсолютный путь файла для hash.
func (fs *FileStore) Path(hash string) string {
	return filepath.Join(fs.dataDir, model.NormalizeHash(hash))
}

// Stat возвращает информацию о файле. Файл нулевой длины считается
// отсутствующим: прерванная запись не должна отдаваться клиенту.
func (fs *FileStore) Stat(hash string) (*model.LocalFile, error) {
	hash = model.NormalizeHash(hash)
	path := fs.Path(hash)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения информации о файле %s: %w", hash, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, ErrNotFound
	}

	return &model.LocalFile{
		Hash:    hash,
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// Exists проверяет наличие непустого файла.
func (fs *FileStore) Exists(hash string) bool {
	_, err := fs.Stat(hash)
	return err == nil
}

// Open открывает файл для чтения. Вызывающий код обязан закрыть файл.
func (fs *FileStore) Open(hash string) (*os.File, error) {
	f, err := os.Open(fs.Path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", hash, err)
	}
	return f, nil
}

// TouchAccess обновляет время доступа, не трогая время записи.
// Время записи нужно принудительному удалению по возрасту.
func (fs *FileStore) TouchAccess(hash string, now time.Time) error {
	path := fs.Path(hash)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("ошибка stat %s: %w", hash, err)
	}
	if err := os.Chtimes(path, now, info.ModTime()); err != nil {
		return fmt.Errorf("ошибка обновления времени доступа %s: %w", hash, err)
	}
	return nil
}

// Touch выставляет время доступа и записи в now.
func (fs *FileStore) Touch(hash string, now time.Time) error {
	if err := os.Chtimes(fs.Path(hash), now, now); err != nil {
		return fmt.Errorf("ошибка обновления времени файла %s: %w", hash, err)
	}
	return nil
}

// Save записывает данные из reader под именем hash.
// При verify=true SHA-1 содержимого обязан совпасть с hash, иначе
// возвращается ErrChecksumMismatch и ничего не сохраняется.
//
// Паттерн: temp файл → запись + SHA-1 → fsync → atomic rename.
// При ошибке temp файл удаляется.
func (fs *FileStore) Save(hash string, reader io.Reader, verify bool) (*SaveResult, error) {
	hash = model.NormalizeHash(hash)
	fullPath := fs.Path(hash)
	// Уникальный temp на случай параллельной записи одного hash разными путями
	tmpPath := fmt.Sprintf("%s.%s%s", fullPath, uuid.New().String()[:8], TempSuffix)

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	hasher := sha1.New() //nolint:gosec // content address
	tee := io.TeeReader(reader, hasher)

	size, err := io.Copy(f, tee)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if size == 0 {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("пустые данные для %s: %w", hash, ErrNotFound)
	}

	checksum := strings.ToUpper(hex.EncodeToString(hasher.Sum(nil)))
	if verify && checksum != hash {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%s: получен %s: %w", hash, checksum, ErrChecksumMismatch)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &SaveResult{
		Path:     fullPath,
		Size:     size,
		Checksum: checksum,
	}, nil
}

// CopyFrom копирует файл hash из другого хранилища и выставляет
// времена файла в now, чтобы возраст для вытеснения начался заново.
func (fs *FileStore) CopyFrom(src *FileStore, hash string, now time.Time) (*SaveResult, error) {
	in, err := src.Open(hash)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	res, err := fs.Save(hash, in, false)
	if err != nil {
		return nil, err
	}
	if err := fs.Touch(hash, now); err != nil {
		return nil, err
	}
	return res, nil
}

// Delete удаляет файл. Возвращает nil, если файла уже нет.
func (fs *FileStore) Delete(hash string) error {
	err := os.Remove(fs.Path(hash))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла %s: %w", hash, err)
	}
	return nil
}

// List возвращает все файлы хранилища с временами доступа и записи.
// Служебные (с точкой в начале) и временные файлы пропускаются.
func (fs *FileStore) List() ([]model.PhysicalFile, error) {
	entries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории %s: %w", fs.dataDir, err)
	}

	files := make([]model.PhysicalFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, TempSuffix) {
			continue
		}

		path := filepath.Join(fs.dataDir, name)
		info, err := entry.Info()
		if err != nil {
			// Файл мог быть удалён между ReadDir и Info
			continue
		}

		files = append(files, model.PhysicalFile{
			Hash:       model.NormalizeHash(name),
			Path:       path,
			Size:       info.Size(),
			AccessTime: accessTime(path, info),
			WriteTime:  info.ModTime(),
		})
	}
	return files, nil
}

// RemoveStaleTemp удаляет временные файлы, записанные раньше before.
// Такие файлы остаются после аварийного завершения процесса посреди записи.
func (fs *FileStore) RemoveStaleTemp(before time.Time) (int, error) {
	entries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения директории %s: %w", fs.dataDir, err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), TempSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(before) {
			continue
		}
		if err := os.Remove(filepath.Join(fs.dataDir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
