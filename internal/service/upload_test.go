package service

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/modsync/file-server/internal/domain/model"
	"github.com/bigkaa/modsync/file-server/internal/repository"
)

// fakeFiles — FileRepository в памяти поверх fakeRegistry.
type fakeFiles struct {
	*fakeRegistry
}

func (f fakeFiles) FindFile(_ context.Context, hash string) (*model.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[hash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f fakeFiles) CreatePending(_ context.Context, hash, uploaderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[hash]; ok {
		return false, nil
	}
	f.records[hash] = &model.FileRecord{Hash: hash, UploaderID: uploaderID, UploadedAt: time.Now()}
	return true, nil
}

func (f fakeFiles) MarkUploaded(_ context.Context, hash string, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[hash]
	if !ok {
		return repository.ErrNotFound
	}
	rec.Uploaded = true
	rec.SizeBytes = size
	return nil
}

// fakeTx выполняет функцию без реальной транзакции.
type fakeTx struct{ err error }

func (f fakeTx) RunInTx(_ context.Context, fn func(tx pgx.Tx) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(nil)
}

func newTestUploadService(t *testing.T, withCold bool) (*UploadService, fakeFiles) {
	t.Helper()
	files := fakeFiles{newFakeRegistry()}
	hot := newStore(t)
	var svc *UploadService
	if withCold {
		svc = NewUploadService(hot, newStore(t), files, fakeTx{}, testLogger())
	} else {
		svc = NewUploadService(hot, nil, files, fakeTx{}, testLogger())
	}
	svc.txRepo = func(repository.DBTX) repository.FileRepository { return files }
	return svc, files
}

func TestUpload_AnnounceAndUpload(t *testing.T) {
	svc, files := newTestUploadService(t, true)
	ctx := context.Background()

	content := []byte("новый мод")
	hash := hashOf(content)

	need, err := svc.Announce(ctx, "uploader", []string{hash, " " + hash + " "})
	require.NoError(t, err)
	assert.Equal(t, []string{hash}, need, "дубликаты объединяются")

	rec, err := svc.Upload(ctx, "uploader", hash, bytes.NewReader(content))
	require.NoError(t, err)
	assert.True(t, rec.Uploaded)
	assert.Equal(t, int64(len(content)), rec.SizeBytes)

	assert.True(t, svc.hot.Exists(hash), "файл в горячем хранилище")
	assert.True(t, svc.cold.Exists(hash), "файл скопирован в холодное хранилище")
	assert.True(t, files.records[hash].Uploaded)

	need, err = svc.Announce(ctx, "other", []string{hash})
	require.NoError(t, err)
	assert.Empty(t, need, "загруженный файл повторно не запрашивается")
}

func TestUpload_NotAnnounced(t *testing.T) {
	svc, _ := newTestUploadService(t, false)
	content := []byte("без announce")

	_, err := svc.Upload(context.Background(), "u", hashOf(content), bytes.NewReader(content))
	assert.ErrorIs(t, err, ErrNotAnnounced)
}

func TestUpload_HashMismatch(t *testing.T) {
	svc, files := newTestUploadService(t, false)
	ctx := context.Background()
	hash := hashOf([]byte("ожидаемое"))

	_, err := svc.Announce(ctx, "u", []string{hash})
	require.NoError(t, err)

	_, err = svc.Upload(ctx, "u", hash, bytes.NewReader([]byte("подмена")))
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.False(t, svc.hot.Exists(hash))
	assert.False(t, files.records[hash].Uploaded)
}

func TestUpload_InvalidHash(t *testing.T) {
	svc, _ := newTestUploadService(t, false)
	ctx := context.Background()

	_, err := svc.Announce(ctx, "u", []string{"not-a-hash"})
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = svc.Upload(ctx, "u", "zz", bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrInvalidHash)
}

// TestUpload_ReannounceMissingFile — запись есть, а файла на диске нет:
// файл снова нужно загрузить.
func TestUpload_ReannounceMissingFile(t *testing.T) {
	svc, files := newTestUploadService(t, false)
	hash := hashOf([]byte("потерянный"))
	files.add(&model.FileRecord{Hash: hash, Uploaded: true, SizeBytes: 10})

	need, err := svc.Announce(context.Background(), "u", []string{hash})
	require.NoError(t, err)
	assert.Equal(t, []string{hash}, need)
}

func TestUpload_AnnounceTxError(t *testing.T) {
	svc, _ := newTestUploadService(t, false)
	svc.tx = fakeTx{err: errors.New("нет соединения")}

	_, err := svc.Announce(context.Background(), "u", []string{hashOf([]byte("x"))})
	assert.Error(t, err)
}
