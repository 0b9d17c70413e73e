package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/modsync/file-server/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestChannel(t *testing.T) {
	if got := Channel("modsync", "user-1"); got != "modsync:download-ready:user-1" {
		t.Errorf("Channel: получили %q", got)
	}
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(testLogger())
	if err := n.DownloadReady(context.Background(), model.DownloadRequest{RequestID: "r", UserID: "u"}); err != nil {
		t.Errorf("LogNotifier не должен возвращать ошибку: %v", err)
	}
}

// setupRedis запускает Redis в контейнере.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не задан")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "docker.io/redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Ошибка запуска Redis контейнера: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Ошибка получения адреса Redis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisNotifier_Publish(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	n := NewRedisNotifier(client, "test", testLogger())
	if status, msg := n.CheckReady(); status != "ok" {
		t.Fatalf("Redis не готов: %s", msg)
	}

	sub := client.Subscribe(ctx, Channel("test", "user-1"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("Ошибка подписки: %v", err)
	}

	req := model.DownloadRequest{RequestID: "req-1", UserID: "user-1", FileHashes: []string{"AB"}}
	if err := n.DownloadReady(ctx, req); err != nil {
		t.Fatalf("Ошибка публикации: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var ev DownloadReadyEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			t.Fatalf("Ошибка разбора события: %v", err)
		}
		if ev.RequestID != "req-1" || len(ev.FileHashes) != 1 {
			t.Errorf("неожиданное событие: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("уведомление не получено")
	}
}
