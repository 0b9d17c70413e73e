// Пакет mainclient — HTTP-клиент shard-узла к координатору.
// Регистрация, heartbeat, снятие с регистрации и загрузка файлов-источников.
package mainclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bigkaa/modsync/file-server/internal/domain/model"
	"github.com/bigkaa/modsync/file-server/internal/storage/filestore"
)

// ErrNotRegistered — координатор не знает этот shard, нужна повторная регистрация.
var ErrNotRegistered = errors.New("shard не зарегистрирован на координаторе")

// Пути API координатора.
const (
	pathRegister   = "/main/shardRegister"
	pathHeartbeat  = "/main/shardHeartbeat"
	pathUnregister = "/main/shardUnregister"
	pathFiles      = "/internal/v1/files/"
)

// Client — HTTP-клиент к координатору.
type Client struct {
	// api — короткие служебные запросы с таймаутом
	api *http.Client
	// transfer — загрузка файлов; длительность ограничивает context
	transfer *http.Client
	baseURL  string
	token    string //nolint:gosec // G101: поле структуры, не содержит секрет напрямую
	logger   *slog.Logger
}

// New создаёт клиент координатора.
// baseURL — адрес координатора или распределительного узла.
// caCertPath — путь к CA-сертификату (пустая строка — системный пул).
// token — служебный bearer-токен.
func New(baseURL, caCertPath string, timeout time.Duration, token string, logger *slog.Logger) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if caCertPath != "" {
		tlsConfig, err := buildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата координатора: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
		logger.Info("CA-сертификат координатора добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	return &Client{
		api:      &http.Client{Timeout: timeout, Transport: transport},
		transfer: &http.Client{Transport: transport},
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		logger:   logger.With(slog.String("component", "main_client")),
	}, nil
}

// BaseURL возвращает адрес координатора.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// shardNameBody — тело heartbeat и unregister.
type shardNameBody struct {
	ShardName string `json:"shard_name"`
}

// Register отправляет конфигурацию shard координатору.
func (c *Client) Register(ctx context.Context, sc *model.ShardConfiguration) error {
	return c.post(ctx, pathRegister, sc)
}

// Heartbeat подтверждает, что shard жив. ErrNotRegistered — координатор
// не знает shard.
func (c *Client) Heartbeat(ctx context.Context, shardName string) error {
	return c.post(ctx, pathHeartbeat, shardNameBody{ShardName: shardName})
}

// Unregister снимает shard с регистрации.
func (c *Client) Unregister(ctx context.Context, shardName string) error {
	return c.post(ctx, pathUnregister, shardNameBody{ShardName: shardName})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("сериализация запроса %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("создание запроса %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.api.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return fmt.Errorf("запрос %s к %s: %w", path, c.baseURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound && path == pathHeartbeat:
		return ErrNotRegistered
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("координатор вернул статус %d для %s: %s", resp.StatusCode, path, string(msg))
	}
	return nil
}

// Download открывает поток содержимого файла. Отсутствие файла на
// координаторе возвращается как filestore.ErrNotFound.
func (c *Client) Download(ctx context.Context, hash string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathFiles+model.NormalizeHash(hash), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса Download: %w", err)
	}
	c.authorize(req)

	resp, err := c.transfer.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return nil, fmt.Errorf("запрос Download к %s: %w", c.baseURL, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, filestore.ErrNotFound
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("координатор вернул статус %d для файла %s: %s", resp.StatusCode, hash, string(msg))
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA-сертификатом.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &tls.Config{
		RootCAs: caCertPool,
	}, nil
}
