// shards.go — маршрутизация клиентов по shard и служебный API регистрации.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/oapi-codegen/runtime"

	apierrors "github.com/bigkaa/modsync/file-server/internal/api/errors"
	"github.com/bigkaa/modsync/file-server/internal/domain/model"
	"github.com/bigkaa/modsync/file-server/internal/shard"
)

// shardNameBody — тело heartbeat и unregister.
type shardNameBody struct {
	ShardName string `json:"shard_name"`
}

// ListShards — GET /api/v1/shards?continent=eu.
func (h *APIHandler) ListShards(w http.ResponseWriter, r *http.Request) {
	if h.shards == nil {
		apierrors.NotMain(w, "Маршрутизация доступна только на координаторе")
		return
	}

	var continent string
	if err := runtime.BindQueryParameter("form", true, true, "continent", r.URL.Query(), &continent); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр continent")
		return
	}
	continent = strings.ToLower(strings.TrimSpace(continent))

	writeJSON(w, http.StatusOK, h.shards.ConfigurationsForContinent(continent))
}

// RegisterShard — POST /main/shardRegister.
func (h *APIHandler) RegisterShard(w http.ResponseWriter, r *http.Request) {
	if h.shards == nil {
		apierrors.NotMain(w, "Регистрация shard доступна только на координаторе")
		return
	}

	var sc model.ShardConfiguration
	if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса")
		return
	}
	if err := h.shards.Register(sc); err != nil {
		apierrors.ValidationError(w, "Некорректная конфигурация shard: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ShardHeartbeat — POST /main/shardHeartbeat.
func (h *APIHandler) ShardHeartbeat(w http.ResponseWriter, r *http.Request) {
	if h.shards == nil {
		apierrors.NotMain(w, "Heartbeat shard принимает только координатор")
		return
	}
	name, ok := decodeShardName(w, r)
	if !ok {
		return
	}

	if err := h.shards.Heartbeat(name); err != nil {
		if errors.Is(err, shard.ErrShardNotRegistered) {
			apierrors.NotFound(w, "Shard не зарегистрирован")
			return
		}
		h.logger.Error("Ошибка heartbeat shard",
			slog.String("shard", name),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка heartbeat")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnregisterShard — POST /main/shardUnregister.
func (h *APIHandler) UnregisterShard(w http.ResponseWriter, r *http.Request) {
	if h.shards == nil {
		apierrors.NotMain(w, "Снятие shard с регистрации доступно только на координаторе")
		return
	}
	name, ok := decodeShardName(w, r)
	if !ok {
		return
	}
	h.shards.Unregister(name)
	w.WriteHeader(http.StatusNoContent)
}

func decodeShardName(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body shardNameBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.ShardName) == "" {
		apierrors.ValidationError(w, "Отсутствует shard_name")
		return "", false
	}
	return strings.TrimSpace(body.ShardName), true
}
