package shard

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/modsync/file-server/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRegistry() (*Registry, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(RegistryConfig{
		PublicAddress:   "https://main.example.org",
		SweepInterval:   5 * time.Second,
		LivenessTimeout: 60 * time.Second,
	}, testLogger())
	r.now = func() time.Time { return now }
	return r, &now
}

func shardConfig(name string, continents ...string) model.ShardConfiguration {
	uris := make(map[string]string, len(continents))
	for _, c := range continents {
		uris[c] = "https://" + name + ".example.org"
	}
	return model.ShardConfiguration{ShardName: name, Continents: continents, RegionURIs: uris}
}

// TestRegistry_HeartbeatKeepsShard — регистрация и heartbeat в пределах
// 60s сохраняют shard, молчание дольше 60s удаляет его.
func TestRegistry_HeartbeatKeepsShard(t *testing.T) {
	r, now := newTestRegistry()

	require.NoError(t, r.Register(shardConfig("eu1", "eu")))

	*now = now.Add(50 * time.Second)
	require.NoError(t, r.Heartbeat("eu1"))

	*now = now.Add(50 * time.Second)
	assert.Empty(t, r.EvictDead())

	routes := r.ConfigurationsForContinent("eu")
	require.Len(t, routes, 1)
	assert.Equal(t, "eu1", routes[0].ShardName)

	*now = now.Add(11 * time.Second)
	assert.Equal(t, []string{"eu1"}, r.EvictDead())

	routes = r.ConfigurationsForContinent("eu")
	require.Len(t, routes, 1)
	assert.Equal(t, mainShardName, routes[0].ShardName, "после удаления маршрут ведёт на координатор")
}

func TestRegistry_HeartbeatUnknown(t *testing.T) {
	r, _ := newTestRegistry()
	assert.ErrorIs(t, r.Heartbeat("ghost"), ErrShardNotRegistered)
}

func TestRegistry_Routing(t *testing.T) {
	r, _ := newTestRegistry()

	require.NoError(t, r.Register(shardConfig("eu2", "eu")))
	require.NoError(t, r.Register(shardConfig("eu1", "eu", "af")))
	require.NoError(t, r.Register(shardConfig("any", model.WildcardContinent)))

	tests := []struct {
		name      string
		continent string
		want      []string
	}{
		{"точное совпадение", "eu", []string{"eu1", "eu2"}},
		{"несколько континентов", "af", []string{"eu1"}},
		{"wildcard", "na", []string{"any"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var names []string
			for _, c := range r.ConfigurationsForContinent(tt.continent) {
				names = append(names, c.ShardName)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestRegistry_FallbackToMain(t *testing.T) {
	r, _ := newTestRegistry()

	routes := r.ConfigurationsForContinent("eu")
	require.Len(t, routes, 1)
	assert.Equal(t, "https://main.example.org", routes[0].RegionURIs[model.WildcardContinent])
	assert.True(t, routes[0].CoversContinent(model.WildcardContinent))
}

func TestRegistry_RegisterInvalid(t *testing.T) {
	r, _ := newTestRegistry()

	assert.Error(t, r.Register(model.ShardConfiguration{ShardName: "x"}))
	assert.Error(t, r.Register(model.ShardConfiguration{
		ShardName: "bad", Continents: []string{"eu"},
		RegionURIs: map[string]string{"eu": "https://bad"}, FileMatch: "([",
	}))
	assert.Empty(t, r.Heartbeats())
}

func TestRegistry_ReRegisterUpdatesConfig(t *testing.T) {
	r, now := newTestRegistry()

	require.NoError(t, r.Register(shardConfig("s1", "eu")))
	*now = now.Add(30 * time.Second)
	require.NoError(t, r.Register(shardConfig("s1", "na")))

	assert.Equal(t, mainShardName, r.ConfigurationsForContinent("eu")[0].ShardName)
	assert.Equal(t, "s1", r.ConfigurationsForContinent("na")[0].ShardName)

	hb := r.Heartbeats()
	require.Len(t, hb, 1)
	assert.Equal(t, *now, hb[0].LastSeenAt)
}

func TestRegistry_Unregister(t *testing.T) {
	r, _ := newTestRegistry()

	require.NoError(t, r.Register(shardConfig("eu1", "eu")))
	r.Unregister("eu1")
	r.Unregister("eu1")

	assert.ErrorIs(t, r.Heartbeat("eu1"), ErrShardNotRegistered)
	assert.Equal(t, mainShardName, r.ConfigurationsForContinent("eu")[0].ShardName)
}

func TestRegistry_StartStop(t *testing.T) {
	r, _ := newTestRegistry()
	r.cfg.SweepInterval = 10 * time.Millisecond
	r.cfg.LivenessTimeout = 20 * time.Millisecond
	r.now = time.Now

	require.NoError(t, r.Register(shardConfig("eu1", "eu")))
	r.Start(t.Context())
	defer r.Stop()

	assert.Eventually(t, func() bool { return len(r.Heartbeats()) == 0 }, time.Second, 10*time.Millisecond)
}
