package model

import "time"

// WildcardContinent — континент, покрывающий все регионы.
const WildcardContinent = "*"

// ShardConfiguration — объявление shard-узла о своих возможностях.
type ShardConfiguration struct {
	// ShardName — уникальное имя shard
	ShardName string `json:"shard_name" yaml:"shard_name"`
	// Continents — набор региональных тегов, "*" — любой
	Continents []string `json:"continents" yaml:"continents"`
	// FileMatch — регулярное выражение по hash для будущего шардирования.
	// Маршрутизация его не использует.
	FileMatch string `json:"file_match,omitempty" yaml:"file_match"`
	// RegionURIs — региональный тег → базовый адрес
	RegionURIs map[string]string `json:"region_uris" yaml:"region_uris"`
}

// CoversContinent проверяет, входит ли тег в набор континентов shard.
func (c ShardConfiguration) CoversContinent(tag string) bool {
	for _, cont := range c.Continents {
		if cont == tag {
			return true
		}
	}
	return false
}

// ShardHeartbeatRecord — время последнего сигнала жизни shard.
type ShardHeartbeatRecord struct {
	ShardName  string    `json:"shard_name"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
