package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bigkaa/modsync/file-server/internal/domain/model"
)

// LoadShardConfiguration читает конфигурацию shard из YAML-файла.
//
// Пример:
//
//	shard_name: eu1
//	continents: [eu, af]
//	file_match: "^[0-7]"
//	region_uris:
//	  eu: https://eu1.files.example.org
func LoadShardConfiguration(path string) (*model.ShardConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение %s: %w", path, err)
	}

	var sc model.ShardConfiguration
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("разбор YAML %s: %w", path, err)
	}
	if err := ValidateShardConfiguration(&sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// ValidateShardConfiguration проверяет конфигурацию shard. Используется
// и при загрузке файла, и координатором при регистрации.
func ValidateShardConfiguration(sc *model.ShardConfiguration) error {
	sc.ShardName = strings.TrimSpace(sc.ShardName)
	if sc.ShardName == "" {
		return errors.New("shard_name: обязательное поле")
	}
	if len(sc.Continents) == 0 {
		return errors.New("continents: нужен хотя бы один континент")
	}
	for i, c := range sc.Continents {
		sc.Continents[i] = strings.ToLower(strings.TrimSpace(c))
	}
	if len(sc.RegionURIs) == 0 {
		return errors.New("region_uris: нужен хотя бы один адрес")
	}
	for region, uri := range sc.RegionURIs {
		if uri == "" {
			return fmt.Errorf("region_uris[%s]: пустой адрес", region)
		}
	}
	if sc.FileMatch != "" {
		if _, err := regexp.Compile(sc.FileMatch); err != nil {
			return fmt.Errorf("file_match: %w", err)
		}
	}
	return nil
}
