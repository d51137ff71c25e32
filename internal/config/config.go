package config

import (
	"fmt"
	"os"
	"strings"
)

type Config struct {
	DBFile   string
	BlobPath string
	RelayURL string
	ICEURLs  []string
	Username string
}

func Load() (*Config, error) {
	cfg := &Config{
		DBFile:   getEnv("TETATET_DB", "tetatet.db"),
		BlobPath: getEnv("TETATET_BLOBS", "blobs"),
		RelayURL: getEnv("TETATET_RELAY", "wss://relay.tetatet.chat/ws"),
		Username: os.Getenv("TETATET_USERNAME"),
	}

	if ice := os.Getenv("TETATET_ICE_URLS"); ice != "" {
		cfg.ICEURLs = strings.Split(ice, ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("TETATET_RELAY is required")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
