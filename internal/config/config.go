package config

import "path/filepath"

// Config is the engine and CLI configuration consumed by cmd/coe.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	// Path overrides the database file location; empty means
	// <root>/.coe/tickets.db.
	Path string
	// RetentionDays is the archive retention window.
	RetentionDays int
	// AutoMigrate runs schema migration at startup.
	AutoMigrate bool
	// SeedPlaceholder files a welcome ticket on a brand-new database.
	SeedPlaceholder bool
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			RetentionDays:   30,
			AutoMigrate:     true,
			SeedPlaceholder: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration for the workspace rooted at root: defaults,
// then <root>/.coe/config.json, then COE_* environment variables, each
// layer overriding the last. A missing or unreadable config file is not an
// error; the engine must come up on defaults.
func Load(root string) (Config, error) {
	return loadWith(newFileBackend(configFilePath(root)))
}

func configFilePath(root string) string {
	return filepath.Join(root, ".coe", "config.json")
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}
