package app

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rufaromugabe/spotfi-sub000/internal/db"
	"gopkg.in/yaml.v3"
)

// DefaultSQLitePath is the database file used by a generated starter config.
const DefaultSQLitePath = "spotfi.db"

// ConfigExists reports whether the config file exists at the path.
func ConfigExists(configPath string) bool {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return false
	}
	return true
}

// starterConfig maps the YAML fields written for a fresh install.
type starterConfig struct {
	DatabaseDSN string `yaml:"database-dsn"`
	Server      struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	JWT struct {
		Secret string `yaml:"secret"`
		Expiry string `yaml:"expiry"`
	} `yaml:"jwt"`
	Bridge struct {
		TokenSecret string `yaml:"token-secret"`
	} `yaml:"bridge"`
	Radius struct {
		Server string `yaml:"server"`
		Secret string `yaml:"secret"`
	} `yaml:"radius"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

func generateSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// WriteConfigFile writes a starter config with fresh admin and router token secrets.
// An empty dsn selects a SQLite file next to the config.
func WriteConfigFile(configPath string, dsn string, port int) error {
	if dsn == "" {
		dsn = db.SQLiteDSN(filepath.Join(filepath.Dir(configPath), DefaultSQLitePath))
	}

	var cfg starterConfig
	cfg.DatabaseDSN = dsn
	cfg.Server.Addr = fmt.Sprintf(":%d", port)
	cfg.JWT.Expiry = "24h"
	cfg.Radius.Server = "127.0.0.1"
	cfg.Logging.Level = "info"

	jwtSecret, err := generateSecret(32)
	if err != nil {
		return err
	}
	bridgeSecret, err := generateSecret(32)
	if err != nil {
		return err
	}
	cfg.JWT.Secret = jwtSecret
	cfg.Bridge.TokenSecret = bridgeSecret

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(configPath)
	if errMkdir := os.MkdirAll(dir, 0755); errMkdir != nil {
		return fmt.Errorf("create config dir: %w", errMkdir)
	}

	if errWrite := os.WriteFile(configPath, data, 0600); errWrite != nil {
		return fmt.Errorf("write config file: %w", errWrite)
	}

	return nil
}
