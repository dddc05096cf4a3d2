// Package app loads configuration and runs the portal, accounting and enforcement
// components as one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rufaromugabe/spotfi-sub000/internal/config"
	"github.com/rufaromugabe/spotfi-sub000/internal/db"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := resolveDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	return db.Migrate(conn.WithContext(ctx))
}

// resolveDSN falls back to a local SQLite file when no DSN is configured.
func resolveDSN(configPath string) (string, error) {
	dsn, err := config.LoadDatabaseDSN(configPath)
	if errors.Is(err, config.ErrMissingDatabaseDSN) {
		log.WithField("path", DefaultSQLitePath).Warn("no database dsn configured, using sqlite")
		return db.SQLiteDSN(DefaultSQLitePath), nil
	}
	return dsn, err
}

// ConfigureLogging applies the configured level and the text formatter.
func ConfigureLogging(cfg config.LoggingConfig) {
	log.SetOutput(os.Stdout)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	level, err := log.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, error) {
	if summary, errDescribe := describeDSN(dsn); errDescribe == nil {
		log.WithFields(summary.fields()).Info("database target")
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return nil, err
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("db: pool: %w", err)
	}
	if errPing := sqlDB.PingContext(ctx); errPing != nil {
		return nil, fmt.Errorf("db: ping: %w", errPing)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return nil, errMigrate
	}
	return conn, nil
}

// RunServer starts every component and blocks until ctx is cancelled. A positive
// port overrides server.addr.
func RunServer(ctx context.Context, cfg config.AppConfig, port int) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)

	svcCfg, err := config.LoadServiceConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		svcCfg.Server.Addr = fmt.Sprintf(":%d", port)
	}
	ConfigureLogging(svcCfg.Logging)

	jwtCfg, err := config.LoadJWTConfig(configPath)
	if err != nil {
		return err
	}
	dsn, err := resolveDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := openDatabase(ctx, dsn)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, errDB := conn.DB(); errDB == nil {
			_ = sqlDB.Close()
		}
	}()

	svc, err := Build(ctx, conn, dsn, svcCfg, jwtCfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	log.WithFields(log.Fields{
		"config": configPath,
		"notify": svcCfg.Notify.Driver,
		"cache":  svcCfg.Cache.Driver,
	}).Info("starting spotfi")
	return svc.Run(ctx)
}
