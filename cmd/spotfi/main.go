package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rufaromugabe/spotfi-sub000/internal/app"
	"github.com/rufaromugabe/spotfi-sub000/internal/config"
	admin "github.com/rufaromugabe/spotfi-sub000/internal/http/api/admin"
	"github.com/rufaromugabe/spotfi-sub000/internal/http/api/admin/permissions"
	log "github.com/sirupsen/logrus"
)

// defaultPort is written into a generated starter config.
const defaultPort = 8080

// main runs the CLI entrypoint and exits on unrecoverable command errors.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if errRun := run(ctx, os.Args[1:], os.Stdout); errRun != nil {
		log.WithError(errRun).Error("command failed")
		os.Exit(1)
	}
}

// run parses flags, loads config, and starts the server or a one-shot command.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("spotfi", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	port := fs.Int("port", 0, "HTTP port, overrides server.addr")
	migrateOnly := fs.Bool("migrate", false, "run database migrations and exit")
	tokenSubject := fs.String("issue-admin-token", "", "print an admin API token for this subject and exit")
	tokenPerms := fs.String("permissions", "", "comma separated permission keys for -issue-admin-token; empty grants super admin")
	tokenTTL := fs.Duration("token-ttl", 0, "lifetime of the issued admin token (default jwt.expiry)")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}

	if *port != 0 {
		if errValidate := validatePort(*port); errValidate != nil {
			return errValidate
		}
	}

	appCfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*cfgPath) != "" {
		appCfg.ConfigPath = config.ResolveConfigPath(*cfgPath)
	}
	configPath := config.ResolveConfigPath(appCfg.ConfigPath)

	if subject := strings.TrimSpace(*tokenSubject); subject != "" {
		return issueAdminToken(stdout, configPath, subject, *tokenPerms, *tokenTTL)
	}
	if *migrateOnly {
		return app.Migrate(ctx, appCfg)
	}

	if !app.ConfigExists(configPath) && strings.TrimSpace(os.Getenv(config.EnvDBConnection)) == "" {
		writePort := defaultPort
		if *port != 0 {
			writePort = *port
		}
		if errWrite := app.WriteConfigFile(configPath, "", writePort); errWrite != nil {
			return errWrite
		}
		log.WithField("path", configPath).Info("config not found, wrote starter config")
	}

	return app.RunServer(ctx, appCfg, *port)
}

func issueAdminToken(stdout io.Writer, configPath, subject, rawPerms string, ttl time.Duration) error {
	jwtCfg, err := config.LoadJWTConfig(configPath)
	if err != nil {
		return err
	}
	if jwtCfg.Secret == "" {
		return errors.New("jwt secret is not configured")
	}
	if ttl <= 0 {
		ttl = jwtCfg.Expiry
	}

	var perms []string
	for _, p := range strings.Split(rawPerms, ",") {
		if p = strings.TrimSpace(p); p != "" {
			perms = append(perms, p)
		}
	}
	normalized := permissions.NormalizePermissions(perms)
	if len(perms) > 0 && len(normalized) == 0 {
		return fmt.Errorf("no known permissions in %q", rawPerms)
	}

	token, err := admin.IssueAdminToken(jwtCfg.Secret, subject, normalized, len(perms) == 0, ttl, time.Now())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

func validatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}
