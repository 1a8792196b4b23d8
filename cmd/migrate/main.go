package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/compliance-ledger/pkg/config"
	"github.com/angelmondragon/compliance-ledger/pkg/db"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
	"github.com/angelmondragon/compliance-ledger/pkg/migrate"
)

type dbCommand func(ctx context.Context, sqlDB *sql.DB, src migrate.Source) error

func gooseCommand(name string) dbCommand {
	return func(ctx context.Context, sqlDB *sql.DB, src migrate.Source) error {
		return migrate.Run(ctx, sqlDB, src, name)
	}
}

func main() {
	cmd := flag.String("cmd", "up", "migration command: "+strings.Join(commandNames(), "|"))
	dir := flag.String("dir", "", "migrations directory on disk (default: migrations bundled in the binary; create uses "+migrate.DefaultDir+")")
	name := flag.String("name", "", "migration name (for create)")
	version := flag.String("version", "", "target version YYYYMMDDHHMMSS (for version)")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: "migrate"})
	ctx := logg.WithField(context.Background(), "cmd", *cmd)

	src := migrate.Bundled()
	if *dir != "" {
		src = migrate.Disk(*dir)
	}

	// file-only commands run without config or a database
	switch *cmd {
	case "create":
		target := *dir
		if target == "" {
			target = migrate.DefaultDir
		}
		if *name == "" {
			exit(ctx, logg, "create", errors.New("missing -name"))
		}
		path, err := migrate.CreateSQLMigration(target, *name)
		if err != nil {
			exit(ctx, logg, "create", err)
		}
		fmt.Println("created migration:", path)
		return
	case "validate":
		if err := src.Validate(); err != nil {
			exit(ctx, logg, "validate", err)
		}
		fmt.Println("migrations valid:", src)
		return
	}

	commands := dbCommands(*version)
	run, ok := commands[*cmd]
	if !ok {
		exit(ctx, logg, "parse flags", fmt.Errorf("unknown -cmd %q", *cmd))
	}

	if err := godotenv.Load(); err != nil {
		logg.Warn(ctx, ".env file not found, relying on environment")
	}
	cfg, err := config.Load()
	if err != nil {
		exit(ctx, logg, "load config", err)
	}
	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})
	ctx = logg.WithFields(ctx, map[string]any{
		"env":    cfg.App.Env,
		"source": src.String(),
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		exit(ctx, logg, "connect database", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "error closing database", err)
		}
	}()
	sqlDB, err := dbClient.DB().DB()
	if err != nil {
		exit(ctx, logg, "open sql database", err)
	}

	logg.Info(ctx, "running migrations")
	if err := run(ctx, sqlDB, src); err != nil {
		exit(ctx, logg, *cmd, err)
	}
	logg.Info(ctx, "migrations complete")
}

func dbCommands(version string) map[string]dbCommand {
	return map[string]dbCommand{
		"up":     gooseCommand("up"),
		"down":   gooseCommand("down"),
		"redo":   gooseCommand("redo"),
		"status": gooseCommand("status"),
		"version": func(ctx context.Context, sqlDB *sql.DB, src migrate.Source) error {
			if version == "" {
				return errors.New("missing -version")
			}
			return migrate.MigrateToVersion(ctx, sqlDB, src, version)
		},
	}
}

func commandNames() []string {
	names := []string{"create", "validate"}
	for name := range dbCommands("") {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func exit(ctx context.Context, logg *logger.Logger, step string, err error) {
	logg.Error(ctx, "migrate "+step+" failed", err)
	os.Exit(1)
}
