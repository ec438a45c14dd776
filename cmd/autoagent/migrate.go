package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/autoagent/config"
	"github.com/BaSui01/autoagent/internal/migration"
)

// =============================================================================
// 知识库迁移命令
// =============================================================================

func runMigrate(args []string) error {
	if len(args) < 1 {
		printMigrateUsage()
		return fmt.Errorf("missing migrate subcommand")
	}
	sub, rest := args[0], args[1:]
	if sub == "help" || sub == "-h" || sub == "--help" {
		printMigrateUsage()
		return nil
	}

	fs := flag.NewFlagSet("migrate "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	m, err := openMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		return err
	}
	defer m.Close()

	cli := migration.NewCLI(m)
	switch sub {
	case "up":
		return cli.RunUp(ctx)
	case "down":
		return cli.RunDown(ctx)
	case "reset":
		return cli.RunReset(ctx)
	case "status":
		return cli.RunStatus(ctx)
	case "version":
		return cli.RunVersion(ctx)
	case "goto":
		v, err := versionArg(fs.Args())
		if err != nil {
			return err
		}
		return cli.RunGoto(ctx, uint(v))
	case "force":
		v, err := versionArg(fs.Args())
		if err != nil {
			return err
		}
		return cli.RunForce(ctx, v)
	default:
		printMigrateUsage()
		return fmt.Errorf("unknown migrate subcommand: %s", sub)
	}
}

func versionArg(args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("exactly one version argument is required")
	}
	v, err := strconv.Atoi(args[0])
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version %q", args[0])
	}
	return v, nil
}

// openMigrator 优先使用 --db-type/--db-url，否则读取配置文件中的 database 段
func openMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	logger := zap.NewNop()
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL, logger)
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger = initLogger(cfg.Log)
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromConfig(cfg.Database, logger)
}

// migrateUp serve --migrate 使用
func migrateUp(ctx context.Context, dbCfg config.DatabaseConfig, logger *zap.Logger) error {
	m, err := migration.NewMigratorFromConfig(dbCfg, logger)
	if err != nil {
		return fmt.Errorf("open migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(ctx); err != nil {
		return err
	}
	v, dirty, err := m.Version(ctx)
	if err != nil {
		return err
	}
	logger.Info("knowledge schema up to date", zap.Uint("version", v), zap.Bool("dirty", dirty))
	return nil
}

func printMigrateUsage() {
	fmt.Fprintln(os.Stdout, `Knowledge Schema Migration Commands

Usage:
  autoagent migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration
  status    Show migration status
  version   Show current migration version
  goto <v>  Migrate to a specific version
  force <v> Force set migration version (use with caution)
  reset     Rollback all migrations

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)`)
}
