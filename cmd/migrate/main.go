package main

import (
	"errors"
	"flag"
	"fmt"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/logger"
)

func main() {
	var migrationDir string
	flag.StringVar(&migrationDir, "path", "migrations", "Path to migration files")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		return
	}

	m, err := migrate.New("file://"+migrationDir, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Migration failed to initialize")
	}
	defer m.Close()

	switch args[0] {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal().Err(err).Msg("Up failed")
		}
		log.Info().Msg("Migrated up successfully")
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal().Err(err).Msg("Down failed")
		}
		log.Info().Msg("Migrated down successfully")
	case "steps":
		n, err := intArg(args)
		if err != nil {
			log.Fatal().Err(err).Msg("steps requires a numeric argument")
		}
		if err := m.Steps(n); err != nil {
			log.Fatal().Err(err).Int("steps", n).Msg("Steps failed")
		}
		log.Info().Int("steps", n).Msg("Migrated successfully")
	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			log.Fatal().Err(err).Msg("Version failed")
		}
		log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Schema version")
	case "force":
		v, err := intArg(args)
		if err != nil {
			log.Fatal().Err(err).Msg("force requires a version argument")
		}
		if err := m.Force(v); err != nil {
			log.Fatal().Err(err).Msg("Force failed")
		}
		log.Info().Int("version", v).Msg("Forced version")
	default:
		printUsage()
	}
}

func intArg(args []string) (int, error) {
	if len(args) < 2 {
		return 0, errors.New("missing argument")
	}
	return strconv.Atoi(args[1])
}

func printUsage() {
	fmt.Println("Usage: migrate [flags] <command>")
	fmt.Println("Commands: up, down, steps <n>, version, force <version>")
	fmt.Println("Flags:")
	flag.PrintDefaults()
}
