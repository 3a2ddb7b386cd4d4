package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"shahin-ai.com/grc-auth/internal/migrate"
	"shahin-ai.com/grc-auth/internal/obs"
	"shahin-ai.com/grc-auth/ops/migrations"
)

func defaultDSN() string {
	if dsn := os.Getenv("GRC_DATABASE__DSN"); dsn != "" {
		return dsn
	}
	return os.Getenv("DATABASE_URL")
}

func main() {
	obs.InitLogger(obs.LogConfig{Level: "info", Format: "console", Output: os.Stderr})
	log := obs.Logger()

	var (
		dsn     = flag.String("dsn", defaultDSN(), "PostgreSQL DSN")
		timeout = flag.Duration("timeout", time.Minute, "Overall deadline")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal().Msg("missing DSN: provide via -dsn, GRC_DATABASE__DSN or DATABASE_URL")
	}
	if len(flag.Args()) == 0 {
		log.Fatal().Msg("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrations.Files, migrations.SchemaDir, migrations.SeedsDir)

	cmd := flag.Arg(0)
	switch cmd {
	case "up", "seed":
		var applied []string
		if cmd == "up" {
			applied, err = mgr.Up(ctx)
		} else {
			applied, err = mgr.Seed(ctx)
		}
		if err == nil {
			log.Info().Strs("applied", applied).Msgf("%s complete", cmd)
		}
	case "down":
		var reverted string
		reverted, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			log.Info().Msg("nothing to revert")
			return
		}
		if err == nil {
			log.Info().Str("reverted", reverted).Msg("down complete")
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatal().Msgf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatal().Err(err).Msgf("migrate %s", cmd)
	}
}
