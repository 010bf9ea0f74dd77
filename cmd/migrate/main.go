package main

import (
	"database/sql"
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/lib/pq"
	"github.com/urfave/cli/v2"

	"github.com/streamweave/backend/config"
	"github.com/streamweave/backend/internal/auth"
	"github.com/streamweave/backend/internal/database"
)

var log = logging.Logger("migrate")

func main() {
	app := &cli.App{
		Name:  "streamweave-admin",
		Usage: "manage the journal schema and issue API tokens",
		Commands: []*cli.Command{
			upCmd,
			downCmd,
			statusCmd,
			tokenCmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Errorw("command failed", "err", err)
		os.Exit(1)
	}
}

var upCmd = &cli.Command{
	Name:  "up",
	Usage: "apply pending migrations",
	Action: withDB(func(_ *cli.Context, db *sql.DB) error {
		if err := database.RunMigrations(db); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		log.Info("migrations completed")
		return nil
	}),
}

var downCmd = &cli.Command{
	Name:  "down",
	Usage: "roll back the most recent migration",
	Action: withDB(func(_ *cli.Context, db *sql.DB) error {
		version, err := database.RollbackLast(db)
		if err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		if version == 0 {
			fmt.Println("Nothing to roll back")
			return nil
		}
		fmt.Printf("Rolled back version %d\n", version)
		return nil
	}),
}

var statusCmd = &cli.Command{
	Name:  "status",
	Usage: "list applied migrations",
	Action: withDB(func(_ *cli.Context, db *sql.DB) error {
		applied, err := database.Applied(db)
		if err != nil {
			return err
		}
		latest := len(database.Migrations)

		fmt.Println("\nApplied Migrations:")
		fmt.Println("-------------------")
		for _, m := range applied {
			fmt.Printf("Version %d - Applied at: %s\n", m.Version, m.AppliedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("\n%d of %d applied\n", len(applied), latest)
		return nil
	}),
}

var tokenCmd = &cli.Command{
	Name:      "token",
	Usage:     "issue a bearer token",
	ArgsUsage: "<identity>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "role",
			Usage: "streamer, viewer or operator",
			Value: auth.RoleViewer,
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return fmt.Errorf("expected one identity argument")
		}
		switch role := cctx.String("role"); role {
		case auth.RoleStreamer, auth.RoleViewer, auth.RoleOperator:
		default:
			return fmt.Errorf("unknown role %q", role)
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		token, err := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpiryHours).
			GenerateToken(cctx.Args().First(), cctx.String("role"))
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func withDB(fn func(*cli.Context, *sql.DB) error) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		db, err := sql.Open("postgres", cfg.GetDSN())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		return fn(cctx, db)
	}
}
