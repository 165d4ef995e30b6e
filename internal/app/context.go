package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"sqs/internal/config"
	"sqs/internal/db"
	"sqs/internal/engine"
	"sqs/internal/engine/auth"
	"sqs/internal/layers"
	"sqs/internal/migrate"
)

// App bundles the services a command or the server works with.
type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	Layers    *layers.Store
	Auth      auth.Service
}

// Open loads the workspace config, migrates the database and wires the
// services. A workspace without sqs.yml runs on defaults.
func Open(ctx context.Context, workspace string, logger *log.Logger) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return New(conn, workspace, cfg, logger), nil
}

// New wires services over an open, migrated database.
func New(conn *sql.DB, workspace string, cfg *config.Config, logger *log.Logger) *App {
	if logger == nil {
		logger = log.Default()
	}
	store := layers.New(conn, cfg)
	store.Logger = logger
	eng := engine.New(conn, cfg, store)
	eng.Logger = logger
	return &App{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    eng,
		Layers:    store,
		Auth:      auth.New(cfg),
	}
}

// Init writes a default sqs.yml when none exists and creates the database.
// It reports whether a config file was written.
func Init(ctx context.Context, workspace, system string, force bool) (bool, error) {
	if workspace == "" {
		workspace = "."
	}
	path := config.Path(workspace)
	wrote := false
	if _, err := os.Stat(path); os.IsNotExist(err) || force {
		if system == "" {
			system = config.Default().Query.System
		}
		if err := os.WriteFile(path, []byte(config.GenerateDefault(system)), 0o644); err != nil {
			return false, err
		}
		wrote = true
	} else if err != nil {
		return false, err
	}
	a, err := Open(ctx, workspace, nil)
	if err != nil {
		return wrote, err
	}
	return wrote, a.Close()
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
