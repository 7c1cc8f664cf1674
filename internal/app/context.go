// Package app wires the workspace pieces together for the CLI and the
// server: database, migrations, config, engine, and sync.
package app

import (
	"database/sql"
	"fmt"

	"ideaforge/internal/config"
	"ideaforge/internal/db"
	"ideaforge/internal/engine"
	"ideaforge/internal/genres"
	"ideaforge/internal/migrate"
	"ideaforge/internal/store"
)

// App holds an opened workspace.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Syncer *store.Syncer
	Genres *genres.Client
}

// Open loads config from the workspace, opens the database, and runs
// pending migrations. The workspace directory is created if missing.
func Open(workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	var remote store.Remote
	if r := store.NewRemote(cfg); r != nil {
		remote = r
	}
	return &App{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg),
		Syncer: store.New(conn, cfg, remote),
		Genres: genres.New(cfg),
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
