package app

import (
	"database/sql"
	"fmt"
	"os"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/engine"
	"bountyline/internal/migrate"
)

// Context bundles the open database, loaded config, and engine for one
// workspace. CLI commands and the server both bootstrap through here.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Bootstrap opens the workspace database, applies migrations, and loads
// bountyline.yml. A missing config file falls back to defaults so a fresh
// workspace works without any setup.
func Bootstrap(workspace string) (*Context, error) {
	if workspace == "" {
		workspace = "."
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Context{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg),
	}, nil
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// InitWorkspace seeds bountyline.yml with defaults. It refuses to overwrite
// an existing config.
func InitWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("config %s already exists", path)
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
