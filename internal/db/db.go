package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir  = ".docqr"
	defaultDBName = "registry.db"
)

type Config struct {
	Workspace string
	// File overrides <workspace>/.docqr/registry.db.
	File string
}

func (c Config) path() string {
	if c.File != "" {
		return c.File
	}
	return Path(c.Workspace)
}

// EnsureWorkspace creates the .docqr directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	dir := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the registry database. Writers wait up to five seconds for a
// lock instead of failing with SQLITE_BUSY.
func Open(cfg Config) (*sql.DB, error) {
	path := cfg.path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open registry %s: %w", path, err)
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}
