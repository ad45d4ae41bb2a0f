package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite catalog of installed fonts and locally available
// packages. It backs font queries and package listings; it is rebuilt from
// the providers on every start.
type Store struct {
	db *sql.DB
}

// NewStore opens a catalog at dbPath with WAL mode enabled. An empty path
// opens a private in-memory database.
func NewStore(dbPath string) (*Store, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=30000"
	if dbPath == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == "" {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the catalog tables and indexes. Idempotent.
func (s *Store) Migrate() error {
	_, err := s.db.Exec(schemaDDL)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS fonts (
  id              INTEGER PRIMARY KEY,
  provider        TEXT NOT NULL,
  key             TEXT NOT NULL,
  family          TEXT NOT NULL,
  family_lower    TEXT NOT NULL,
  style           TEXT NOT NULL DEFAULT 'Regular',
  weight          INTEGER NOT NULL DEFAULT 400,
  path            TEXT,
  UNIQUE (provider, key)
);

CREATE TABLE IF NOT EXISTS packages (
  id              INTEGER PRIMARY KEY,
  namespace       TEXT NOT NULL,
  name            TEXT NOT NULL,
  version         TEXT NOT NULL,
  source          TEXT NOT NULL,
  path            TEXT,
  entry           TEXT NOT NULL DEFAULT 'lib.typ',
  UNIQUE (namespace, name, version)
);

CREATE INDEX IF NOT EXISTS idx_fonts_family ON fonts(family_lower);
CREATE INDEX IF NOT EXISTS idx_fonts_provider ON fonts(provider);
CREATE INDEX IF NOT EXISTS idx_packages_namespace ON packages(namespace);
`
