package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "github.com/tursodatabase/go-libsql"
)

// LibSQLEmbeddedConfig holds configuration for embedded libsql connections
type LibSQLEmbeddedConfig struct {
	DatabasePath string // Path to .db file, or ":memory:"
	Migrate      bool   // Apply embedded migrations after connecting
}

// ConnectToDB opens the database at path and applies migrations.
func ConnectToDB(ctx context.Context, path string) (*sql.DB, error) {
	return ConnectToDBWithConfig(ctx, &LibSQLEmbeddedConfig{DatabasePath: path, Migrate: true})
}

func ConnectToDBWithConfig(ctx context.Context, config *LibSQLEmbeddedConfig) (*sql.DB, error) {
	var dsn string
	if config.DatabasePath == ":memory:" {
		dsn = "file::memory:?cache=shared"
	} else {
		// Ensure database directory exists for embedded mode
		dir := filepath.Dir(config.DatabasePath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("could not create database directory %s: %w", dir, err)
		}

		if _, err := os.Stat(config.DatabasePath); os.IsNotExist(err) {
			log.Info().Str("path", config.DatabasePath).Msg("Database not found, creating a new one")
			file, err := os.Create(config.DatabasePath)
			if err != nil {
				return nil, fmt.Errorf("could not create db at path %s: %w", config.DatabasePath, err)
			}
			file.Close()
		}

		dsn = fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_synchronous=NORMAL&_temp_store=memory",
			config.DatabasePath)
	}

	log.Debug().Str("dsn", dsn).Msg("Connecting to embedded libsql")

	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql connection: %w", err)
	}

	if err := verifyEmbeddedLibSQL(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if config.Migrate {
		if err := Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}

// verifyEmbeddedLibSQL checks connectivity and the JSON1 functions the
// session store relies on.
func verifyEmbeddedLibSQL(ctx context.Context, db *sql.DB) error {
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("basic connectivity test failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("basic connectivity test failed: unexpected result %d", result)
	}

	var jsonResult string
	if err := db.QueryRowContext(ctx, "SELECT json_extract('{\"test\":\"value\"}', '$.test')").Scan(&jsonResult); err != nil {
		log.Warn().Err(err).Msg("JSON1 test failed")
	} else if jsonResult != "value" {
		log.Warn().Str("result", jsonResult).Msg("JSON1 test returned unexpected result")
	}

	return nil
}
