// Package csql opens postgres databases with a schema
package csql

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/lib/pq" // load database driver for postgres

	"github.com/relabs-tech/sensorbridge/core/logger"
)

// DB encapsulates a standard sql.DB with a schema
type DB struct {
	*sql.DB
	Schema string
}

// ErrNoRows is returned by Scan when QueryRow doesn't return a
// row. In such a case, QueryRow returns a placeholder *Row value that
// defers this error until a Scan.
var ErrNoRows = sql.ErrNoRows

var validSchema = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Open opens a postgres database with a schema. No connection is made until
// the database is used, call EnsureSchema to create the schema.
func Open(dataSourceName, schema string) (*DB, error) {
	if len(schema) == 0 {
		schema = "public"
	}
	if !validSchema.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name %q", schema)
	}
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, err
	}
	return &DB{DB: db, Schema: schema}, nil
}

// EnsureSchema creates the schema if it does not exist yet
func (db *DB) EnsureSchema(ctx context.Context) error {
	if db.Schema == "public" {
		return nil
	}
	logger.FromContext(ctx).Infoln("selected database schema:", db.Schema)
	_, err := db.ExecContext(ctx, `CREATE schema IF NOT EXISTS `+db.Schema+`;`)
	return err
}

// ClearSchema clears all the data contained in the database's schema
// Technically this is done by dropping the schema and then recreating it
func (db *DB) ClearSchema(ctx context.Context) error {
	if db.Schema == "public" {
		return fmt.Errorf("refuse to drop public schema")
	}
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS `+db.Schema+` CASCADE;
	CREATE schema IF NOT EXISTS `+db.Schema+`;`)
	return err
}
