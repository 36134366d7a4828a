// Package sql provides embedded SQL files for Propolis infrastructure.
package sql

import (
	_ "embed"
)

// TablesSQL contains the table and index definitions for all propolis
// tables. Every statement is idempotent (CREATE TABLE IF NOT EXISTS,
// CREATE INDEX IF NOT EXISTS), so the migrator can apply it on every
// startup.
//
// Embedding at compile time keeps the binary self-contained; no external
// SQL files are needed at runtime.
//
//go:embed tables.sql
var TablesSQL string
