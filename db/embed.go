// Package db embeds the PostgreSQL schema used by the cart slot and the
// order journal.
package db

import _ "embed"

// Schema contains the DDL statements for all tables. Every statement is
// idempotent.
//
//go:embed migrations/001_schema.sql
var Schema string
