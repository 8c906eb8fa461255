// Package db provides the embedded database schema and seed data.
package db

import _ "embed"

// Schema contains the DDL statements for all application tables.
//
//go:embed migrations/001_schema.sql
var Schema string

// SeedBooks is the default catalog used by the seeder and the memory driver.
//
//go:embed seed/books.json
var SeedBooks []byte
