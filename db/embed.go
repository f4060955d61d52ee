// Package db embeds the keychain schema.
package db

import _ "embed"

// Schema contains the DDL for the keychain tables.
//
//go:embed migrations/001_schema.sql
var Schema string
