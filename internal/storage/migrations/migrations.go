// Package migrations embeds the metadata schema, one directory per SQL dialect.
package migrations

import "embed"

//go:embed mysql/*.sql sqlite/*.sql
var Migrations embed.FS
