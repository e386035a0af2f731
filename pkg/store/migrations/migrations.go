// Package migrations embeds the versioned SQL schema for the postgres
// backend. The sqlite backend instead relies on gorm's AutoMigrate at
// startup (see pkg/store.Open); postgres deployments run these
// golang-migrate steps explicitly so schema changes are reviewable and
// reversible in a multi-instance deployment.
package migrations

import "embed"

//go:embed sql/*.sql
var FS embed.FS
