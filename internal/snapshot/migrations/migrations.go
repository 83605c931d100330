package migrations

import (
	_ "embed"

	"github.com/goran-ethernal/dna/internal/db"
)

//go:embed 001_snapshot.sql
var mig001 string

// RunMigrations runs all migrations for the control-plane database.
func RunMigrations(dbPath string) error {
	migrations := []db.Migration{
		{
			ID:  "001_snapshot.sql",
			SQL: mig001,
		},
	}

	return db.RunMigrations(dbPath, migrations)
}
