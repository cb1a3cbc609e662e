package db

import (
	"fmt"
	"io"
	"io/fs"
	"strconv"
)

// MigrationStatus summarises the schema state of a database.
type MigrationStatus struct {
	Current uint `json:"current_version"`
	Latest  uint `json:"latest_version"`
	Dirty   bool `json:"dirty"`
}

// Pending is the number of migrations not yet applied.
func (s MigrationStatus) Pending() uint {
	if s.Current >= s.Latest {
		return 0
	}
	return s.Latest - s.Current
}

// Status reports the applied and latest versions.
func (db *DB) Status(migrations fs.FS) (MigrationStatus, error) {
	cur, dirty, err := db.MigrateVersion(migrations)
	if err != nil {
		return MigrationStatus{}, err
	}
	latest, err := LatestMigrationVersion(migrations)
	if err != nil {
		return MigrationStatus{}, err
	}
	return MigrationStatus{Current: cur, Latest: latest, Dirty: dirty}, nil
}

// RunMigrateCommand executes one migrate action (up, down, status, force
// <version>) against the database at dbPath.
func RunMigrateCommand(w io.Writer, dbPath, action string, args []string) error {
	migrations, err := MigrationsFS()
	if err != nil {
		return err
	}
	database, err := OpenDB(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	switch action {
	case "up":
		if err := database.MigrateUp(migrations); err != nil {
			return err
		}
		fmt.Fprintln(w, "all migrations applied")
	case "down":
		if err := database.MigrateDown(migrations); err != nil {
			return err
		}
		fmt.Fprintln(w, "rolled back one migration")
	case "force":
		if len(args) != 1 {
			return fmt.Errorf("usage: migrate force <version>")
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		if err := database.MigrateForce(migrations, v); err != nil {
			return err
		}
		fmt.Fprintf(w, "forced version %d\n", v)
	case "status":
		st, err := database.Status(migrations)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "current version: %d\nlatest version:  %d\ndirty:           %v\npending:         %d\n",
			st.Current, st.Latest, st.Dirty, st.Pending())
	default:
		return fmt.Errorf("unknown migrate action %q (want up, down, status or force)", action)
	}
	return nil
}
