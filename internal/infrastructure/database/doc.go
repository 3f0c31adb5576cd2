// Package database opens the SQLite file backing the command journal and
// applies its schema migrations.
//
// WAL mode and a busy timeout are set through the DSN. Migrations are
// embedded by the top-level migrations package and applied in version
// order, one transaction each:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
