// Package database provides the shop's SQLite store.
//
// The shop keeps a history of every gadget it has seen in SQLite so that
// devices pruned from the in-memory liveness registry are still listed as
// known. This package owns the connection and the schema migrations; the
// device repository lives in internal/device.
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive-only. Each YYYYMMDD_HHMMSS_name.up.sql file has
// a matching .down.sql and each is applied in its own transaction.
package database
