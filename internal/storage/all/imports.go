// Package all wires all built-in storage backends into the storage factory.
//
// This package exists purely for side effects: importing it (even as a blank
// import) runs the init functions of each backend, which register their
// factories with the storage package. The kinds made available are
// "postgres", "mysql", "mssql" and "sqlite".
//
// Typical usage (in cmd/ingest):
//
//	import _ "github.com/Derrickeee/Data-Jedi/internal/storage/all"
//
//	repo, err := storage.New(ctx, storage.Config{Kind: p.Storage.Kind, DSN: p.Storage.DB.DSN})
package all

import (
	_ "github.com/Derrickeee/Data-Jedi/internal/storage/mssql"
	_ "github.com/Derrickeee/Data-Jedi/internal/storage/mysql"
	_ "github.com/Derrickeee/Data-Jedi/internal/storage/postgres"
	_ "github.com/Derrickeee/Data-Jedi/internal/storage/sqlite"
)
