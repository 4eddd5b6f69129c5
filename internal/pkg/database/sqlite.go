package database

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

func init() {
	// modernc registers itself as "sqlite"; make Rebind emit '?' placeholders for it.
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// NewSQLite opens an embedded database file. Used for local development and tests.
func NewSQLite(path string) (*sqlx.DB, error) {
	path = strings.TrimPrefix(path, "sqlite://")
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, err
	}

	// A single connection serializes writers; every ledger operation is one short transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Msg("Opened SQLite database")
	return db, nil
}
