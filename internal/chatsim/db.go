package chatsim

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDBOption struct {
	// mode can be ro | rw | rwc | memory
	Mode string
	// cache can be shared | private
	Cache string
	// JournalMode be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
}

func (o *SQLiteDBOption) dsn(file string) string {
	var sb strings.Builder
	sb.WriteString("file:")
	sb.WriteString(file)
	sb.WriteString("?_foreign_keys=on")
	if o == nil {
		return sb.String()
	}
	if o.Mode != "" {
		sb.WriteString("&mode=")
		sb.WriteString(o.Mode)
	}
	if o.Cache != "" {
		sb.WriteString("&cache=")
		sb.WriteString(o.Cache)
	}
	if o.JournalMode != "" {
		sb.WriteString("&_journal_mode=")
		sb.WriteString(o.JournalMode)
	}
	return sb.String()
}

type SQLiteDB struct {
	*sql.DB
}

// OpenSQLiteDB opens the database file and applies the embedded migrations.
func OpenSQLiteDB(file string, option *SQLiteDBOption) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite3", option.dsn(file))
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	// sqlite allows a single writer
	d.SetMaxOpenConns(1)
	db := &SQLiteDB{DB: d}
	if err := db.migrate(); err != nil {
		d.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (db *SQLiteDB) migrate() error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db.DB, "migrations")
}
