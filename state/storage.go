package state

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Storage is the optional on-disk side of the state layer: a sqlite file
// holding the sync cursor per device. Everything else the Store tracks is
// memory-only and rebuilt from an initial sync.
type Storage struct {
	DevicesTable *DevicesTable
	DB           *sqlx.DB
}

// NewStorage opens (creating if needed) the sqlite database at path.
func NewStorage(path string) (*Storage, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("state: open cursor db %s: %w", path, err)
	}
	return NewStorageWithDB(db), nil
}

func NewStorageWithDB(db *sqlx.DB) *Storage {
	return &Storage{
		DevicesTable: NewDevicesTable(db),
		DB:           db,
	}
}

func (s *Storage) Teardown() error {
	return s.DB.Close()
}
