package kvstore

import (
	"fmt"

	"gorm.io/gorm"
)

// Dependencies carries external handles some drivers need.
type Dependencies struct {
	SQLiteDB *gorm.DB
}

// New creates a store for the configured driver. An empty driver means memory.
func New(cfg Config, deps Dependencies) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverMemory
	}

	switch driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverFile:
		return NewFile(cfg.Dir)
	case DriverRedis:
		return NewRedis(cfg.Redis)
	case DriverSQLite:
		if deps.SQLiteDB != nil {
			return NewSQLite(deps.SQLiteDB)
		}
		if cfg.SQLite == nil || cfg.SQLite.DSN == "" {
			return nil, fmt.Errorf("kvstore: sqlite driver requires a dsn or database handle")
		}
		return OpenSQLite(cfg.SQLite.DSN)
	default:
		return nil, fmt.Errorf("kvstore: unsupported driver: %s", driver)
	}
}
