package store

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// DriverFactory maps a driver name to a dialector constructor. Adding a
// database means adding an entry here.
var DriverFactory = map[string]func(dsn string) gorm.Dialector{
	"sqlite":   func(dsn string) gorm.Dialector { return sqlite.Open(dsn) },
	"postgres": func(dsn string) gorm.Dialector { return postgres.Open(dsn) },
}

func openDialector(driver, dsn string) (gorm.Dialector, error) {
	factory, ok := DriverFactory[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	return factory(dsn), nil
}
