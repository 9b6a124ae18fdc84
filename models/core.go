package models

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/GrainArc/GeoRef/config"
)

var DB *gorm.DB

// InitDB opens the configured database and migrates every table.
func InitDB() error {
	db, err := Open(config.Dialector(), config.LogMode())
	if err != nil {
		return err
	}
	if config.MainConfig.Driver != "postgres" {
		// sqlite serializes writers anyway; one connection avoids "database is locked"
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	DB = db
	log.Printf("database ready (%s)", config.MainConfig.Driver)
	return nil
}

// Open connects through dialector and migrates the schema.
func Open(dialector gorm.Dialector, level logger.LogLevel) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(level),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	if err := migrateAllTables(db); err != nil {
		return nil, errors.Wrap(err, "failed to migrate tables")
	}
	return db, nil
}

// OpenSQLite opens a sqlite file (or a "file:name?mode=memory&cache=shared"
// uri) with a single connection.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := Open(sqlite.Open(path), logger.Silent)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// migrateAllTables migrates every model in one call
func migrateAllTables(db *gorm.DB) error {
	models := []interface{}{
		&Item{},
		&Link{},
		&ControlPointSet{},
		&ControlPoint{},
		&Session{},
		&LayerMask{},
		&Collection{},
		&LookupEntry{},
		&PreviewLayer{},
	}

	return db.AutoMigrate(models...)
}
