package config

import (
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Dialector picks the gorm driver named by the configuration.
func Dialector() gorm.Dialector {
	if MainConfig.Driver == "postgres" {
		return postgres.Open(DSN)
	}
	return sqlite.Open(MainConfig.SQLite)
}

// LogMode maps the configured log level onto gorm's logger.
func LogMode() logger.LogLevel {
	switch MainConfig.LogLevel {
	case "debug", "trace":
		return logger.Info
	case "warn", "warning":
		return logger.Warn
	case "error", "fatal", "panic":
		return logger.Error
	}
	return logger.Silent
}
