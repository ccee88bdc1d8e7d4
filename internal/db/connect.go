// Package db opens the journal database and manages its schema.
package db

import (
	"fmt"
	"net"
	"strconv"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/zulandar/atlasfeed/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported journal drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// DSN builds a MySQL DSN for the journal database. An empty database
// selects none, for CREATE DATABASE operations.
func DSN(cfg config.JournalConfig, database string) string {
	mc := gomysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = database
	mc.ParseTime = true
	return mc.FormatDSN()
}

// Connect opens a GORM connection to the journal database.
func Connect(cfg config.JournalConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(cfg.Path)
	case DriverMySQL:
		dialector = mysql.Open(DSN(cfg, cfg.Database))
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect %s: %w", describe(cfg), err)
	}
	return db, nil
}

// ConnectAdmin opens a GORM connection to the MySQL server without selecting
// a specific database, used for CREATE DATABASE operations.
func ConnectAdmin(cfg config.JournalConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(DSN(cfg, "")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: admin connect to %s: %w", describe(cfg), err)
	}
	return db, nil
}

// Open connects to the journal, creating the MySQL database when missing,
// and migrates the schema.
func Open(cfg config.JournalConfig) (*gorm.DB, error) {
	if cfg.Driver == DriverMySQL {
		admin, err := ConnectAdmin(cfg)
		if err != nil {
			return nil, err
		}
		err = CreateDatabase(admin, cfg.Database)
		if sqlDB, dbErr := admin.DB(); dbErr == nil {
			sqlDB.Close()
		}
		if err != nil {
			return nil, err
		}
	}
	db, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// CreateDatabase creates the named database if it doesn't already exist.
func CreateDatabase(adminDB *gorm.DB, name string) error {
	sql := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: create database %s: %w", name, err)
	}
	return nil
}

func describe(cfg config.JournalConfig) string {
	if cfg.Driver == DriverMySQL {
		return fmt.Sprintf("mysql %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
	}
	return "sqlite " + cfg.Path
}
