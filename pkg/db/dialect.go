package db

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/smallbiznis/creditledger/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
)

var ErrUnsupportedDialect = errors.New("unsupported_database_type")

// DialectName normalizes DATABASE_TYPE, accepting common aliases.
func DialectName(cfg config.Config) (string, error) {
	switch name := strings.ToLower(strings.TrimSpace(cfg.DBType)); name {
	case DialectPostgres, "postgresql", "pg":
		return DialectPostgres, nil
	case DialectMySQL, "mariadb":
		return DialectMySQL, nil
	case DialectSQLite, "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDialect, cfg.DBType)
	}
}

// Dialect builds the gorm dialector for the configured database. Every
// dialect stores timestamps in UTC so ledger ordering is stable.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	name, err := DialectName(cfg)
	if err != nil {
		return nil, err
	}

	switch name {
	case DialectMySQL:
		return mysql.Open(mysqlDSN(cfg)), nil
	case DialectSQLite:
		path := strings.TrimSpace(cfg.DBPath)
		if path == "" {
			return nil, errors.New("DATABASE_PATH is required for sqlite")
		}
		return sqlite.Open(path + "?_busy_timeout=5000&_foreign_keys=on"), nil
	default:
		return postgres.Open(postgresDSN(cfg)), nil
	}
}

func postgresDSN(cfg config.Config) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC application_name=%s",
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBSSLMode,
		cfg.AppName,
	)
}

// mysqlDSN leaves ClientFoundRows off: idempotent inserts rely on a
// duplicate reporting zero affected rows.
func mysqlDSN(cfg config.Config) string {
	dsn := gomysql.NewConfig()
	dsn.User = cfg.DBUser
	dsn.Passwd = cfg.DBPassword
	dsn.Net = "tcp"
	dsn.Addr = net.JoinHostPort(cfg.DBHost, cfg.DBPort)
	dsn.DBName = cfg.DBName
	dsn.ParseTime = true
	dsn.Loc = time.UTC
	dsn.ClientFoundRows = false
	dsn.Params = map[string]string{"charset": "utf8mb4"}
	return dsn.FormatDSN()
}
