package conn

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	defaultPostgresHost     = "localhost"
	defaultPostgresPort     = 5432
	defaultPostgresSSLMode  = "disable"
	defaultPostgresMaxOpen  = 4
	defaultPostgresLifetime = 30 * time.Minute
)

// PostgresOption describes a PostgreSQL connection. DSN wins over the discrete fields.
type PostgresOption struct {
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	// Verbose logs every statement through gorm.
	Verbose bool
}

// OpenPostgres opens a gorm handle and pings it within ctx.
func OpenPostgres(ctx context.Context, opt PostgresOption) (*gorm.DB, error) {
	level := logger.Warn
	if opt.Verbose {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(opt.dsn()), &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "postgres pool")
	}
	maxOpen := opt.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultPostgresMaxOpen
	}
	lifetime := opt.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = defaultPostgresLifetime
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxOpen)
	sqlDB.SetConnMaxLifetime(lifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "ping postgres").With("host", opt.Host)
	}
	return db, nil
}

// ClosePostgres closes the pool behind db.
func ClosePostgres(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (opt PostgresOption) dsn() string {
	if opt.DSN != "" {
		return opt.DSN
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%d", host, port),
		RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
	}
	switch {
	case opt.User != "" && opt.Password != "":
		u.User = url.UserPassword(opt.User, opt.Password)
	case opt.User != "":
		u.User = url.User(opt.User)
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}
	return u.String()
}
