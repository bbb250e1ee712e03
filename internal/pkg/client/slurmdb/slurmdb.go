package slurmdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"gpuquota/config"
	"gpuquota/internal/pkg/common/gormlog"
	"gpuquota/internal/pkg/model"
)

// Client is a read-only GORM connection to the slurmdbd accounting
// database. ClusterName selects the <cluster>_job_table family.
type Client struct {
	DB          *gorm.DB
	ClusterName string
	logger      *slog.Logger
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	sqlDB, err := c.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// New connects to slurmdbd's MySQL database and refuses any write issued
// through the returned client.
func New(cfg config.Slurmdb, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClusterName == "" {
		return nil, fmt.Errorf("%w: slurmdb cluster_name is required", model.ErrInvalidConfig)
	}
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	logger.Debug("connecting to slurmdbd database", "host", cfg.Host, "database", cfg.Database, "cluster", cfg.ClusterName)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: gormlog.New(logger)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if d := parseDuration(cfg.ConnMaxLifetime); d > 0 {
		sqlDB.SetConnMaxLifetime(d)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, &model.SourceError{Source: "slurmdbd", Err: err}
	}

	enforceReadOnly(db)
	return &Client{DB: db, ClusterName: cfg.ClusterName, logger: logger}, nil
}

const (
	connectTimeout = 5 * time.Second
	readTimeout    = 30 * time.Second
)

// buildDSN renders cfg as a go-sql-driver DSN. Credentials and location
// are escaped by the driver.
func buildDSN(cfg config.Slurmdb) (string, error) {
	if cfg.Host == "" || cfg.Database == "" {
		return "", fmt.Errorf("%w: slurmdb host and database are required", model.ErrInvalidConfig)
	}
	port := cfg.Port
	if port == 0 {
		port = 3306
	}

	dc := gomysql.NewConfig()
	dc.User = cfg.User
	dc.Passwd = cfg.Password
	dc.Net = "tcp"
	dc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	dc.DBName = cfg.Database
	dc.ParseTime = cfg.ParseTime
	dc.TLSConfig = cfg.TLS
	dc.Timeout = connectTimeout
	dc.ReadTimeout = readTimeout
	dc.WriteTimeout = connectTimeout
	if cfg.Charset != "" {
		if err := dc.Apply(gomysql.Charset(cfg.Charset, "")); err != nil {
			return "", fmt.Errorf("%w: slurmdb charset: %v", model.ErrInvalidConfig, err)
		}
	}
	if cfg.Loc != "" {
		loc, err := time.LoadLocation(cfg.Loc)
		if err != nil {
			return "", fmt.Errorf("%w: slurmdb loc: %v", model.ErrInvalidConfig, err)
		}
		dc.Loc = loc
	}
	return dc.FormatDSN(), nil
}

// parseDuration returns 0 on empty or invalid duration strings.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Package-level default Client for convenience wiring.
var defaultClient *Client

// SetDefault sets the package-level default SlurmDB Client.
func SetDefault(c *Client) { defaultClient = c }

// Default returns the package-level default SlurmDB Client.
func Default() *Client { return defaultClient }

// enforceReadOnly installs GORM callbacks that reject write operations and non-read raw SQL.
func enforceReadOnly(db *gorm.DB) {
	block := func(tx *gorm.DB) {
		tx.AddError(errors.New("slurmdbd database is opened read-only"))
	}
	_ = db.Callback().Create().Before("gorm:create").Register("gpuquota:readonly_create", block)
	_ = db.Callback().Update().Before("gorm:update").Register("gpuquota:readonly_update", block)
	_ = db.Callback().Delete().Before("gorm:delete").Register("gpuquota:readonly_delete", block)

	_ = db.Callback().Raw().Before("gorm:raw").Register("gpuquota:readonly_raw", func(tx *gorm.DB) {
		if isReadOnlySQL(tx.Statement.SQL.String()) {
			return
		}
		tx.AddError(errors.New("read-only: raw SQL must be SELECT/SHOW/DESCRIBE/EXPLAIN"))
	})
}

func isReadOnlySQL(sql string) bool {
	up := strings.ToUpper(strings.TrimSpace(sql))
	for _, p := range []string{"SELECT", "SHOW", "DESCRIBE", "EXPLAIN"} {
		if strings.HasPrefix(up, p) {
			return true
		}
	}
	return false
}
