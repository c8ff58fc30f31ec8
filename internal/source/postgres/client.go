package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"pgstream/internal/database"
	"pgstream/internal/ingestion"

	"github.com/pterm/pterm"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Settings changed by a monitoring session. The prefix matches what the reconstructor parses.
const (
	verboseLineP = "%m [%p] %u@%d "
)

var (
	ErrNotSuperuser   = errors.New("monitoring role must be a superuser")
	ErrInvalidLogName = errors.New("invalid log file name")
)

// Config describes the monitored server connection
type Config struct {
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	SSLMode        string
	ConnectTimeout time.Duration
	LogSubdir      string // directory pg_read_binary_file resolves log names against
}

// DSN renders the keyword/value connection string
func (c Config) DSN() string {
	parts := []string{
		"host=" + quoteDSN(c.Host),
		fmt.Sprintf("port=%d", c.Port),
		"dbname=" + quoteDSN(c.Database),
		"user=" + quoteDSN(c.User),
		"application_name=pgstream",
	}
	if c.Password != "" {
		parts = append(parts, "password="+quoteDSN(c.Password))
	}
	if c.SSLMode != "" {
		parts = append(parts, "sslmode="+quoteDSN(c.SSLMode))
	}
	if c.ConnectTimeout > 0 {
		parts = append(parts, fmt.Sprintf("connect_timeout=%d", int(c.ConnectTimeout.Seconds())))
	}
	return strings.Join(parts, " ")
}

func quoteDSN(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// Client talks to the monitored server over a single pinned backend connection,
// so every monitoring query is issued by the same pid
type Client struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	cfg    Config
	logger *pterm.Logger
}

// Connect opens the monitoring connection and checks that the role may change server settings
func Connect(ctx context.Context, cfg Config, logger *pterm.Logger) (*Client, error) {
	if cfg.LogSubdir == "" {
		cfg.LogSubdir = "log"
	}

	logger.Debug("Connecting to monitored server",
		logger.Args("host", cfg.Host, "port", cfg.Port, "database", cfg.Database, "user", cfg.User))

	db, err := gorm.Open(pgdriver.New(pgdriver.Config{
		DSN:                  cfg.DSN(),
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger:                 database.NewSlowQueryLogger(logger, 500*time.Millisecond),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(0)

	c := &Client{db: db, sqlDB: sqlDB, cfg: cfg, logger: logger}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	super, err := c.IsSuperuser(ctx)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("check superuser: %w", err)
	}
	if !super {
		sqlDB.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotSuperuser, cfg.User)
	}

	logger.Info("Connected to monitored server",
		logger.Args("host", cfg.Host, "database", cfg.Database, "user", cfg.User))
	return c, nil
}

// DB exposes the pool for health monitoring
func (c *Client) DB() *sql.DB {
	return c.sqlDB
}

// Close releases the monitoring connection
func (c *Client) Close() error {
	return c.sqlDB.Close()
}

// IsSuperuser reports whether the connected role is a superuser
func (c *Client) IsSuperuser(ctx context.Context) (bool, error) {
	var super bool
	err := c.db.WithContext(ctx).
		Raw("SELECT usesuper FROM pg_user WHERE usename = current_user").
		Row().Scan(&super)
	return super, err
}

// BackendPID returns the pid of the monitoring backend
func (c *Client) BackendPID(ctx context.Context) (int, error) {
	var pid int
	err := c.db.WithContext(ctx).Raw("SELECT pg_backend_pid()").Row().Scan(&pid)
	return pid, err
}

// IsLoggingCollectorOn reports whether the server writes logs to files
func (c *Client) IsLoggingCollectorOn(ctx context.Context) (bool, error) {
	var value string
	if err := c.db.WithContext(ctx).Raw("SHOW logging_collector").Row().Scan(&value); err != nil {
		return false, err
	}
	return strings.EqualFold(value, "on"), nil
}

// EnableVerboseLogging logs every statement with its duration using the prefix the parser understands
func (c *Client) EnableVerboseLogging(ctx context.Context) error {
	return c.apply(ctx,
		"ALTER SYSTEM SET log_min_duration_statement = 0",
		"ALTER SYSTEM SET log_line_prefix = '"+verboseLineP+"'",
	)
}

// ResetVerboseLogging restores both settings to the server defaults. It only
// depends on the connection, so it is safe to run from any process at any time.
func (c *Client) ResetVerboseLogging(ctx context.Context) error {
	return c.apply(ctx,
		"ALTER SYSTEM RESET log_min_duration_statement",
		"ALTER SYSTEM RESET log_line_prefix",
	)
}

func (c *Client) apply(ctx context.Context, statements ...string) error {
	db := c.db.WithContext(ctx)
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	if err := db.Exec("SELECT pg_reload_conf()").Error; err != nil {
		return fmt.Errorf("reload configuration: %w", err)
	}
	c.logger.Debug("Server logging configuration applied", c.logger.Args("statements", len(statements)))
	return nil
}

type logDirRow struct {
	Name         string
	Size         int64
	Modification time.Time
}

// ListLogFiles lists the server log directory
func (c *Client) ListLogFiles(ctx context.Context) ([]ingestion.LogFile, error) {
	var rows []logDirRow
	err := c.db.WithContext(ctx).
		Raw("SELECT name, size, modification FROM pg_ls_logdir() ORDER BY modification DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	files := make([]ingestion.LogFile, 0, len(rows))
	for _, r := range rows {
		// csvlog and jsonlog files share the directory
		if !strings.HasSuffix(r.Name, ".log") {
			continue
		}
		files = append(files, ingestion.LogFile{Name: r.Name, LastModified: r.Modification, Size: r.Size})
	}
	return files, nil
}

// ReadRange reads a byte range of a server log file with pg_read_binary_file
func (c *Client) ReadRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	filePath, err := c.logPath(name)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = c.db.WithContext(ctx).
		Raw("SELECT pg_read_binary_file(?, ?, ?)", filePath, offset, length).
		Row().Scan(&data)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) logPath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidLogName, name)
	}
	return path.Join(c.cfg.LogSubdir, name), nil
}
