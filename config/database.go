package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var db *gorm.DB

func GetDB() *gorm.DB {
	return db
}

// SetDB replaces the global handle. Used by the CLI and integration tests.
func SetDB(d *gorm.DB) {
	db = d
}

func init() {
	godotenv.Load()
}

// DatabaseDSN builds the MySQL DSN from DB_* env vars. A DB_HOST of
// "/cloudsql/<CONNECTION_NAME>" connects over the Cloud SQL unix socket.
func DatabaseDSN() string {
	host := os.Getenv("DB_HOST")
	addr := "tcp(" + host + ":" + os.Getenv("DB_PORT") + ")"
	if strings.HasPrefix(host, "/cloudsql/") {
		addr = "unix(" + host + ")"
	}
	return fmt.Sprintf("%s:%s@%s/%s?multiStatements=true&parseTime=true&loc=UTC",
		os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"), addr, os.Getenv("DB_NAME"))
}

// ConnectDatabaseWithRetry blocks until MySQL answers, then sets the global DB.
func ConnectDatabaseWithRetry() {
	dsn := DatabaseDSN()
	_ = connectWithRetry(context.Background(), "mysql", 0, func() error {
		conn, err := OpenDatabase(dsn)
		if err != nil {
			return err
		}
		db = conn
		return nil
	})
}

// poolSettings tune database/sql. Zero or negative values keep the driver default.
type poolSettings struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
	maxIdleTime time.Duration
}

func poolSettingsFromEnv() poolSettings {
	return poolSettings{
		maxOpen:     intFromEnv("DB_MAX_OPEN_CONNS", 50),
		maxIdle:     intFromEnv("DB_MAX_IDLE_CONNS", 25),
		maxLifetime: time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
		maxIdleTime: time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second,
	}
}

// OpenDatabase opens one pool and installs the tracing and tenant guard plugins.
func OpenDatabase(dsn string) (*gorm.DB, error) {
	conn, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:         gormLogger(),
		NamingStrategy: schema.NamingStrategy{},
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	pool := poolSettingsFromEnv()
	if pool.maxOpen > 0 {
		sqlDB.SetMaxOpenConns(pool.maxOpen)
	}
	if pool.maxIdle >= 0 {
		sqlDB.SetMaxIdleConns(pool.maxIdle)
	}
	if pool.maxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.maxLifetime)
	}
	if pool.maxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(pool.maxIdleTime)
	}

	for _, plugin := range []gorm.Plugin{otelgorm.NewPlugin(), NewTenantGuardPlugin()} {
		if err := conn.Use(plugin); err != nil {
			logg.WithField("field", "mysql").Warnf("plugin %s not installed: %v", plugin.Name(), err)
		}
	}
	return conn, nil
}

func intFromEnv(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return n
}

// gormLogger writes slow queries and errors through logrus. GORM_LOG_LEVEL=info logs every statement.
func gormLogger() logger.Interface {
	level := logger.Error
	if strings.EqualFold(os.Getenv("GORM_LOG_LEVEL"), "info") {
		level = logger.Info
	}
	return logger.New(logg, logger.Config{
		LogLevel:                  level,
		SlowThreshold:             time.Second,
		IgnoreRecordNotFoundError: true,
	})
}
