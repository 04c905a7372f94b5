// Package db 提供 GORM 初始化：连接池配置、slog 接管的 SQL 日志
// 与慢查询告警，以及跨仓储共享事务的助手。
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wyfcoding/servicekit/pkg/config"
	"github.com/wyfcoding/servicekit/pkg/contextx"
)

// DB 数据库实例包装
type DB struct {
	*gorm.DB
}

// Open 按配置建立 MySQL 连接并配置连接池
func Open(cfg config.DatabaseConfig, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Driver != "mysql" {
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	g, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger: NewSlogLogger(logger, 200*time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := g.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	if err := sqlDB.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connected", "driver", cfg.Driver,
		"max_open_conns", cfg.MaxOpenConns, "max_idle_conns", cfg.MaxIdleConns)
	return &DB{DB: g}, nil
}

// Close 关闭底层连接池
func (d *DB) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx 在单个事务中执行 fn。事务通过 context 下发，
// 各仓储经 contextx.Tx 取到同一事务，实现跨仓储原子写。
func (d *DB) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(contextx.WithTx(ctx, tx))
	})
}

// SlogLogger 把 GORM 日志桥接到 slog，超过阈值的查询记为慢查询
type SlogLogger struct {
	logger        *slog.Logger
	slowThreshold time.Duration
}

// NewSlogLogger 创建 GORM 日志桥
func NewSlogLogger(logger *slog.Logger, slowThreshold time.Duration) *SlogLogger {
	return &SlogLogger{logger: logger, slowThreshold: slowThreshold}
}

// LogMode 实现 gorm logger.Interface，日志级别由 slog 控制
func (l *SlogLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface { return l }

// Info 实现 gorm logger.Interface
func (l *SlogLogger) Info(ctx context.Context, msg string, data ...any) {
	l.logger.InfoContext(ctx, msg, "data", data)
}

// Warn 实现 gorm logger.Interface
func (l *SlogLogger) Warn(ctx context.Context, msg string, data ...any) {
	l.logger.WarnContext(ctx, msg, "data", data)
}

// Error 实现 gorm logger.Interface
func (l *SlogLogger) Error(ctx context.Context, msg string, data ...any) {
	l.logger.ErrorContext(ctx, msg, "data", data)
}

// Trace 记录 SQL 执行情况
func (l *SlogLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sqlStr, rows := fc()

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		l.logger.ErrorContext(ctx, "sql execution failed",
			"duration", elapsed, "rows", rows, "sql", sqlStr, "error", err)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold:
		l.logger.WarnContext(ctx, "slow query detected",
			"duration", elapsed, "rows", rows, "sql", sqlStr)
	default:
		l.logger.DebugContext(ctx, "sql executed",
			"duration", elapsed, "rows", rows, "sql", sqlStr)
	}
}
