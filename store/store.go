// =============================================================================
// 🗄️ BESH 持久层
// =============================================================================
// 基于 GORM 的批任务与 Token 用量存储。
// 支持 SQLite（默认，纯 Go 驱动）、PostgreSQL、MySQL。
// =============================================================================

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ProsusAI/BESH/config"
)

// ErrNotFound 表示请求的记录不存在。
var ErrNotFound = errors.New("record not found")

// ErrTerminal 表示批次已处于终态，状态迁移被拒绝。
var ErrTerminal = errors.New("batch in terminal state")

// Open 根据配置打开数据库连接并完成迁移。
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.Path)
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	case "mysql":
		dialector = mysql.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres, mysql)", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if err := db.AutoMigrate(&Batch{}, &TokenUsage{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if logger != nil {
		logger.Info("database connected",
			zap.String("driver", cfg.Driver),
			zap.Int("max_open_conns", cfg.MaxOpenConns),
		)
	}
	return db, nil
}

// OpenInMemory 打开一个内存 SQLite 数据库，仅用于测试。
func OpenInMemory() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Batch{}, &TokenUsage{}); err != nil {
		return nil, err
	}
	return db, nil
}

// Ping 检查数据库连通性。
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
